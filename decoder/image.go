package decoder

import (
	"bytes"
	"context"

	"github.com/disintegration/imaging"
	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/sirupsen/logrus"
)

// minOCRWidth is the width below which scans are upscaled before recognition.
const minOCRWidth = 1200

func (d *Decoder) decodeImage(ctx context.Context, data []byte) (*Result, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, newDecodeError(ErrCorruptContent, FormatImage, err)
	}
	res := &Result{Format: FormatImage}
	if !d.caps.OCRAvailable {
		res.addNote(NoteOCRUnavailable)
		return res, nil
	}

	prepared := imaging.Grayscale(img)
	if w := prepared.Bounds().Dx(); w > 0 && w < minOCRWidth {
		prepared = imaging.Resize(prepared, minOCRWidth, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, prepared, imaging.PNG); err != nil {
		return nil, newDecodeError(ErrCorruptContent, FormatImage, err)
	}

	text, err := d.ocr.Recognize(ctx, buf.Bytes())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		config.GetLogger().WithFields(logrus.Fields{
			"module":   "decoder",
			"funcName": "decodeImage",
		}).Warn("ocr failed: " + err.Error())
		res.addNote(NoteOCRFailed)
		return res, nil
	}
	res.Lines = splitLines(text)
	return res, nil
}
