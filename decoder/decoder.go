package decoder

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/mmdatafocus/books_reconcile/config"
)

// DefaultMaxBytes is the upload ceiling used when none is configured.
const DefaultMaxBytes int64 = 50 << 20

// Capabilities is resolved once when the decoder is built.
type Capabilities struct {
	OCRAvailable bool
}

type Decoder struct {
	maxBytes int64
	ocr      OCREngine
	caps     Capabilities
}

// New builds a decoder. A nil ocr engine means images decode to empty text tagged ocr_unavailable.
func New(maxBytes int64, ocr OCREngine) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Decoder{
		maxBytes: maxBytes,
		ocr:      ocr,
		caps:     Capabilities{OCRAvailable: ocr != nil},
	}
}

func (d *Decoder) Capabilities() Capabilities {
	return d.caps
}

func (d *Decoder) MaxBytes() int64 {
	return d.maxBytes
}

// CheckSize rejects payloads above the ceiling before anything is read or stored.
func (d *Decoder) CheckSize(size int64) error {
	if size > d.maxBytes {
		return newDecodeError(ErrSizeExceeded, FormatUnknown, fmt.Errorf("%d bytes exceeds %d", size, d.maxBytes))
	}
	return nil
}

// Decode turns raw bytes into lines and rows. It never panics: parser panics surface as
// corrupt_content. The returned result is non-nil even on error so callers keep format and MIME.
func (d *Decoder) Decode(ctx context.Context, filename string, data []byte) (res *Result, err error) {
	if err := d.CheckSize(int64(len(data))); err != nil {
		return &Result{Format: FormatUnknown}, err
	}
	format, mime := DetectFormat(filename, data)

	defer func() {
		if r := recover(); r != nil {
			config.LogError(config.GetLogger(), "decoder", "Decode", "parser panic", map[string]interface{}{
				"filename": filename,
				"format":   format,
				"stack":    string(debug.Stack()),
			}, fmt.Errorf("%v", r))
			res = &Result{Format: format, MimeType: mime}
			err = newDecodeError(ErrCorruptContent, format, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return &Result{Format: format, MimeType: mime}, err
	}

	var out *Result
	switch format {
	case FormatCSV:
		out, err = decodeCSV(ctx, data)
	case FormatXLSX:
		out, err = decodeXLSX(ctx, data)
	case FormatXLS:
		out, err = decodeXLS(ctx, data)
	case FormatPDF:
		out, err = decodePDF(ctx, data)
	case FormatDOCX:
		out, err = decodeDOCX(data)
	case FormatText:
		out, err = decodeText(data)
	case FormatJSON:
		out, err = decodeJSON(data)
	case FormatHTML:
		out, err = decodeHTML(data)
	case FormatImage:
		out, err = d.decodeImage(ctx, data)
	default:
		err = newDecodeError(ErrUnsupportedFormat, FormatUnknown, nil)
	}
	if err != nil {
		return &Result{Format: format, MimeType: mime}, err
	}
	out.Format = format
	out.MimeType = mime
	if len(out.Lines) == 0 {
		out.addNote(NoteEmptyContent)
	}
	return out, nil
}
