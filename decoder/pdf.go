package decoder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

func decodePDF(ctx context.Context, data []byte) (*Result, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return nil, newDecodeError(ErrPasswordProtected, FormatPDF, err)
		}
		return nil, newDecodeError(ErrCorruptContent, FormatPDF, err)
	}

	res := &Result{Format: FormatPDF}
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		lines, err := pageLines(page)
		if err != nil {
			return nil, newDecodeError(ErrCorruptContent, FormatPDF, err)
		}
		res.Lines = append(res.Lines, lines...)
	}
	if len(res.Lines) == 0 {
		// some producers only expose a content stream readable as a whole
		if plain, err := r.GetPlainText(); err == nil {
			if raw, rerr := io.ReadAll(plain); rerr == nil {
				res.Lines = splitLines(string(raw))
			}
		}
	}
	return res, nil
}

// pageLines rebuilds visual lines from positioned text runs, inserting a space where runs
// are visibly apart.
func pageLines(page pdf.Page) ([]string, error) {
	rows, err := page.GetTextByRow()
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		var b strings.Builder
		var prevEnd float64
		for i, t := range row.Content {
			if i > 0 && t.X-prevEnd > t.FontSize*0.2 && !strings.HasPrefix(t.S, " ") {
				b.WriteByte(' ')
			}
			b.WriteString(t.S)
			prevEnd = t.X + t.W
		}
		line := strings.TrimSpace(collapseSpaces(b.String()))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
