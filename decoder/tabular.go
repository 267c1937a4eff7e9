package decoder

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// encryptionInfoStream is the UTF-16LE name of the stream an encrypted OOXML package carries.
var encryptionInfoStream = []byte("E\x00n\x00c\x00r\x00y\x00p\x00t\x00i\x00o\x00n\x00I\x00n\x00f\x00o\x00")

// isEncryptedOOXML reports whether data is an office document wrapped in an encrypted compound file.
func isEncryptedOOXML(data []byte) bool {
	return bytes.HasPrefix(data, oleMagic) && bytes.Contains(data, encryptionInfoStream)
}

// toUTF8 strips a BOM and reinterprets non UTF-8 input as Windows-1252.
func toUTF8(data []byte) []byte {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return decoded
}

// sniffDelimiter picks the candidate that appears on the most of the first lines, preferring
// higher per-line counts on ties.
func sniffDelimiter(data []byte) rune {
	candidates := []rune{',', ';', '\t'}
	lines := make([]string, 0, 10)
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
		if len(lines) == 10 {
			break
		}
	}
	best := ','
	bestLines, bestCount := 0, 0
	for _, c := range candidates {
		linesWith, total := 0, 0
		for _, l := range lines {
			n := countOutsideQuotes(l, c)
			if n > 0 {
				linesWith++
				total += n
			}
		}
		if linesWith > bestLines || (linesWith == bestLines && total > bestCount) {
			best, bestLines, bestCount = c, linesWith, total
		}
	}
	return best
}

func countOutsideQuotes(line string, c rune) int {
	inQuotes := false
	n := 0
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == c && !inQuotes:
			n++
		}
	}
	return n
}

func decodeCSV(ctx context.Context, data []byte) (*Result, error) {
	data = toUTF8(data)
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	res := &Result{Format: FormatCSV}
	for i := 0; ; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, newDecodeError(ErrCorruptContent, FormatCSV, err)
		}
		res.appendRow("", i, record)
	}
	return res, nil
}

func decodeXLSX(ctx context.Context, data []byte) (*Result, error) {
	xl, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, excelize.ErrWorkbookPassword) || isEncryptedOOXML(data) {
			return nil, newDecodeError(ErrPasswordProtected, FormatXLSX, err)
		}
		return nil, newDecodeError(ErrCorruptContent, FormatXLSX, err)
	}
	defer xl.Close()

	res := &Result{Format: FormatXLSX}
	for _, sheetName := range xl.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := xl.GetRows(sheetName)
		if err != nil {
			return nil, newDecodeError(ErrCorruptContent, FormatXLSX, err)
		}
		for i, row := range rows {
			res.appendRow(sheetName, i, row)
		}
	}
	return res, nil
}

func decodeXLS(ctx context.Context, data []byte) (*Result, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, newDecodeError(ErrCorruptContent, FormatXLS, err)
	}
	if wb == nil {
		return nil, newDecodeError(ErrCorruptContent, FormatXLS, errors.New("no workbook"))
	}

	res := &Result{Format: FormatXLS}
	for s := 0; s < wb.NumSheets(); s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sheet := wb.GetSheet(s)
		if sheet == nil {
			continue
		}
		for i := 0; i <= int(sheet.MaxRow); i++ {
			row := sheet.Row(i)
			if row == nil {
				continue
			}
			cells := make([]string, 0, row.LastCol())
			for c := 0; c < row.LastCol(); c++ {
				cells = append(cells, row.Col(c))
			}
			res.appendRow(sheet.Name, i, cells)
		}
	}
	return res, nil
}

func (r *Result) appendRow(sheet string, index int, raw []string) {
	row := Row{Sheet: sheet, Index: index, Cells: make([]Cell, len(raw))}
	for i, v := range raw {
		row.Cells[i] = classifyCell(v)
	}
	if row.IsEmpty() {
		return
	}
	r.Rows = append(r.Rows, row)
	r.Lines = append(r.Lines, row.Line())
}
