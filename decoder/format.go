package decoder

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Format is the closed set of input formats the decoder understands.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatXLSX    Format = "xlsx"
	FormatXLS     Format = "xls"
	FormatPDF     Format = "pdf"
	FormatDOCX    Format = "docx"
	FormatText    Format = "text"
	FormatJSON    Format = "json"
	FormatHTML    Format = "html"
	FormatImage   Format = "image"
	FormatUnknown Format = "unknown"
)

func (f Format) IsTabular() bool {
	return f == FormatCSV || f == FormatXLSX || f == FormatXLS
}

var extensionFormats = map[string]Format{
	".csv":  FormatCSV,
	".tsv":  FormatCSV,
	".xlsx": FormatXLSX,
	".xlsm": FormatXLSX,
	".xls":  FormatXLS,
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
	".txt":  FormatText,
	".text": FormatText,
	".md":   FormatText,
	".log":  FormatText,
	".json": FormatJSON,
	".html": FormatHTML,
	".htm":  FormatHTML,
	".png":  FormatImage,
	".jpg":  FormatImage,
	".jpeg": FormatImage,
	".gif":  FormatImage,
	".bmp":  FormatImage,
	".tif":  FormatImage,
	".tiff": FormatImage,
}

var mimeFormats = []struct {
	mime   string
	format Format
}{
	{"application/pdf", FormatPDF},
	{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", FormatXLSX},
	{"application/vnd.ms-excel", FormatXLS},
	{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", FormatDOCX},
	{"text/csv", FormatCSV},
	{"text/tab-separated-values", FormatCSV},
	{"application/json", FormatJSON},
	{"text/html", FormatHTML},
	{"image/png", FormatImage},
	{"image/jpeg", FormatImage},
	{"image/gif", FormatImage},
	{"image/bmp", FormatImage},
	{"image/tiff", FormatImage},
	{"text/plain", FormatText},
}

// DetectFormat resolves the format from the file extension first and falls back to content
// sniffing. The sniffed MIME type is always returned.
func DetectFormat(filename string, data []byte) (Format, string) {
	mtype := mimetype.Detect(data)
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	if f, ok := extensionFormats[ext]; ok {
		return f, mtype.String()
	}
	for m := mtype; m != nil; m = m.Parent() {
		for _, candidate := range mimeFormats {
			if m.Is(candidate.mime) {
				return candidate.format, mtype.String()
			}
		}
	}
	return FormatUnknown, mtype.String()
}
