package decoder

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	out := make([]string, 0, strings.Count(text, "\n")+1)
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(collapseSpaces(l))
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// collapseSpaces folds runs of spaces and tabs to a single space.
func collapseSpaces(s string) string {
	var b strings.Builder
	space := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if !space {
				b.WriteRune(' ')
			}
			space = true
			continue
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

func decodeText(data []byte) (*Result, error) {
	return &Result{Format: FormatText, Lines: splitLines(string(toUTF8(data)))}, nil
}

// decodeJSON flattens a document into sorted `path: value` lines.
func decodeJSON(data []byte) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(toUTF8(data)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, newDecodeError(ErrCorruptContent, FormatJSON, err)
	}
	res := &Result{Format: FormatJSON}
	flattenJSON("", v, &res.Lines)
	return res, nil
}

func flattenJSON(path string, v interface{}, out *[]string) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if path != "" {
				p = path + "." + k
			}
			flattenJSON(p, t[k], out)
		}
	case []interface{}:
		for i, item := range t {
			flattenJSON(fmt.Sprintf("%s[%d]", path, i), item, out)
		}
	case nil:
	default:
		val := strings.TrimSpace(fmt.Sprint(t))
		if val == "" {
			return
		}
		if path == "" {
			*out = append(*out, val)
			return
		}
		*out = append(*out, path+": "+val)
	}
}

const docxBody = "word/document.xml"

func decodeDOCX(data []byte) (*Result, error) {
	if isEncryptedOOXML(data) {
		return nil, newDecodeError(ErrPasswordProtected, FormatDOCX, nil)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, newDecodeError(ErrCorruptContent, FormatDOCX, err)
	}
	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBody {
			body = f
			break
		}
	}
	if body == nil {
		return nil, newDecodeError(ErrCorruptContent, FormatDOCX, errors.New("missing "+docxBody))
	}
	rc, err := body.Open()
	if err != nil {
		return nil, newDecodeError(ErrCorruptContent, FormatDOCX, err)
	}
	defer rc.Close()

	text, err := docxText(rc)
	if err != nil {
		return nil, newDecodeError(ErrCorruptContent, FormatDOCX, err)
	}
	return &Result{Format: FormatDOCX, Lines: splitLines(text)}, nil
}

// docxText walks WordprocessingML: w:t runs carry text, paragraphs and breaks end lines,
// tabs and table cells become spaces.
func docxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteString(" ")
			case "br", "cr":
				b.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			case "tc":
				b.WriteString("  ")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
}
