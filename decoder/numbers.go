package decoder

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// ParsedNumber is a locale-normalised number together with the count of decimals it was written with.
type ParsedNumber struct {
	Value    decimal.Decimal
	Decimals int
}

// ParseLocaleNumber parses numbers written with `,` `.` space NBSP or `'` as thousands
// separators and `,` or `.` as the decimal mark. A sign may lead or trail, and parentheses
// mean negative.
func ParseLocaleNumber(s string) (ParsedNumber, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ParsedNumber{}, false
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	switch {
	case strings.HasPrefix(s, "-"), strings.HasPrefix(s, "−"):
		negative = true
		s = strings.TrimLeft(s, "-−")
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasSuffix(s, "-"):
		negative = true
		s = strings.TrimSuffix(s, "-")
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == ',', r == '.':
			b.WriteRune(r)
		case r == ' ', r == '\u00a0', r == '\u202f', r == '\'', r == '’':
			// grouping
		default:
			return ParsedNumber{}, false
		}
	}
	s = b.String()
	if s == "" || !unicode.IsDigit(rune(s[0])) && s[0] != '.' && s[0] != ',' {
		return ParsedNumber{}, false
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	decimalMark := byte(0)
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			decimalMark = '.'
		} else {
			decimalMark = ','
		}
	case lastDot >= 0:
		decimalMark = singleSeparatorRole(s, '.')
	case lastComma >= 0:
		decimalMark = singleSeparatorRole(s, ',')
	}

	var intPart, fracPart string
	if decimalMark != 0 {
		idx := strings.LastIndexByte(s, decimalMark)
		intPart, fracPart = s[:idx], s[idx+1:]
		if strings.ContainsAny(fracPart, ".,") {
			return ParsedNumber{}, false
		}
	} else {
		intPart = s
	}
	intPart = strings.NewReplacer(",", "", ".", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	if decimalMark != 0 && fracPart == "" {
		return ParsedNumber{}, false
	}

	literal := intPart
	if fracPart != "" {
		literal += "." + fracPart
	}
	v, err := decimal.NewFromString(literal)
	if err != nil {
		return ParsedNumber{}, false
	}
	if negative {
		v = v.Neg()
	}
	return ParsedNumber{Value: v, Decimals: len(fracPart)}, true
}

// singleSeparatorRole decides whether the only separator kind present is a decimal mark.
// Repeated separators and a single separator followed by exactly three digits are grouping.
func singleSeparatorRole(s string, sep byte) byte {
	if strings.Count(s, string(sep)) > 1 {
		return 0
	}
	idx := strings.IndexByte(s, sep)
	after := len(s) - idx - 1
	before := strings.TrimLeft(s[:idx], "0")
	if after == 3 && before != "" {
		return 0
	}
	return sep
}

var cellDateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006/01/02",
	"02/01/2006",
	"02.01.2006",
	"02-01-2006",
}

func classifyCell(raw string) Cell {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Cell{Kind: CellEmpty}
	}
	for _, layout := range cellDateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return Cell{Kind: CellDate, Raw: text, Date: t}
		}
	}
	if n, ok := ParseLocaleNumber(text); ok {
		return Cell{Kind: CellNumber, Raw: text, Number: n.Value}
	}
	return Cell{Kind: CellText, Raw: text}
}
