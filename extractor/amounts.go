package extractor

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mmdatafocus/books_reconcile/decoder"
	"github.com/mmdatafocus/books_reconcile/models"
)

// numberRe finds candidate numbers; context checks in scanAmounts decide what is money.
var numberRe = regexp.MustCompile(`[-−]?(?:\d{1,3}(?:[ \x{00a0}\x{202f}.,'’]\d{3})+|\d+)(?:[.,]\d+)?`)

const (
	confidenceAmountBase = 0.5
	currencyBoost        = 0.2
	twoDecimalsBoost     = 0.1
	keywordClassBoost    = 0.15
	keywordBoostCap      = 0.3
)

var currencySymbols = map[rune]string{
	'€': "EUR",
	'$': "USD",
	'£': "GBP",
	'¥': "JPY",
}

var currencyCodes = map[string]string{
	"EUR":   "EUR",
	"EURO":  "EUR",
	"EUROS": "EUR",
	"USD":   "USD",
	"GBP":   "GBP",
	"MAD":   "MAD",
	"DH":    "MAD",
	"DHS":   "MAD",
	"CHF":   "CHF",
	"CAD":   "CAD",
	"XOF":   "XOF",
	"JPY":   "JPY",
}

// keyword classes, each contributes its boost at most once per amount
var amountKeywordClasses = []struct {
	class   string
	words   []string
	phrases []string
}{
	{"total", []string{"total", "ttc", "totale"}, []string{"net à payer", "net a payer", "amount due", "montant dû", "grand total"}},
	{"net", []string{"ht", "net", "subtotal", "sous-total"}, []string{"hors taxe", "hors taxes", "sous total"}},
	{"tax", []string{"tva", "vat", "tax", "taxe", "taxes"}, nil},
	{"amount", []string{"amount", "montant", "somme", "prix", "price", "paid", "payé"}, nil},
}

// keywordClasses returns the keyword classes present on a line, in priority order.
func keywordClasses(line string) []string {
	lower := strings.ToLower(line)
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	}) {
		words[strings.Trim(w, "-")] = true
		words[w] = true
	}
	var out []string
	for _, kc := range amountKeywordClasses {
		found := false
		for _, w := range kc.words {
			if words[w] {
				found = true
				break
			}
		}
		if !found {
			for _, p := range kc.phrases {
				if strings.Contains(lower, p) {
					found = true
					break
				}
			}
		}
		if found {
			out = append(out, kc.class)
		}
	}
	return out
}

func keywordBoost(classes []string) float64 {
	return minFloat(float64(len(classes))*keywordClassBoost, keywordBoostCap)
}

type amountHit struct {
	amount models.ExtractedAmount
	span   span
	marked bool
}

// currencyBefore looks for a symbol or code ending right before idx, allowing one space.
func currencyBefore(line string, idx int) string {
	head := line[:idx]
	s := strings.TrimRight(head, " \u00a0")
	if len(head)-len(s) > 2 || s == "" {
		return ""
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	if code, ok := currencySymbols[r]; ok {
		return code
	}
	end := len(s)
	start := end
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(s[:start])
		if !unicode.IsLetter(r) {
			break
		}
		start -= size
	}
	if start == end {
		return ""
	}
	return currencyCodes[strings.ToUpper(s[start:end])]
}

// currencyAfter looks for a symbol or code starting right after idx, allowing one space.
func currencyAfter(line string, idx int) string {
	rest := line[idx:]
	trimmed := strings.TrimLeft(rest, " \u00a0")
	if len(rest)-len(trimmed) > 2 || trimmed == "" {
		return ""
	}
	r, _ := utf8.DecodeRuneInString(trimmed)
	if code, ok := currencySymbols[r]; ok {
		return code
	}
	end := 0
	for end < len(trimmed) {
		r, size := utf8.DecodeRuneInString(trimmed[end:])
		if !unicode.IsLetter(r) {
			break
		}
		end += size
	}
	if end == 0 {
		return ""
	}
	return currencyCodes[strings.ToUpper(trimmed[:end])]
}

// rejectNumber filters numbers that are parts of identifiers, dates, times or percentages.
func rejectNumber(line string, start, end int) bool {
	if start > 0 {
		prev, size := utf8.DecodeLastRuneInString(line[:start])
		switch {
		case unicode.IsLetter(prev) || unicode.IsDigit(prev) || prev == '/' || prev == '_':
			return true
		case prev == '-' || prev == '.' || prev == ',' || prev == ':':
			if start-size > 0 {
				before, _ := utf8.DecodeLastRuneInString(line[:start-size])
				if unicode.IsLetter(before) || unicode.IsDigit(before) {
					// "INV-2024", "v1.2", "10:30"; a colon after a word is a label
					if prev != ':' || unicode.IsDigit(before) {
						return true
					}
				}
			}
		}
	}
	if end < len(line) {
		next, size := utf8.DecodeRuneInString(line[end:])
		switch next {
		case ':', '%', '/':
			return true
		case '.', ',':
			// "15.01.2024"
			if end+size < len(line) && line[end+size] >= '0' && line[end+size] <= '9' {
				return true
			}
		case '-':
			if end+size < len(line) {
				after, _ := utf8.DecodeRuneInString(line[end+size:])
				if unicode.IsDigit(after) {
					return true
				}
			}
		case ' ':
			if end+size < len(line) && line[end+size] == '%' {
				return true
			}
		}
		if unicode.IsLetter(next) && currencyAfter(line, end) == "" {
			// "12kg", "3x"
			return true
		}
	}
	return false
}

// scanAmounts finds amounts in free text. Lines in skip are handled elsewhere; masked spans
// (dates) never yield amounts.
func scanAmounts(lines []string, skip map[int]bool, masked []span) []amountHit {
	var hits []amountHit
	for li, line := range lines {
		if skip[li] {
			continue
		}
		classes := keywordClasses(line)
		for _, m := range numberRe.FindAllStringIndex(line, -1) {
			start, end := m[0], m[1]
			raw := line[start:end]
			if overlapsAny(span{line: li, start: start, end: end}, masked) || rejectNumber(line, start, end) {
				continue
			}
			parsed, ok := decoder.ParseLocaleNumber(raw)
			if !ok {
				continue
			}
			currency := currencyAfter(line, end)
			if currency == "" {
				currency = currencyBefore(line, start)
			}
			if currency == "" && parsed.Decimals != 2 {
				// "Ref 88231" is a reference even on a line that mentions an amount
				if len(classes) == 0 || hasKeywordBefore(line, start) {
					continue
				}
			}
			conf := confidenceAmountBase
			if currency != "" {
				conf += currencyBoost
			}
			if parsed.Decimals == 2 {
				conf += twoDecimalsBoost
			}
			conf += keywordBoost(classes)
			label := ""
			if len(classes) > 0 {
				label = classes[0]
			}
			hits = append(hits, amountHit{
				amount: models.ExtractedAmount{
					Value:      parsed.Value,
					Currency:   currency,
					Confidence: roundConfidence(minFloat(conf, 1)),
					Line:       li,
					Offset:     start,
					Label:      label,
				},
				span:   span{line: li, start: start, end: end},
				marked: currency != "",
			})
		}
	}
	return hits
}
