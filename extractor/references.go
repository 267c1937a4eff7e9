package extractor

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mmdatafocus/books_reconcile/models"
)

var (
	prefixedRefRe = regexp.MustCompile(`[A-Za-z]{2,6}[-_/]?\d[A-Za-z0-9\-_/]*`)
	digitRunRe    = regexp.MustCompile(`\d{4,}`)
	keywordRefRe  = regexp.MustCompile(`(?i)(?:invoice\s*(?:no\.?|n°|number|#)|facture\s*(?:n°|no\.?)?|r[ée]f(?:[ée]rence)?\.?|reference|n°|no\.|#)\s*[:.]?\s*([A-Za-z0-9][A-Za-z0-9\-_/]{2,})`)
)

const (
	confidencePrefixedRef = 0.7
	confidenceDigitRunRef = 0.5
	confidenceKeywordRef  = 0.9
	// keyword proximity: how far before a token a keyword still counts
	refKeywordWindow = 24
	minDigitRun      = 4
)

var refKeywords = []string{"invoice", "facture", "ref", "réf", "reference", "référence", "n°", "no.", "#", "numéro", "numero"}

type refHit struct {
	token string
	conf  float64
	span  span
}

func hasKeywordBefore(line string, start int) bool {
	from := start - refKeywordWindow
	if from < 0 {
		from = 0
	}
	for from > 0 && !utf8.RuneStart(line[from]) {
		from--
	}
	window := strings.ToLower(line[from:start])
	for _, kw := range refKeywords {
		if strings.Contains(window, kw) {
			return true
		}
	}
	return false
}

func isBoundary(line string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(line[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(line) {
		r, _ := utf8.DecodeRuneInString(line[end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func isYearLike(s string) bool {
	return len(s) == 4 && (strings.HasPrefix(s, "19") || strings.HasPrefix(s, "20"))
}

func letterPrefix(s string) string {
	end := 0
	for end < len(s) && ((s[end] >= 'A' && s[end] <= 'Z') || (s[end] >= 'a' && s[end] <= 'z')) {
		end++
	}
	return strings.ToUpper(s[:end])
}

// findReferences extracts document references. Spans in masked (amounts, dates) are skipped.
func findReferences(lines []string, masked []span) []refHit {
	var hits []refHit
	for li, line := range lines {
		var taken []span
		add := func(token string, conf float64, start, end int) {
			sp := span{line: li, start: start, end: end}
			if overlapsAny(sp, masked) || overlapsAny(sp, taken) {
				return
			}
			taken = append(taken, sp)
			hits = append(hits, refHit{token: token, conf: conf, span: sp})
		}

		for _, m := range keywordRefRe.FindAllStringSubmatchIndex(line, -1) {
			start, end := m[2], m[3]
			token := strings.TrimRight(line[start:end], "-_/")
			end = start + len(token)
			if countDigits(token) == 0 || len(token) < minDigitRun || isYearLike(token) {
				continue
			}
			if _, isCurrency := currencyCodes[letterPrefix(token)]; isCurrency {
				continue
			}
			add(token, confidenceKeywordRef, start, end)
		}
		for _, m := range prefixedRefRe.FindAllStringIndex(line, -1) {
			start, end := m[0], m[1]
			token := strings.TrimRight(line[start:end], "-_/")
			end = start + len(token)
			if !isBoundary(line, start, end) || countDigits(token) < 3 {
				continue
			}
			if _, isCurrency := currencyCodes[letterPrefix(token)]; isCurrency {
				continue
			}
			conf := confidencePrefixedRef
			if hasKeywordBefore(line, start) {
				conf = confidenceKeywordRef
			}
			add(token, conf, start, end)
		}
		for _, m := range digitRunRe.FindAllStringIndex(line, -1) {
			start, end := m[0], m[1]
			token := line[start:end]
			if !isBoundary(line, start, end) || isYearLike(token) {
				continue
			}
			conf := confidenceDigitRunRef
			if hasKeywordBefore(line, start) {
				conf = confidenceKeywordRef
			}
			add(token, conf, start, end)
		}
	}
	return hits
}

// dedupeReferences merges case-insensitively, keeping the first spelling and the best confidence.
func dedupeReferences(hits []refHit) []models.ExtractedReference {
	out := make([]models.ExtractedReference, 0, len(hits))
	index := make(map[string]int, len(hits))
	for _, h := range hits {
		key := strings.ToUpper(h.token)
		if i, ok := index[key]; ok {
			if h.conf > out[i].Confidence {
				out[i].Confidence = h.conf
			}
			continue
		}
		index[key] = len(out)
		out = append(out, models.ExtractedReference{Token: key, Confidence: h.conf})
	}
	return out
}

// NormalizeReference reduces a reference to upper-case letters and digits for comparison.
func NormalizeReference(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
