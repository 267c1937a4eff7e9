package extractor

import (
	"strings"

	"github.com/mmdatafocus/books_reconcile/models"
)

type kindKeyword struct {
	text   string
	weight int
}

var kindKeywords = map[models.DocumentKind][]kindKeyword{
	models.DocumentKindInvoice: {
		{"facture", 3}, {"invoice", 3}, {"bill to", 2}, {"facturé à", 2}, {"facture à", 2},
		{"date d'échéance", 1}, {"due date", 1}, {"échéance", 1}, {"ttc", 1}, {"hors taxe", 1},
		{"tva", 1}, {"vat", 1},
	},
	models.DocumentKindStatement: {
		{"relevé", 3}, {"releve", 3}, {"statement", 3}, {"extrait de compte", 3}, {"solde", 2},
		{"balance", 2}, {"iban", 1}, {"débit", 1}, {"crédit", 1}, {"debit", 1}, {"credit", 1},
		{"opening", 1}, {"closing", 1},
	},
	models.DocumentKindReceipt: {
		{"reçu", 3}, {"recu", 3}, {"receipt", 3}, {"ticket", 2}, {"caisse", 2}, {"merci", 1},
		{"thank you", 1}, {"espèces", 1}, {"cash", 1}, {"rendu", 1}, {"change due", 1},
	},
}

var kindOrder = []models.DocumentKind{
	models.DocumentKindInvoice,
	models.DocumentKindStatement,
	models.DocumentKindReceipt,
}

// classifyKind sums the weights of keywords present in text. A zero or tied top score is unknown.
func classifyKind(text string) models.DocumentKind {
	lower := strings.ToLower(text)
	best := models.DocumentKindUnknown
	bestScore, tie := 0, false
	for _, kind := range kindOrder {
		score := 0
		for _, kw := range kindKeywords[kind] {
			if containsWord(lower, kw.text) {
				score += kw.weight
			}
		}
		switch {
		case score > bestScore:
			best, bestScore, tie = kind, score, false
		case score == bestScore && score > 0:
			tie = true
		}
	}
	if bestScore == 0 || tie {
		return models.DocumentKindUnknown
	}
	return best
}

// containsWord reports whether needle occurs in haystack without letters glued on either side.
func containsWord(haystack, needle string) bool {
	from := 0
	for {
		i := strings.Index(haystack[from:], needle)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(needle)
		if isBoundary(haystack, start, end) {
			return true
		}
		from = start + 1
		for from < len(haystack) && haystack[from]&0xC0 == 0x80 {
			from++
		}
		if from >= len(haystack) {
			return false
		}
	}
}
