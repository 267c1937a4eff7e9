package extractor

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmdatafocus/books_reconcile/decoder"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/utils"
)

const excerptLength = 280

type Options struct {
	// DefaultCurrency applies when no amount in the document carries a currency marker.
	DefaultCurrency string
	// PhoneRegion is the libphonenumber region for numbers without an international prefix.
	PhoneRegion string
}

type Extractor struct {
	opts Options
}

func New(opts Options) *Extractor {
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "EUR"
	}
	if opts.PhoneRegion == "" {
		opts.PhoneRegion = utils.CountryCode
	}
	return &Extractor{opts: opts}
}

// Entities is everything recognised in one decoded document.
type Entities struct {
	Amounts    []models.ExtractedAmount
	Dates      []models.ExtractedDate
	References []models.ExtractedReference
	Parties    []models.Party
	Kind       models.DocumentKind
	Excerpt    string
}

type span struct {
	line  int
	start int
	end   int
}

func (s span) overlaps(o span) bool {
	return s.line == o.line && s.start < o.end && o.start < s.end
}

func overlapsAny(s span, others []span) bool {
	for _, o := range others {
		if s.overlaps(o) {
			return true
		}
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func roundConfidence(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}

// Extract never fails: unrecognised content yields empty lists and kind unknown. uploadedAt
// anchors the resolution of ambiguous dates.
func (e *Extractor) Extract(res *decoder.Result, uploadedAt time.Time) Entities {
	out := Entities{Kind: models.DocumentKindUnknown}
	if res == nil || len(res.Lines) == 0 {
		return out
	}
	lines := res.Lines

	dateHits := findDates(lines, uploadedAt)
	dateSpans := make([]span, 0, len(dateHits))
	for _, h := range dateHits {
		dateSpans = append(dateSpans, h.span)
	}

	var amounts []amountHit
	covered := map[int]bool{}
	if res.Format.IsTabular() {
		amounts, covered = e.tableAmounts(res, uploadedAt)
	}
	amounts = append(amounts, scanAmounts(lines, covered, dateSpans)...)
	sort.SliceStable(amounts, func(i, j int) bool {
		if amounts[i].amount.Line != amounts[j].amount.Line {
			return amounts[i].amount.Line < amounts[j].amount.Line
		}
		return amounts[i].amount.Offset < amounts[j].amount.Offset
	})

	masked := append([]span{}, dateSpans...)
	for _, a := range amounts {
		masked = append(masked, a.span)
	}
	refHits := findReferences(lines, masked)

	docCurrency := dominantCurrency(amounts, e.opts.DefaultCurrency)
	for i := range amounts {
		a := &amounts[i].amount
		if a.Currency == "" {
			a.Currency = docCurrency
		}
		if a.LineDate == nil {
			for _, d := range dateHits {
				if d.span.line == a.Line {
					t := d.date
					a.LineDate = &t
					break
				}
			}
		}
		if a.LineReferences == nil {
			a.LineReferences = lineReferences(refHits, a.Line)
		}
		out.Amounts = append(out.Amounts, *a)
	}

	out.Dates = dedupeDates(dateHits)
	out.References = dedupeReferences(refHits)
	text := res.Text()
	out.Kind = classifyKind(text)
	out.Parties = findParties(lines, e.opts.PhoneRegion)
	out.Excerpt = excerpt(text)
	return out
}

func lineReferences(hits []refHit, line int) []string {
	var out []string
	seen := map[string]bool{}
	for _, h := range hits {
		if h.span.line != line {
			continue
		}
		key := strings.ToUpper(h.token)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out
}

func dominantCurrency(hits []amountHit, fallback string) string {
	counts := map[string]int{}
	best, bestCount := "", 0
	for _, h := range hits {
		if !h.marked {
			continue
		}
		c := h.amount.Currency
		counts[c]++
		if counts[c] > bestCount || (counts[c] == bestCount && c < best) {
			best, bestCount = c, counts[c]
		}
	}
	if best == "" {
		return fallback
	}
	return best
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= excerptLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:excerptLength])) + "…"
}
