package correlator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/recordindex"
	"github.com/shopspring/decimal"
)

const (
	FactorExactAmount        = "exact_amount"
	FactorAmountWithin1Pct   = "amount_within_1pct"
	FactorAmountWithin5Pct   = "amount_within_5pct"
	FactorExactDate          = "exact_date"
	FactorDateWithinWindow   = "date_within_window"
	FactorExactReference     = "exact_reference"
	FactorSubstringReference = "substring_reference"

	ConflictReferenceMismatch = "reference_mismatch"
	ConflictDateOutsideWindow = "date_outside_window"
	ConflictSignMismatch      = "sign_mismatch"

	maxScore = 100
)

type Config struct {
	Weights           config.ScoringWeights
	DateWindowDays    int
	MatchedThreshold  int
	ProbableThreshold int
}

func DefaultConfig() Config {
	return FromSettings(config.DefaultSettings())
}

func FromSettings(s config.Settings) Config {
	return Config{
		Weights:           s.Weights,
		DateWindowDays:    s.DateWindowDays,
		MatchedThreshold:  s.MatchedThreshold,
		ProbableThreshold: s.ProbableThreshold,
	}
}

type Correlator struct {
	cfg Config
}

func New(cfg Config) *Correlator {
	return &Correlator{cfg: cfg}
}

// Classify maps a score onto its classification. hasCandidate separates discrepant from unmatched.
func (c *Correlator) Classify(score int, hasCandidate bool) models.MatchClassification {
	switch {
	case !hasCandidate:
		return models.MatchClassificationUnmatched
	case score >= c.cfg.MatchedThreshold:
		return models.MatchClassificationMatched
	case score >= c.cfg.ProbableThreshold:
		return models.MatchClassificationProbable
	default:
		return models.MatchClassificationDiscrepant
	}
}

type scored struct {
	entry         models.RecordIndexEntry
	score         int
	factors       []models.MatchFactor
	conflicts     []string
	discrepancies []models.Discrepancy
}

type query struct {
	amount decimal.Decimal
	date   *time.Time
	refs   []string
}

// Correlate scores every extracted amount of one document against the snapshot. It has no side
// effects and returns one match per amount, in amount order.
func (c *Correlator) Correlate(snap *recordindex.Snapshot, documentId string, res *models.ExtractionResult) []models.CorrelationMatch {
	if res == nil {
		return nil
	}
	primaryDate := res.PrimaryDate()
	docRefs := res.ReferenceTokens()

	matches := make([]models.CorrelationMatch, 0, len(res.Amounts))
	for i, a := range res.Amounts {
		q := query{amount: a.Value, date: a.LineDate, refs: a.LineReferences}
		if q.date == nil {
			q.date = primaryDate
		}
		if len(q.refs) == 0 {
			q.refs = docRefs
		}

		m := models.CorrelationMatch{
			DocumentId:     documentId,
			AmountIndex:    i,
			Amount:         a.Value,
			Currency:       a.Currency,
			Classification: models.MatchClassificationUnmatched,
		}
		if best, ok := c.best(snap, q); ok {
			entry := best.entry
			m.Candidate = &entry
			m.Score = best.score
			m.Factors = best.factors
			m.Conflicts = best.conflicts
			m.Discrepancies = best.discrepancies
			m.Classification = c.Classify(best.score, true)
		}
		matches = append(matches, m)
	}
	markSharedRecords(matches)
	return matches
}

// markSharedRecords flags every match of one document whose candidate is also chosen by another
// amount of the same document.
func markSharedRecords(matches []models.CorrelationMatch) {
	uses := map[string]int{}
	key := func(e *models.RecordIndexEntry) string { return string(e.Kind) + "/" + e.ExternalId }
	for _, m := range matches {
		if m.Candidate != nil {
			uses[key(m.Candidate)]++
		}
	}
	for i := range matches {
		if matches[i].Candidate != nil && uses[key(matches[i].Candidate)] > 1 {
			matches[i].SharedRecord = true
		}
	}
}

func (c *Correlator) best(snap *recordindex.Snapshot, q query) (scored, bool) {
	if snap == nil {
		return scored{}, false
	}
	amount := q.amount
	candidates := snap.Candidates(recordindex.Query{
		Amount:     &amount,
		Date:       q.date,
		References: q.refs,
		WindowDays: c.cfg.DateWindowDays,
	})

	var ranked []scored
	for _, e := range candidates {
		if s, ok := c.score(q, e); ok {
			ranked = append(ranked, s)
		}
	}
	if len(ranked) == 0 {
		return scored{}, false
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		ad, bd := a.entry.Date, b.entry.Date
		switch {
		case ad != nil && bd == nil:
			return true
		case ad == nil && bd != nil:
			return false
		case ad != nil && bd != nil && !ad.Equal(*bd):
			return ad.After(*bd)
		}
		return a.entry.ExternalId < b.entry.ExternalId
	})
	return ranked[0], true
}

func normalizedRefs(refs []string) []string {
	return recordindex.NormalizedReferences(models.RecordIndexEntry{References: refs})
}

// score evaluates one candidate. ok is false when the candidate shares nothing but date proximity.
func (c *Correlator) score(q query, e models.RecordIndexEntry) (scored, bool) {
	w := c.cfg.Weights
	s := scored{entry: e}
	add := func(name string, weight int) {
		s.factors = append(s.factors, models.MatchFactor{Name: name, Weight: weight})
		s.score += weight
	}

	amountSignal := false
	if e.Amount != nil {
		extracted, recorded := q.amount.Abs(), e.Amount.Abs()
		exact := extracted.Round(2).Equal(recorded.Round(2))
		switch {
		case exact:
			add(FactorExactAmount, w.ExactAmount)
			add(FactorAmountWithin1Pct, w.AmountWithin1Pct)
			add(FactorAmountWithin5Pct, w.AmountWithin5Pct)
			amountSignal = true
		case recordindex.WithinTolerance(extracted, recorded, 0.01):
			add(FactorAmountWithin1Pct, w.AmountWithin1Pct)
			add(FactorAmountWithin5Pct, w.AmountWithin5Pct)
			amountSignal = true
		case recordindex.WithinTolerance(extracted, recorded, 0.05):
			add(FactorAmountWithin5Pct, w.AmountWithin5Pct)
			amountSignal = true
		}
		if !exact {
			s.discrepancies = append(s.discrepancies, models.Discrepancy{
				Field:     "amount",
				Extracted: extracted.StringFixed(2),
				Recorded:  recorded.StringFixed(2),
				Delta:     recorded.Sub(extracted).StringFixed(2),
			})
		}
		if !q.amount.IsZero() && !e.Amount.IsZero() && q.amount.Sign() != e.Amount.Sign() {
			s.conflicts = append(s.conflicts, ConflictSignMismatch)
		}
	}

	if q.date != nil && e.Date != nil {
		days := dayDiff(*q.date, *e.Date)
		switch {
		case days == 0:
			add(FactorExactDate, w.ExactDate)
			add(FactorDateWithinWindow, w.DateWithinWindow)
		case abs(days) <= c.cfg.DateWindowDays:
			add(FactorDateWithinWindow, w.DateWithinWindow)
		default:
			s.conflicts = append(s.conflicts, ConflictDateOutsideWindow)
		}
		if days != 0 {
			s.discrepancies = append(s.discrepancies, models.Discrepancy{
				Field:     "date",
				Extracted: q.date.Format("2006-01-02"),
				Recorded:  e.Date.Format("2006-01-02"),
				Delta:     fmt.Sprintf("%dd", days),
			})
		}
	}

	refSignal := false
	extractedRefs := normalizedRefs(q.refs)
	recordRefs := recordindex.NormalizedReferences(e)
	if len(extractedRefs) > 0 && len(recordRefs) > 0 {
		best := recordindex.RefNone
		for _, r := range extractedRefs {
			if m := recordindex.RefOverlap(r, recordRefs); m > best {
				best = m
			}
		}
		switch best {
		case recordindex.RefExact:
			add(FactorExactReference, w.ExactReference)
			add(FactorSubstringReference, w.SubstringReference)
			refSignal = true
		case recordindex.RefSubstring:
			add(FactorSubstringReference, w.SubstringReference)
			refSignal = true
		default:
			s.conflicts = append(s.conflicts, ConflictReferenceMismatch)
			s.discrepancies = append(s.discrepancies, models.Discrepancy{
				Field:     "reference",
				Extracted: strings.Join(q.refs, ","),
				Recorded:  strings.Join(e.References, ","),
			})
		}
	}

	if !amountSignal && !refSignal {
		return scored{}, false
	}
	if s.score > maxScore {
		s.score = maxScore
	}
	return s, true
}

// dayDiff is recorded minus extracted in calendar days.
func dayDiff(extracted, recorded time.Time) int {
	a := time.Date(extracted.Year(), extracted.Month(), extracted.Day(), 0, 0, 0, 0, time.UTC)
	b := time.Date(recorded.Year(), recorded.Month(), recorded.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
