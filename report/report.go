package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/extractor"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/shopspring/decimal"
)

const (
	NoteSharedRecord    = "shared_record"
	NoteDecodeFailed    = "decode_failed"
	NoteIndexIncomplete = "index_incomplete"
)

var hundred = decimal.NewFromInt(100)

type Config struct {
	Materiality decimal.Decimal
	// discrepancies above either threshold need verification; the percentage is of the extracted amount
	DiscrepancyAbs     decimal.Decimal
	DiscrepancyPct     decimal.Decimal
	CustomerMatchRatio float64
}

func FromSettings(s config.Settings) Config {
	return Config{
		Materiality:        s.Materiality,
		DiscrepancyAbs:     s.DiscrepancyAbsThreshold,
		DiscrepancyPct:     s.DiscrepancyPctThreshold,
		CustomerMatchRatio: s.CustomerMatchRatio,
	}
}

// CustomerDirectory resolves party names against known customers.
type CustomerDirectory interface {
	ClosestCustomer(name string, minRatio float64) (models.RecordIndexEntry, float64, bool)
}

type DocumentParty struct {
	DocumentId string
	Party      models.Party
}

type DocumentNote struct {
	DocumentId string
	Note       string
}

type Input struct {
	Matches []models.CorrelationMatch
	Parties []DocumentParty
	// Customers is nil when no record index is available; party checks are then skipped.
	Customers       CustomerDirectory
	DocumentNotes   []DocumentNote
	IndexIncomplete bool
	FailedKinds     []models.RecordKind
}

// Build aggregates correlation output into a report. It reads no clock and no external state,
// so equal inputs give equal reports.
func Build(in Input, cfg Config) models.ReconciliationReport {
	rep := models.ReconciliationReport{
		Matches:         make([]models.CorrelationMatch, len(in.Matches)),
		Recommendations: []models.Recommendation{},
		Notes:           []string{},
		IndexIncomplete: in.IndexIncomplete,
	}
	copy(rep.Matches, in.Matches)

	shared := map[string]int{}
	for _, m := range rep.Matches {
		switch m.Classification {
		case models.MatchClassificationMatched:
			rep.Counts.Matched++
		case models.MatchClassificationProbable:
			rep.Counts.Probable++
		case models.MatchClassificationDiscrepant:
			rep.Counts.Discrepant++
			if rec, ok := verifyAmount(m, cfg); ok {
				rep.Recommendations = append(rep.Recommendations, rec)
			}
		default:
			rep.Counts.Unmatched++
			if m.Amount.Abs().GreaterThanOrEqual(cfg.Materiality) {
				rep.Recommendations = append(rep.Recommendations, models.Recommendation{
					Code:        models.RecommendationPossibleMissingRecord,
					DocumentId:  m.DocumentId,
					AmountIndex: m.AmountIndex,
					Message:     fmt.Sprintf("no record found for %s %s", m.Amount.StringFixed(2), m.Currency),
				})
			}
		}
		if m.SharedRecord && m.Candidate != nil {
			shared[string(m.Candidate.Kind)+"/"+m.Candidate.ExternalId]++
		}
	}

	if in.Customers != nil {
		seen := map[string]bool{}
		for _, p := range in.Parties {
			name := strings.TrimSpace(p.Party.Name)
			if name == "" || p.Party.Role == extractor.PartyRoleContact {
				continue
			}
			key := p.DocumentId + "|" + strings.ToLower(name)
			if seen[key] {
				continue
			}
			seen[key] = true
			if _, _, ok := in.Customers.ClosestCustomer(name, cfg.CustomerMatchRatio); ok {
				continue
			}
			rep.Recommendations = append(rep.Recommendations, models.Recommendation{
				Code:        models.RecommendationUnknownParty,
				DocumentId:  p.DocumentId,
				AmountIndex: -1,
				Message:     fmt.Sprintf("%s %q is not a known customer", p.Party.Role, name),
			})
		}
	}

	sharedKeys := make([]string, 0, len(shared))
	for k := range shared {
		sharedKeys = append(sharedKeys, k)
	}
	sort.Strings(sharedKeys)
	for _, k := range sharedKeys {
		rep.Notes = append(rep.Notes, fmt.Sprintf("%s: %s matched by %d amounts", NoteSharedRecord, k, shared[k]))
	}
	for _, n := range in.DocumentNotes {
		rep.Notes = append(rep.Notes, fmt.Sprintf("%s: %s", n.DocumentId, n.Note))
	}
	if in.IndexIncomplete {
		kinds := make([]string, len(in.FailedKinds))
		for i, k := range in.FailedKinds {
			kinds[i] = string(k)
		}
		sort.Strings(kinds)
		rep.Notes = append(rep.Notes, fmt.Sprintf("%s: %s", NoteIndexIncomplete, strings.Join(kinds, ",")))
	}
	return rep
}

func verifyAmount(m models.CorrelationMatch, cfg Config) (models.Recommendation, bool) {
	delta := m.AmountDelta()
	if delta == nil {
		return models.Recommendation{}, false
	}
	absDelta := delta.Abs()
	exceeds := absDelta.GreaterThan(cfg.DiscrepancyAbs)
	if !exceeds && !m.Amount.IsZero() {
		pct := absDelta.Div(m.Amount.Abs()).Mul(hundred)
		exceeds = pct.GreaterThan(cfg.DiscrepancyPct)
	}
	if !exceeds {
		return models.Recommendation{}, false
	}
	return models.Recommendation{
		Code:        models.RecommendationVerifyAmount,
		DocumentId:  m.DocumentId,
		AmountIndex: m.AmountIndex,
		Message: fmt.Sprintf("extracted %s but %s %s records %s (delta %s)",
			m.Amount.Abs().StringFixed(2), m.Candidate.Kind, m.Candidate.ExternalId,
			m.Candidate.Amount.Abs().StringFixed(2), delta.StringFixed(2)),
	}, true
}
