package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecordIndexEntry is a session-scoped projection of one external platform record.
type RecordIndexEntry struct {
	ExternalId  string           `json:"external_id"`
	Kind        RecordKind       `json:"kind"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Date        *time.Time       `json:"date,omitempty"`
	References  []string         `json:"references,omitempty"`
	DisplayName string           `json:"display_name,omitempty"`
}

type MatchFactor struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

type Discrepancy struct {
	Field     string `json:"field"`
	Extracted string `json:"extracted"`
	Recorded  string `json:"recorded"`
	Delta     string `json:"delta,omitempty"`
}

type CorrelationMatch struct {
	DocumentId     string              `json:"document_id"`
	AmountIndex    int                 `json:"amount_index"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency,omitempty"`
	Candidate      *RecordIndexEntry   `json:"candidate,omitempty"`
	Score          int                 `json:"score"`
	Factors        []MatchFactor       `json:"factors,omitempty"`
	Conflicts      []string            `json:"conflicts,omitempty"`
	Discrepancies  []Discrepancy       `json:"discrepancies,omitempty"`
	SharedRecord   bool                `json:"shared_record,omitempty"`
	Classification MatchClassification `json:"classification"`
}

// AmountDelta is recorded amount minus extracted amount, nil when the candidate has no amount.
func (m CorrelationMatch) AmountDelta() *decimal.Decimal {
	if m.Candidate == nil || m.Candidate.Amount == nil {
		return nil
	}
	d := m.Candidate.Amount.Abs().Sub(m.Amount.Abs())
	return &d
}

type ReportCounts struct {
	Matched    int `json:"matched"`
	Probable   int `json:"probable"`
	Discrepant int `json:"discrepant"`
	Unmatched  int `json:"unmatched"`
}

type RecommendationCode string

const (
	RecommendationVerifyAmount          RecommendationCode = "verify_amount"
	RecommendationPossibleMissingRecord RecommendationCode = "possible_missing_record"
	RecommendationUnknownParty          RecommendationCode = "unknown_party"
)

type Recommendation struct {
	Code        RecommendationCode `json:"code"`
	DocumentId  string             `json:"document_id"`
	AmountIndex int                `json:"amount_index"`
	Message     string             `json:"message"`
}

type ReconciliationReport struct {
	Matches         []CorrelationMatch `json:"matches"`
	Counts          ReportCounts       `json:"counts"`
	Recommendations []Recommendation   `json:"recommendations"`
	Notes           []string           `json:"notes"`
	IndexIncomplete bool               `json:"index_incomplete"`
}
