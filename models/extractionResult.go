package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExtractionResult is written once per extraction run; only the superseded marker changes afterwards.
type ExtractionResult struct {
	ID           string               `gorm:"size:36;primary_key" json:"id"`
	DocumentId   string               `gorm:"size:36;not null;index" json:"document_id"`
	UserId       int                  `gorm:"not null;index" json:"user_id"`
	Text         string               `gorm:"type:longtext" json:"text"`
	Amounts      []ExtractedAmount    `gorm:"type:json;serializer:json" json:"amounts"`
	Dates        []ExtractedDate      `gorm:"type:json;serializer:json" json:"dates"`
	References   []ExtractedReference `gorm:"type:json;serializer:json" json:"references"`
	Parties      []Party              `gorm:"type:json;serializer:json" json:"parties"`
	Kind         DocumentKind         `gorm:"size:20;not null" json:"kind"`
	Excerpt      string               `gorm:"type:text" json:"excerpt"`
	Notes        []string             `gorm:"type:json;serializer:json" json:"notes"`
	Superseded   bool                 `gorm:"not null;default:false;index" json:"superseded"`
	SupersededBy *string              `gorm:"size:36" json:"superseded_by,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

type ExtractedAmount struct {
	Value          decimal.Decimal `json:"value"`
	Currency       string          `json:"currency"`
	Confidence     float64         `json:"confidence"`
	Line           int             `json:"line"`
	Offset         int             `json:"offset"`
	Label          string          `json:"label,omitempty"`
	LineDate       *time.Time      `json:"line_date,omitempty"`
	LineReferences []string        `json:"line_references,omitempty"`
}

type ExtractedDate struct {
	Date       time.Time `json:"date"`
	Confidence float64   `json:"confidence"`
	Ambiguous  bool      `json:"ambiguous,omitempty"`
	Line       int       `json:"line"`
}

type ExtractedReference struct {
	Token      string  `json:"token"`
	Confidence float64 `json:"confidence"`
}

type Party struct {
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// PrimaryDate returns the most confident date, earliest occurrence first on ties.
func (r *ExtractionResult) PrimaryDate() *time.Time {
	var best *ExtractedDate
	for i := range r.Dates {
		d := &r.Dates[i]
		if best == nil || d.Confidence > best.Confidence {
			best = d
		}
	}
	if best == nil {
		return nil
	}
	t := best.Date
	return &t
}

func (r *ExtractionResult) ReferenceTokens() []string {
	out := make([]string, 0, len(r.References))
	for _, ref := range r.References {
		out = append(out, ref.Token)
	}
	return out
}

// IsEmpty reports whether nothing financial was recognised.
func (r *ExtractionResult) IsEmpty() bool {
	return len(r.Amounts) == 0 && len(r.Dates) == 0 && len(r.References) == 0
}
