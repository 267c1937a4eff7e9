package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/shopspring/decimal"
)

var ErrTimeout = errors.New("external platform timeout")

// APIError is a non-2xx answer from the platform.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api error %d: %s", e.Status, e.Body)
}

// Session carries the caller's platform credentials for one request.
type Session struct {
	UserId      int
	BusinessId  string
	AccessToken string
}

// Window bounds record listing by record date.
type Window struct {
	From time.Time
	To   time.Time
}

// LookbackWindow is the trailing window of the given months ending at now.
func LookbackWindow(now time.Time, months int) Window {
	return Window{From: now.AddDate(0, -months, 0), To: now}
}

type MutationResult struct {
	ExternalId string `json:"external_id"`
}

type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (r listResponse) records() []json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Items
}

// wireRecord covers the customer, invoice and transaction payloads.
type wireRecord struct {
	ID          flexID           `json:"id"`
	Name        string           `json:"name"`
	DisplayName string           `json:"display_name"`
	Number      string           `json:"number"`
	Reference   string           `json:"reference"`
	Description string           `json:"description"`
	Total       *decimal.Decimal `json:"total"`
	Amount      *decimal.Decimal `json:"amount"`
	Date        string           `json:"date"`
	IssuedAt    string           `json:"issued_at"`
	Email       string           `json:"email"`
}

var wireDateLayouts = []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"}

func parseWireDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range wireDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}

func (w wireRecord) entry(kind models.RecordKind) models.RecordIndexEntry {
	e := models.RecordIndexEntry{
		ExternalId: string(w.ID),
		Kind:       kind,
		Amount:     w.Total,
	}
	if e.Amount == nil {
		e.Amount = w.Amount
	}
	e.Date = parseWireDate(w.Date)
	if e.Date == nil {
		e.Date = parseWireDate(w.IssuedAt)
	}
	e.DisplayName = strings.TrimSpace(w.DisplayName)
	if e.DisplayName == "" {
		e.DisplayName = strings.TrimSpace(w.Name)
	}
	for _, ref := range []string{w.Number, w.Reference} {
		if ref = strings.TrimSpace(ref); ref != "" {
			e.References = append(e.References, ref)
		}
	}
	if kind == models.RecordKindTransaction && w.Description != "" {
		e.References = append(e.References, strings.TrimSpace(w.Description))
	}
	return e
}

// flexID accepts both numeric and string identifiers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type mutationResponse struct {
	ID   flexID `json:"id"`
	Data *struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

func (r mutationResponse) externalId() string {
	if r.ID != "" {
		return string(r.ID)
	}
	if r.Data != nil {
		return string(r.Data.ID)
	}
	return ""
}
