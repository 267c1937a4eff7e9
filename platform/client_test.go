package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/books_reconcile/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, 2*time.Second, 1000)
	if err != nil {
		t.Fatalf("expected client, got %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestListRecordsFollowsCursor(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/v1/invoices" {
			t.Errorf("expected /v1/invoices, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if got := r.Header.Get("X-Business-Id"); got != "biz-1" {
			t.Errorf("expected business header, got %q", got)
		}
		if r.URL.Query().Get("from") != "2023-06-01" {
			t.Errorf("expected from=2023-06-01, got %q", r.URL.Query().Get("from"))
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			_, _ = w.Write([]byte(`{"data":[{"id":1,"number":"INV-2024-001","total":"1250.00","date":"2024-01-15"}],"next_cursor":"p2","has_more":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"inv_2","reference":"FAC-9","amount":99.5,"issued_at":"2024-02-01T10:00:00Z"}],"next_cursor":""}`))
	})

	window := Window{From: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	entries, err := c.ListRecords(context.Background(), Session{AccessToken: "tok", BusinessId: "biz-1"}, models.RecordKindInvoice, window)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 pages fetched, got %d", calls)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.ExternalId != "1" || first.Amount == nil || first.Amount.String() != "1250" {
		t.Fatalf("expected invoice 1 of 1250, got %+v", first)
	}
	if len(first.References) != 1 || first.References[0] != "INV-2024-001" {
		t.Fatalf("expected reference INV-2024-001, got %v", first.References)
	}
	second := entries[1]
	if second.ExternalId != "inv_2" || second.Date == nil || second.Date.Day() != 1 {
		t.Fatalf("expected inv_2 dated 2024-02-01, got %+v", second)
	}
}

func TestListRecordsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	_, err := c.ListRecords(context.Background(), Session{}, models.RecordKindCustomer, Window{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", apiErr.Status)
	}
}

func TestMutateSendsIdempotencyKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/customers" {
			t.Errorf("expected POST /v1/customers, got %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "conf-1" {
			t.Errorf("expected idempotency key conf-1, got %q", got)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("expected json body, got %v", err)
		}
		if body["name"] != "Dupont SARL" {
			t.Errorf("expected name in body, got %v", body)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"cus_42"}}`))
	})
	op := models.OperationDescriptor{Kind: models.OperationCreateCustomer, Params: map[string]interface{}{"name": "Dupont SARL"}}
	res, err := c.Mutate(context.Background(), Session{}, op, "conf-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.ExternalId != "cus_42" {
		t.Fatalf("expected cus_42, got %s", res.ExternalId)
	}
}

func TestMutateDeleteRoute(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/invoices/inv_7" {
			t.Errorf("expected DELETE /v1/invoices/inv_7, got %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	op := models.OperationDescriptor{Kind: models.OperationDeleteRecord, Params: map[string]interface{}{"record_kind": "invoice", "id": "inv_7"}}
	res, err := c.Mutate(context.Background(), Session{}, op, "conf-2")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.ExternalId != "inv_7" {
		t.Fatalf("expected inv_7, got %s", res.ExternalId)
	}
}

func TestMutateTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	op := models.OperationDescriptor{Kind: models.OperationCreateProduct, Params: map[string]interface{}{"name": "Widget"}}
	_, err := c.Mutate(ctx, Session{}, op, "conf-3")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestGatewayTimeoutIsTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	})
	op := models.OperationDescriptor{Kind: models.OperationCreateSupplier, Params: map[string]interface{}{"name": "ACME"}}
	if _, err := c.Mutate(context.Background(), Session{}, op, "k"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
