package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/decoder"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/mutationgate"
	"github.com/mmdatafocus/books_reconcile/platform"
	"github.com/mmdatafocus/books_reconcile/recordindex"
	"github.com/shopspring/decimal"
)

type fakePlatform struct {
	mu      sync.Mutex
	records []models.RecordIndexEntry
	fail    map[models.RecordKind]bool
	lists   int
	mutates int
}

func (f *fakePlatform) ListRecords(_ context.Context, _ platform.Session, kind models.RecordKind, _ platform.Window) ([]models.RecordIndexEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.fail[kind] {
		return nil, &platform.APIError{Status: 502, Body: "bad gateway"}
	}
	var out []models.RecordIndexEntry
	for _, r := range f.records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakePlatform) Mutate(_ context.Context, _ platform.Session, _ models.OperationDescriptor, _ string) (platform.MutationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutates++
	return platform.MutationResult{ExternalId: "cus-9"}, nil
}

func (f *fakePlatform) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

var (
	uploadTime = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	session    = platform.Session{UserId: 3, BusinessId: "biz", AccessToken: "tok"}
)

func newTestEngine(p *fakePlatform, settings config.Settings) (*Engine, *MemoryDocumentStore) {
	store := NewMemoryDocumentStore()
	now := func() time.Time { return uploadTime }
	e := NewEngine(Deps{
		Settings:  settings,
		Documents: store,
		Registry:  recordindex.NewRegistry(p, recordindex.Options{}),
		Gate:      mutationgate.New(mutationgate.NewMemoryStore(), p, mutationgate.Options{Now: now}),
		Now:       now,
	})
	return e, store
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func jan(d int) *time.Time {
	t := time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
	return &t
}

const invoiceText = "FACTURE\nFacture n° INV-2024-001\nDate: 15/01/2024\nTotal: 1,250.00€\n"

func TestInvoiceEndToEnd(t *testing.T) {
	p := &fakePlatform{records: []models.RecordIndexEntry{
		{ExternalId: "inv-1", Kind: models.RecordKindInvoice, Amount: amount("1250.00"), Date: jan(15), References: []string{"INV-2024-001"}},
		{ExternalId: "inv-2", Kind: models.RecordKindInvoice, Amount: amount("90.00"), Date: jan(16), References: []string{"INV-2024-002"}},
	}}
	e, _ := newTestEngine(p, config.DefaultSettings())
	ctx := context.Background()

	doc, err := e.Upload(ctx, session.UserId, "facture.txt", []byte(invoiceText))
	if err != nil {
		t.Fatalf("expected upload to succeed, got %v", err)
	}
	if doc.State != models.DocumentStateUploaded || doc.Format != string(decoder.FormatText) {
		t.Fatalf("expected uploaded text document, got %+v", doc)
	}

	rep, err := e.Reconcile(ctx, session, []string{doc.ID}, nil)
	if err != nil {
		t.Fatalf("expected reconcile to succeed, got %v", err)
	}
	if len(rep.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(rep.Matches))
	}
	m := rep.Matches[0]
	if m.Classification != models.MatchClassificationMatched || m.Score < 80 {
		t.Fatalf("expected matched with score >= 80, got %s %d", m.Classification, m.Score)
	}
	if m.Candidate == nil || m.Candidate.ExternalId != "inv-1" {
		t.Fatalf("expected inv-1, got %+v", m.Candidate)
	}
	if rep.IndexIncomplete {
		t.Fatalf("expected a complete index")
	}

	view, err := e.Document(ctx, session.UserId, doc.ID)
	if err != nil {
		t.Fatalf("expected document lookup to succeed, got %v", err)
	}
	if view.Document.State != models.DocumentStateExtracted || view.Extraction == nil {
		t.Fatalf("expected extracted document with a result, got %+v", view)
	}
	if view.Extraction.Kind != models.DocumentKindInvoice {
		t.Fatalf("expected kind invoice, got %s", view.Extraction.Kind)
	}
}

func TestStatementEndToEnd(t *testing.T) {
	var b strings.Builder
	b.WriteString("Date;Libellé;Débit;Crédit;Solde\n")
	var records []models.RecordIndexEntry
	for i := 1; i <= 45; i++ {
		date := (i % 28) + 1
		if i > 38 {
			fmt.Fprintf(&b, "%02d/01/2024;Prelevement inconnu;%d,00;;9999,99\n", date, 90000+i*1000)
			continue
		}
		value := fmt.Sprintf("%d.00", 200+i)
		if i%2 == 1 {
			fmt.Fprintf(&b, "%02d/01/2024;Paiement fournisseur;%d,50;;9999,99\n", date, 100+i)
			value = fmt.Sprintf("-%d.50", 100+i)
		} else {
			fmt.Fprintf(&b, "%02d/01/2024;Virement recu;;%d,00;9999,99\n", date, 200+i)
		}
		records = append(records, models.RecordIndexEntry{
			ExternalId: fmt.Sprintf("tx-%02d", i),
			Kind:       models.RecordKindTransaction,
			Amount:     amount(value),
			Date:       jan(date),
		})
	}

	e, _ := newTestEngine(&fakePlatform{records: records}, config.DefaultSettings())
	ctx := context.Background()
	doc, err := e.Upload(ctx, session.UserId, "releve.csv", []byte(b.String()))
	if err != nil {
		t.Fatalf("expected upload to succeed, got %v", err)
	}
	rep, err := e.Reconcile(ctx, session, []string{doc.ID}, []models.RecordKind{models.RecordKindTransaction})
	if err != nil {
		t.Fatalf("expected reconcile to succeed, got %v", err)
	}
	if len(rep.Matches) != 45 {
		t.Fatalf("expected 45 matches, got %d", len(rep.Matches))
	}
	if got := rep.Counts.Matched + rep.Counts.Probable; got != 38 {
		t.Fatalf("expected 38 matched or probable, got %d (%+v)", got, rep.Counts)
	}
	if rep.Counts.Unmatched != 7 {
		t.Fatalf("expected 7 unmatched, got %d", rep.Counts.Unmatched)
	}
	missing := 0
	for _, r := range rep.Recommendations {
		if r.Code == models.RecommendationPossibleMissingRecord {
			missing++
		}
	}
	if missing != 7 {
		t.Fatalf("expected 7 possible_missing_record, got %d", missing)
	}
}

func TestDecodeFailureIsNotAnError(t *testing.T) {
	e, _ := newTestEngine(&fakePlatform{}, config.DefaultSettings())
	ctx := context.Background()
	doc, err := e.Upload(ctx, session.UserId, "scan.pdf", []byte("%PDF-1.4 truncated"))
	if err != nil {
		t.Fatalf("expected upload to succeed, got %v", err)
	}
	result, err := e.Extract(ctx, session.UserId, doc.ID)
	if err != nil {
		t.Fatalf("expected extract to succeed, got %v", err)
	}
	if !result.IsEmpty() || result.Kind != models.DocumentKindUnknown {
		t.Fatalf("expected an empty result, got %+v", result)
	}
	if len(result.Notes) != 1 || result.Notes[0] != "decode_failed (corrupt_content)" {
		t.Fatalf("expected decode_failed note, got %v", result.Notes)
	}
	view, _ := e.Document(ctx, session.UserId, doc.ID)
	if view.Document.State != models.DocumentStateFailed || view.Document.FailureReason != "corrupt_content" {
		t.Fatalf("expected failed document with corrupt_content, got %+v", view.Document)
	}

	rep, err := e.Reconcile(ctx, session, []string{doc.ID}, nil)
	if err != nil {
		t.Fatalf("expected reconcile to succeed, got %v", err)
	}
	want := doc.ID + ": decode_failed (corrupt_content)"
	if len(rep.Notes) != 1 || rep.Notes[0] != want {
		t.Fatalf("expected note %q, got %v", want, rep.Notes)
	}
}

func TestUploadRejections(t *testing.T) {
	settings := config.DefaultSettings()
	settings.MaxUploadBytes = 16
	e, _ := newTestEngine(&fakePlatform{}, settings)
	ctx := context.Background()

	if _, err := e.Upload(ctx, 1, "big.txt", []byte(strings.Repeat("x", 17))); !errors.Is(err, decoder.ErrSizeExceeded) {
		t.Fatalf("expected ErrSizeExceeded, got %v", err)
	}
	if _, err := e.Upload(ctx, 1, "archive.7z", []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C, 0x00, 0x04}); !errors.Is(err, decoder.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestReextractSupersedes(t *testing.T) {
	e, store := newTestEngine(&fakePlatform{}, config.DefaultSettings())
	ctx := context.Background()
	doc, _ := e.Upload(ctx, session.UserId, "facture.txt", []byte(invoiceText))

	first, err := e.Extract(ctx, session.UserId, doc.ID)
	if err != nil {
		t.Fatalf("expected extract to succeed, got %v", err)
	}
	second, err := e.Extract(ctx, session.UserId, doc.ID)
	if err != nil {
		t.Fatalf("expected re-extract to succeed, got %v", err)
	}
	history := store.History(doc.ID)
	if len(history) != 2 {
		t.Fatalf("expected 2 results, got %d", len(history))
	}
	if !history[0].Superseded || history[0].SupersededBy == nil || *history[0].SupersededBy != second.ID {
		t.Fatalf("expected %s superseded by %s, got %+v", first.ID, second.ID, history[0])
	}
	if history[1].Superseded {
		t.Fatalf("expected the latest result to be current")
	}
}

func TestForeignDocumentIsNotFound(t *testing.T) {
	e, _ := newTestEngine(&fakePlatform{}, config.DefaultSettings())
	ctx := context.Background()
	doc, _ := e.Upload(ctx, 1, "facture.txt", []byte(invoiceText))
	if _, err := e.Extract(ctx, 2, doc.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if _, err := e.Reconcile(ctx, platform.Session{UserId: 2}, []string{doc.ID}, nil); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestIndexReuseAndPartialFailure(t *testing.T) {
	p := &fakePlatform{fail: map[models.RecordKind]bool{models.RecordKindTransaction: true}}
	e, _ := newTestEngine(p, config.DefaultSettings())
	ctx := context.Background()
	doc, _ := e.Upload(ctx, session.UserId, "facture.txt", []byte(invoiceText))

	rep, err := e.Reconcile(ctx, session, []string{doc.ID}, []models.RecordKind{models.RecordKindInvoice})
	if err != nil {
		t.Fatalf("expected reconcile to succeed, got %v", err)
	}
	if rep.IndexIncomplete {
		t.Fatalf("expected a complete index for invoices only")
	}
	calls := p.listCalls()
	if _, err := e.Reconcile(ctx, session, []string{doc.ID}, []models.RecordKind{models.RecordKindInvoice}); err != nil {
		t.Fatalf("expected reconcile to succeed, got %v", err)
	}
	if p.listCalls() != calls {
		t.Fatalf("expected a fresh index to be reused, got %d extra calls", p.listCalls()-calls)
	}

	rep, err = e.Reconcile(ctx, session, []string{doc.ID}, nil)
	if err != nil {
		t.Fatalf("expected a partial load to still produce a report, got %v", err)
	}
	if !rep.IndexIncomplete {
		t.Fatalf("expected index_incomplete")
	}
	last := rep.Notes[len(rep.Notes)-1]
	if last != "index_incomplete: transaction" {
		t.Fatalf("expected index_incomplete note, got %q", last)
	}
}

func TestMutationThroughEngine(t *testing.T) {
	p := &fakePlatform{}
	e, _ := newTestEngine(p, config.DefaultSettings())
	ctx := context.Background()
	op := models.OperationDescriptor{Kind: models.OperationCreateCustomer, Params: map[string]interface{}{"name": "Dupont SARL"}}

	c, err := e.ProposeMutation(ctx, session.UserId, op)
	if err != nil {
		t.Fatalf("expected propose to succeed, got %v", err)
	}
	if _, err := e.Confirm(ctx, session.UserId, c.ID, true); err != nil {
		t.Fatalf("expected confirm to succeed, got %v", err)
	}
	done, err := e.Execute(ctx, session, c.ID)
	if err != nil {
		t.Fatalf("expected execute to succeed, got %v", err)
	}
	if done.State != models.ConfirmationStateExecuted || p.mutates != 1 {
		t.Fatalf("expected executed after one call, got %s with %d calls", done.State, p.mutates)
	}
	got, err := e.GetConfirmation(ctx, session.UserId, c.ID)
	if err != nil || got.ExternalId == nil || *got.ExternalId != "cus-9" {
		t.Fatalf("expected external id cus-9, got %+v %v", got, err)
	}
}

func TestSharedRecordStaysWithinOneDocument(t *testing.T) {
	p := &fakePlatform{records: []models.RecordIndexEntry{
		{ExternalId: "inv-1", Kind: models.RecordKindInvoice, Amount: amount("1250.00"), Date: jan(15), References: []string{"INV-2024-001"}},
	}}
	e, _ := newTestEngine(p, config.DefaultSettings())
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"facture.txt", "facture-copie.txt"} {
		doc, err := e.Upload(ctx, session.UserId, name, []byte(invoiceText))
		if err != nil {
			t.Fatalf("expected upload to succeed, got %v", err)
		}
		ids = append(ids, doc.ID)
	}

	rep, err := e.Reconcile(ctx, session, ids, nil)
	if err != nil {
		t.Fatalf("expected reconcile to succeed, got %v", err)
	}
	if len(rep.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(rep.Matches))
	}
	for _, m := range rep.Matches {
		if m.Candidate == nil || m.Candidate.ExternalId != "inv-1" {
			t.Fatalf("expected both documents on inv-1, got %+v", m.Candidate)
		}
		if m.SharedRecord {
			t.Fatalf("expected no shared_record flag across documents, got one on %s", m.DocumentId)
		}
	}
	for _, n := range rep.Notes {
		if strings.HasPrefix(n, "shared_record") {
			t.Fatalf("expected no shared_record note, got %q", n)
		}
	}
}
