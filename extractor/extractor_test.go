package extractor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/books_reconcile/decoder"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/shopspring/decimal"
)

func textResult(lines ...string) *decoder.Result {
	return &decoder.Result{Format: decoder.FormatText, Lines: lines}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestExtractInvoice(t *testing.T) {
	res := textResult(
		"FACTURE",
		"Facture n° INV-2024-001",
		"Date: 15/01/2024",
		"Client: Dupont SARL",
		"contact@dupont.fr  +33 6 12 34 56 78",
		"Sous-total HT: 1 041,67 €",
		"TVA 20%: 208,33 €",
		"Total: 1,250.00€",
	)
	ents := New(Options{PhoneRegion: "FR"}).Extract(res, day(2024, time.February, 1))

	if ents.Kind != models.DocumentKindInvoice {
		t.Fatalf("expected invoice, got %s", ents.Kind)
	}

	var total *models.ExtractedAmount
	for i := range ents.Amounts {
		if ents.Amounts[i].Value.Equal(decimal.RequireFromString("1250")) {
			total = &ents.Amounts[i]
		}
	}
	if total == nil {
		t.Fatalf("expected amount 1250.00, got %+v", ents.Amounts)
	}
	if total.Currency != "EUR" {
		t.Fatalf("expected EUR, got %s", total.Currency)
	}
	if total.Label != "total" {
		t.Fatalf("expected label total, got %q", total.Label)
	}
	if total.Confidence != 0.95 {
		t.Fatalf("expected confidence 0.95, got %v", total.Confidence)
	}
	if len(ents.Amounts) != 3 {
		t.Fatalf("expected 3 amounts, got %d: %+v", len(ents.Amounts), ents.Amounts)
	}
	for _, a := range ents.Amounts {
		if a.Value.Equal(decimal.NewFromInt(20)) || a.Value.Equal(decimal.NewFromInt(2024)) || a.Value.Equal(decimal.NewFromInt(1)) {
			t.Fatalf("unexpected amount %s", a.Value)
		}
	}

	if len(ents.References) != 1 || ents.References[0].Token != "INV-2024-001" {
		t.Fatalf("expected reference INV-2024-001, got %+v", ents.References)
	}
	if ents.References[0].Confidence != confidenceKeywordRef {
		t.Fatalf("expected keyword confidence, got %v", ents.References[0].Confidence)
	}

	if len(ents.Dates) != 1 || !ents.Dates[0].Date.Equal(day(2024, time.January, 15)) {
		t.Fatalf("expected 2024-01-15, got %+v", ents.Dates)
	}
	if ents.Dates[0].Ambiguous {
		t.Fatalf("expected unambiguous date")
	}

	if len(ents.Parties) != 1 {
		t.Fatalf("expected 1 party, got %+v", ents.Parties)
	}
	p := ents.Parties[0]
	if p.Role != PartyRoleClient || p.Name != "Dupont SARL" {
		t.Fatalf("expected client Dupont SARL, got %+v", p)
	}
	if p.Email != "contact@dupont.fr" || p.Phone != "+33612345678" {
		t.Fatalf("expected email and E.164 phone, got %+v", p)
	}
	if !strings.HasPrefix(ents.Excerpt, "FACTURE") {
		t.Fatalf("expected excerpt to start with FACTURE, got %q", ents.Excerpt)
	}
}

func TestExtractEmpty(t *testing.T) {
	e := New(Options{})
	for _, res := range []*decoder.Result{nil, textResult(), textResult("", "   ")} {
		ents := e.Extract(res, time.Now())
		if ents.Kind != models.DocumentKindUnknown {
			t.Fatalf("expected unknown, got %s", ents.Kind)
		}
		if len(ents.Amounts) != 0 || len(ents.References) != 0 || len(ents.Dates) != 0 {
			t.Fatalf("expected nothing extracted, got %+v", ents)
		}
	}
}

func TestAmbiguousDates(t *testing.T) {
	tests := []struct {
		name      string
		ref       time.Time
		want      time.Time
		ambiguous bool
	}{
		{"day first when both in the past", day(2024, time.June, 1), day(2024, time.April, 3), true},
		{"month first when day first is in the future", day(2024, time.March, 10), day(2024, time.March, 4), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ents := New(Options{}).Extract(textResult("Date: 03/04/2024"), tt.ref)
			if len(ents.Dates) != 1 {
				t.Fatalf("expected 1 date, got %+v", ents.Dates)
			}
			d := ents.Dates[0]
			if !d.Date.Equal(tt.want) {
				t.Fatalf("expected %s, got %s", tt.want, d.Date)
			}
			if d.Ambiguous != tt.ambiguous {
				t.Fatalf("expected ambiguous=%v, got %v", tt.ambiguous, d.Ambiguous)
			}
			if d.Confidence >= confidenceNumericDate {
				t.Fatalf("expected reduced confidence, got %v", d.Confidence)
			}
		})
	}
}

func TestParseDateFormats(t *testing.T) {
	ref := day(2024, time.December, 31)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-15", day(2024, time.January, 15)},
		{"15 janvier 2024", day(2024, time.January, 15)},
		{"1er mars 2024", day(2024, time.March, 1)},
		{"March 5, 2024", day(2024, time.March, 5)},
		{"25.12.2023", day(2023, time.December, 25)},
		{"31/12/23", day(2023, time.December, 31)},
	}
	for _, tt := range tests {
		got, ok := ParseDate(tt.in, ref)
		if !ok {
			t.Fatalf("expected %q to parse", tt.in)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("%q: expected %s, got %s", tt.in, tt.want, got)
		}
	}
	if _, ok := ParseDate("31/02/2024", ref); ok {
		t.Fatalf("expected invalid calendar date to be rejected")
	}
}

func TestReferencesExcludeAmountsAndDates(t *testing.T) {
	res := textResult(
		"Montant: 2024,50 EUR  Ref 88231",
		"Échéance 2024-03-01",
	)
	ents := New(Options{}).Extract(res, day(2024, time.April, 1))
	if len(ents.Amounts) != 1 || !ents.Amounts[0].Value.Equal(decimal.RequireFromString("2024.5")) {
		t.Fatalf("expected single amount 2024.50, got %+v", ents.Amounts)
	}
	if len(ents.References) != 1 || ents.References[0].Token != "88231" {
		t.Fatalf("expected reference 88231, got %+v", ents.References)
	}
	if got := ents.Amounts[0].LineReferences; len(got) != 1 || got[0] != "88231" {
		t.Fatalf("expected line reference 88231, got %v", got)
	}
}

func TestClassifyKind(t *testing.T) {
	tests := []struct {
		text string
		want models.DocumentKind
	}{
		{"FACTURE N° 12\nTVA 20%", models.DocumentKindInvoice},
		{"Relevé de compte\nSolde initial", models.DocumentKindStatement},
		{"Ticket de caisse\nMerci de votre visite", models.DocumentKindReceipt},
		{"hello world", models.DocumentKindUnknown},
		{"invoice\nstatement", models.DocumentKindUnknown},
	}
	for _, tt := range tests {
		if got := classifyKind(tt.text); got != tt.want {
			t.Fatalf("%q: expected %s, got %s", tt.text, tt.want, got)
		}
	}
}

func TestNormalizeReference(t *testing.T) {
	if got := NormalizeReference("inv-2024/001"); got != "INV2024001" {
		t.Fatalf("expected INV2024001, got %s", got)
	}
}

func TestDominantCurrency(t *testing.T) {
	res := textResult(
		"Total 100,00 USD",
		"Net 80,00",
	)
	ents := New(Options{DefaultCurrency: "EUR"}).Extract(res, time.Now())
	for _, a := range ents.Amounts {
		if a.Currency != "USD" {
			t.Fatalf("expected USD for every amount, got %+v", a)
		}
	}
	ents = New(Options{DefaultCurrency: "MAD"}).Extract(textResult("Net 80,00"), time.Now())
	if len(ents.Amounts) != 1 || ents.Amounts[0].Currency != "MAD" {
		t.Fatalf("expected default currency MAD, got %+v", ents.Amounts)
	}
}

func TestExtractStatementTable(t *testing.T) {
	var b strings.Builder
	b.WriteString("Date;Libellé;Débit;Crédit;Solde\n")
	for i := 1; i <= 45; i++ {
		if i%2 == 1 {
			fmt.Fprintf(&b, "%02d/01/2024;Paiement FAC-%04d;%d,50;;9999,99\n", (i%28)+1, i, 100+i)
		} else {
			fmt.Fprintf(&b, "%02d/01/2024;Virement recu;;%d,00;9999,99\n", (i%28)+1, 200+i)
		}
	}
	res, err := decoder.New(0, nil).Decode(context.Background(), "releve.csv", []byte(b.String()))
	if err != nil {
		t.Fatalf("expected decode to succeed, got %v", err)
	}
	ents := New(Options{}).Extract(res, day(2024, time.February, 15))
	if len(ents.Amounts) != 45 {
		t.Fatalf("expected 45 amounts, got %d", len(ents.Amounts))
	}
	first := ents.Amounts[0]
	if !first.Value.Equal(decimal.RequireFromString("-101.5")) {
		t.Fatalf("expected debit -101.50, got %s", first.Value)
	}
	if first.LineDate == nil || !first.LineDate.Equal(day(2024, time.January, 2)) {
		t.Fatalf("expected row date 2024-01-02, got %v", first.LineDate)
	}
	if len(first.LineReferences) != 1 || first.LineReferences[0] != "FAC-0001" {
		t.Fatalf("expected row reference FAC-0001, got %v", first.LineReferences)
	}
	second := ents.Amounts[1]
	if !second.Value.Equal(decimal.NewFromInt(202)) {
		t.Fatalf("expected credit 202.00, got %s", second.Value)
	}
	for _, a := range ents.Amounts {
		if a.Value.Equal(decimal.RequireFromString("9999.99")) {
			t.Fatalf("balance column must not produce amounts")
		}
		if a.Currency != "EUR" {
			t.Fatalf("expected default currency, got %s", a.Currency)
		}
	}
}
