package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func candidate(id, amount string) *models.RecordIndexEntry {
	a := dec(amount)
	return &models.RecordIndexEntry{ExternalId: id, Kind: models.RecordKindInvoice, Amount: &a}
}

type directory map[string]bool

func (d directory) ClosestCustomer(name string, _ float64) (models.RecordIndexEntry, float64, bool) {
	if d[strings.ToLower(name)] {
		return models.RecordIndexEntry{ExternalId: "cus", DisplayName: name}, 1, true
	}
	return models.RecordIndexEntry{}, 0, false
}

func sampleInput() Input {
	return Input{
		Matches: []models.CorrelationMatch{
			{DocumentId: "d1", AmountIndex: 0, Amount: dec("1250"), Candidate: candidate("inv-1", "1250"), Score: 100, Classification: models.MatchClassificationMatched, SharedRecord: true},
			{DocumentId: "d1", AmountIndex: 1, Amount: dec("1250"), Candidate: candidate("inv-1", "1250"), Score: 70, Classification: models.MatchClassificationProbable, SharedRecord: true},
			{DocumentId: "d1", AmountIndex: 2, Amount: dec("100"), Candidate: candidate("inv-2", "104"), Score: 15, Classification: models.MatchClassificationDiscrepant},
			{DocumentId: "d1", AmountIndex: 3, Amount: dec("100"), Candidate: candidate("inv-3", "100.40"), Score: 45, Classification: models.MatchClassificationDiscrepant},
			{DocumentId: "d2", AmountIndex: 0, Amount: dec("-500"), Currency: "EUR", Classification: models.MatchClassificationUnmatched},
			{DocumentId: "d2", AmountIndex: 1, Amount: dec("12.50"), Currency: "EUR", Classification: models.MatchClassificationUnmatched},
		},
		Parties: []DocumentParty{
			{DocumentId: "d1", Party: models.Party{Name: "Dupont SARL", Role: "client"}},
			{DocumentId: "d1", Party: models.Party{Name: "Inconnu SA", Role: "client"}},
			{DocumentId: "d1", Party: models.Party{Role: "contact", Email: "a@b.fr"}},
		},
		Customers:       directory{"dupont sarl": true},
		DocumentNotes:   []DocumentNote{{DocumentId: "d3", Note: "decode_failed (password_protected)"}},
		IndexIncomplete: true,
		FailedKinds:     []models.RecordKind{models.RecordKindTransaction},
	}
}

func TestBuildCountsAndRecommendations(t *testing.T) {
	rep := Build(sampleInput(), FromSettings(config.DefaultSettings()))

	want := models.ReportCounts{Matched: 1, Probable: 1, Discrepant: 2, Unmatched: 2}
	if rep.Counts != want {
		t.Fatalf("expected counts %+v, got %+v", want, rep.Counts)
	}

	codes := map[models.RecommendationCode][]models.Recommendation{}
	for _, r := range rep.Recommendations {
		codes[r.Code] = append(codes[r.Code], r)
	}
	if got := codes[models.RecommendationVerifyAmount]; len(got) != 1 || got[0].AmountIndex != 2 {
		t.Fatalf("expected one verify_amount for the 4%% delta, got %+v", got)
	}
	if got := codes[models.RecommendationPossibleMissingRecord]; len(got) != 1 || got[0].DocumentId != "d2" || got[0].AmountIndex != 0 {
		t.Fatalf("expected one possible_missing_record for -500, got %+v", got)
	}
	if got := codes[models.RecommendationUnknownParty]; len(got) != 1 || !strings.Contains(got[0].Message, "Inconnu SA") {
		t.Fatalf("expected unknown_party for Inconnu SA, got %+v", got)
	}
	if len(rep.Recommendations) != 3 {
		t.Fatalf("expected 3 recommendations, got %d", len(rep.Recommendations))
	}

	if !rep.IndexIncomplete {
		t.Fatalf("expected index_incomplete flag")
	}
	wantNotes := []string{
		"shared_record: invoice/inv-1 matched by 2 amounts",
		"d3: decode_failed (password_protected)",
		"index_incomplete: transaction",
	}
	if len(rep.Notes) != len(wantNotes) {
		t.Fatalf("expected notes %v, got %v", wantNotes, rep.Notes)
	}
	for i := range wantNotes {
		if rep.Notes[i] != wantNotes[i] {
			t.Fatalf("expected note %q, got %q", wantNotes[i], rep.Notes[i])
		}
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	cfg := FromSettings(config.DefaultSettings())
	first, err := json.Marshal(Build(sampleInput(), cfg))
	if err != nil {
		t.Fatalf("expected marshal to succeed, got %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := json.Marshal(Build(sampleInput(), cfg))
		if !bytes.Equal(first, again) {
			t.Fatalf("expected byte-identical rebuild, got\n%s\n%s", first, again)
		}
	}
}

func TestBuildWithoutDirectorySkipsParties(t *testing.T) {
	in := sampleInput()
	in.Customers = nil
	rep := Build(in, FromSettings(config.DefaultSettings()))
	for _, r := range rep.Recommendations {
		if r.Code == models.RecommendationUnknownParty {
			t.Fatalf("expected no unknown_party without a directory")
		}
	}
}

func TestBuildEmpty(t *testing.T) {
	rep := Build(Input{}, FromSettings(config.DefaultSettings()))
	raw, _ := json.Marshal(rep)
	if !strings.Contains(string(raw), `"matches":[]`) || !strings.Contains(string(raw), `"recommendations":[]`) {
		t.Fatalf("expected empty arrays, got %s", raw)
	}
}
