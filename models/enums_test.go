package models

import (
	"testing"
	"time"
)

func TestConfirmationTransitions(t *testing.T) {
	tests := []struct {
		from, to ConfirmationState
		want     bool
	}{
		{ConfirmationStatePending, ConfirmationStateConfirmed, true},
		{ConfirmationStatePending, ConfirmationStateRejected, true},
		{ConfirmationStatePending, ConfirmationStateExpired, true},
		{ConfirmationStatePending, ConfirmationStateExecuted, false},
		{ConfirmationStateConfirmed, ConfirmationStateExecuted, true},
		{ConfirmationStateConfirmed, ConfirmationStateExpired, false},
		{ConfirmationStateExecuted, ConfirmationStateExecuted, false},
		{ConfirmationStateRejected, ConfirmationStateConfirmed, false},
		{ConfirmationStateExpired, ConfirmationStatePending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestOnlyPendingRecordsExpire(t *testing.T) {
	expiry := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)
	c := &PendingConfirmation{State: ConfirmationStatePending, ExpiresAt: expiry}
	if c.IsExpiredAt(expiry.Add(-time.Second)) {
		t.Fatalf("expected pending record to be live before expiry")
	}
	if !c.IsExpiredAt(expiry) {
		t.Fatalf("expected pending record to expire at its expiry instant")
	}
	c.State = ConfirmationStateConfirmed
	if c.IsExpiredAt(expiry.Add(time.Hour)) {
		t.Fatalf("expected confirmed record to never expire")
	}
}

func TestParseKinds(t *testing.T) {
	if k, err := ParseRecordKind(" Invoices "); err != nil || k != RecordKindInvoice {
		t.Fatalf("expected invoice, got %q (%v)", k, err)
	}
	if _, err := ParseRecordKind("payroll"); err == nil {
		t.Fatalf("expected error for unknown record kind")
	}
	if k, err := ParseOperationKind("CREATE_CUSTOMER"); err != nil || k != OperationCreateCustomer {
		t.Fatalf("expected create_customer, got %q (%v)", k, err)
	}
	if _, err := ParseOperationKind("transfer_funds"); err == nil {
		t.Fatalf("expected error for unknown operation kind")
	}
}
