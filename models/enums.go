package models

import (
	"errors"
	"strings"
)

type DocumentState string

const (
	DocumentStateUploaded   DocumentState = "uploaded"
	DocumentStateExtracting DocumentState = "extracting"
	DocumentStateExtracted  DocumentState = "extracted"
	DocumentStateFailed     DocumentState = "failed"
)

// IsFinal reports whether the document can no longer be mutated.
func (s DocumentState) IsFinal() bool {
	return s == DocumentStateExtracted || s == DocumentStateFailed
}

type DocumentKind string

const (
	DocumentKindInvoice   DocumentKind = "invoice"
	DocumentKindStatement DocumentKind = "statement"
	DocumentKindReceipt   DocumentKind = "receipt"
	DocumentKindUnknown   DocumentKind = "unknown"
)

type RecordKind string

const (
	RecordKindCustomer    RecordKind = "customer"
	RecordKindInvoice     RecordKind = "invoice"
	RecordKindTransaction RecordKind = "transaction"
)

func AllRecordKinds() []RecordKind {
	return []RecordKind{RecordKindCustomer, RecordKindInvoice, RecordKindTransaction}
}

func ParseRecordKind(s string) (RecordKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "customer", "customers":
		return RecordKindCustomer, nil
	case "invoice", "invoices":
		return RecordKindInvoice, nil
	case "transaction", "transactions":
		return RecordKindTransaction, nil
	default:
		return "", errors.New("invalid record kind")
	}
}

type MatchClassification string

const (
	MatchClassificationMatched    MatchClassification = "matched"
	MatchClassificationProbable   MatchClassification = "probable"
	MatchClassificationDiscrepant MatchClassification = "discrepant"
	MatchClassificationUnmatched  MatchClassification = "unmatched"
)

type ConfirmationState string

const (
	ConfirmationStatePending   ConfirmationState = "pending"
	ConfirmationStateConfirmed ConfirmationState = "confirmed"
	ConfirmationStateRejected  ConfirmationState = "rejected"
	ConfirmationStateExpired   ConfirmationState = "expired"
	ConfirmationStateExecuted  ConfirmationState = "executed"
)

// IsOutstanding is true while the confirmation still blocks a duplicate proposal.
func (s ConfirmationState) IsOutstanding() bool {
	return s == ConfirmationStatePending || s == ConfirmationStateConfirmed
}

// CanTransition enforces pending -> {confirmed, rejected, expired} and confirmed -> executed.
func (s ConfirmationState) CanTransition(to ConfirmationState) bool {
	switch s {
	case ConfirmationStatePending:
		return to == ConfirmationStateConfirmed || to == ConfirmationStateRejected || to == ConfirmationStateExpired
	case ConfirmationStateConfirmed:
		return to == ConfirmationStateExecuted
	}
	return false
}

type OperationKind string

const (
	OperationCreateCustomer OperationKind = "create_customer"
	OperationUpdateCustomer OperationKind = "update_customer"
	OperationCreateSupplier OperationKind = "create_supplier"
	OperationCreateInvoice  OperationKind = "create_invoice"
	OperationCreateProduct  OperationKind = "create_product"
	OperationDeleteRecord   OperationKind = "delete_record"
)

func ParseOperationKind(s string) (OperationKind, error) {
	kind := OperationKind(strings.ToLower(strings.TrimSpace(s)))
	switch kind {
	case OperationCreateCustomer, OperationUpdateCustomer, OperationCreateSupplier,
		OperationCreateInvoice, OperationCreateProduct, OperationDeleteRecord:
		return kind, nil
	}
	return "", errors.New("invalid operation kind")
}
