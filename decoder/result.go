package decoder

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported_format")
	ErrCorruptContent    = errors.New("corrupt_content")
	ErrPasswordProtected = errors.New("password_protected")
	ErrSizeExceeded      = errors.New("size_exceeded")
)

// DecodeError carries one of the reason sentinels plus the underlying parser error, if any.
type DecodeError struct {
	Reason error
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Format, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Format, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Reason, e.Err}
	}
	return []error{e.Reason}
}

// Code is the stable failure reason stored on the document.
func (e *DecodeError) Code() string {
	return e.Reason.Error()
}

func newDecodeError(reason error, format Format, err error) *DecodeError {
	return &DecodeError{Reason: reason, Format: format, Err: err}
}

type CellKind int

const (
	CellEmpty CellKind = iota
	CellText
	CellNumber
	CellDate
)

type Cell struct {
	Kind   CellKind
	Raw    string
	Number decimal.Decimal
	Date   time.Time
}

type Row struct {
	Sheet string
	Index int
	Cells []Cell
}

// Line renders the non-empty cells joined by two spaces.
func (r Row) Line() string {
	parts := make([]string, 0, len(r.Cells))
	for _, c := range r.Cells {
		if c.Kind == CellEmpty {
			continue
		}
		parts = append(parts, c.Raw)
	}
	return strings.Join(parts, "  ")
}

func (r Row) IsEmpty() bool {
	for _, c := range r.Cells {
		if c.Kind != CellEmpty {
			return false
		}
	}
	return true
}

// Result is the format independent intermediate representation.
type Result struct {
	Format   Format
	MimeType string
	Lines    []string
	Rows     []Row
	Notes    []string
}

func (r *Result) Text() string {
	return strings.Join(r.Lines, "\n")
}

func (r *Result) addNote(note string) {
	for _, n := range r.Notes {
		if n == note {
			return
		}
	}
	r.Notes = append(r.Notes, note)
}

const (
	NoteOCRUnavailable = "ocr_unavailable"
	NoteOCRFailed      = "ocr_failed"
	NoteEmptyContent   = "empty_content"
)
