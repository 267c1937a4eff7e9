package mutationgate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/utils"
	"github.com/shopspring/decimal"
)

var (
	ErrConfirmationNotFound        = models.ErrConfirmationNotFound
	ErrConfirmationExpired         = errors.New("confirmation expired")
	ErrConfirmationAlreadyResolved = errors.New("confirmation already resolved")
	ErrConfirmationNotConfirmed    = errors.New("confirmation not confirmed")
	ErrExternalMutationFailed      = errors.New("external mutation failed")
	ErrExternalMutationTimeout     = errors.New("external mutation timeout")
	ErrInvalidOperation            = errors.New("invalid operation")
)

// InvalidOperationError lists rejected params by their JSON name.
type InvalidOperationError struct {
	Fields map[string]string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%v: %s", ErrInvalidOperation, e.Reason)
	}
	names := make([]string, 0, len(e.Fields))
	for k, v := range e.Fields {
		names = append(names, k+"="+v)
	}
	sort.Strings(names)
	return fmt.Sprintf("%v: %s", ErrInvalidOperation, strings.Join(names, ", "))
}

func (e *InvalidOperationError) Unwrap() error { return ErrInvalidOperation }

type partyParams struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,max=32"`
	TaxId string `json:"tax_id,omitempty" validate:"omitempty,max=64"`
}

type updateCustomerParams struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name,omitempty" validate:"required_without_all=Email Phone TaxId,max=200"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,max=32"`
	TaxId string `json:"tax_id,omitempty" validate:"omitempty,max=64"`
}

type invoiceParams struct {
	CustomerId  string `json:"customer_id" validate:"required"`
	Number      string `json:"number,omitempty" validate:"omitempty,max=64"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	DueDate     string `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Amount      string `json:"amount" validate:"required,numeric"`
	Currency    string `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Description string `json:"description,omitempty" validate:"omitempty,max=500"`
}

type productParams struct {
	Name  string `json:"name" validate:"required,max=200"`
	Sku   string `json:"sku,omitempty" validate:"omitempty,max=64"`
	Price string `json:"price,omitempty" validate:"omitempty,numeric"`
}

type deleteParams struct {
	RecordKind string `json:"record_kind" validate:"required,oneof=customer supplier invoice product transaction"`
	ID         string `json:"id" validate:"required"`
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

func paramsFor(kind models.OperationKind) (interface{}, error) {
	switch kind {
	case models.OperationCreateCustomer, models.OperationCreateSupplier:
		return &partyParams{}, nil
	case models.OperationUpdateCustomer:
		return &updateCustomerParams{}, nil
	case models.OperationCreateInvoice:
		return &invoiceParams{}, nil
	case models.OperationCreateProduct:
		return &productParams{}, nil
	case models.OperationDeleteRecord:
		return &deleteParams{}, nil
	}
	return nil, &InvalidOperationError{Reason: fmt.Sprintf("unknown kind %q", kind)}
}

// normalizeValue trims strings and turns every number into its decimal string.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		if d, err := decimal.NewFromString(t.String()); err == nil {
			return d.String()
		}
		return t.String()
	case float64:
		return decimal.NewFromFloat(t).String()
	case float32:
		return decimal.NewFromFloat32(t).String()
	case int:
		return decimal.NewFromInt(int64(t)).String()
	case int64:
		return decimal.NewFromInt(t).String()
	case decimal.Decimal:
		return t.String()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[strings.TrimSpace(k)] = normalizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	}
	return v
}

func normalizeDecimal(s string) string {
	if s == "" {
		return s
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return d.String()
	}
	return s
}

func normalizeContact(email, phone *string) {
	*email = strings.ToLower(*email)
	if *phone != "" {
		if n, err := utils.NormalizePhoneNumber(*phone, utils.CountryCode); err == nil {
			*phone = n
		}
	}
}

// Canonicalize validates op against its kind and rewrites it so that equal intents produce equal
// descriptors: trimmed strings, numbers as decimal strings, empty optional fields dropped.
func Canonicalize(op models.OperationDescriptor) (models.OperationDescriptor, error) {
	kind, err := models.ParseOperationKind(string(op.Kind))
	if err != nil {
		return models.OperationDescriptor{}, &InvalidOperationError{Reason: err.Error()}
	}
	target, err := paramsFor(kind)
	if err != nil {
		return models.OperationDescriptor{}, err
	}

	params, _ := normalizeValue(op.Params).(map[string]interface{})
	raw, err := json.Marshal(params)
	if err != nil {
		return models.OperationDescriptor{}, &InvalidOperationError{Reason: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return models.OperationDescriptor{}, &InvalidOperationError{Reason: err.Error()}
	}
	if err := validate.Struct(target); err != nil {
		return models.OperationDescriptor{}, &InvalidOperationError{Fields: utils.ProcessValidationErrors(err), Reason: err.Error()}
	}

	switch p := target.(type) {
	case *partyParams:
		normalizeContact(&p.Email, &p.Phone)
	case *updateCustomerParams:
		normalizeContact(&p.Email, &p.Phone)
	case *invoiceParams:
		p.Amount = normalizeDecimal(p.Amount)
		p.Currency = strings.ToUpper(p.Currency)
	case *productParams:
		p.Price = normalizeDecimal(p.Price)
	}

	out, err := json.Marshal(target)
	if err != nil {
		return models.OperationDescriptor{}, err
	}
	canonical := map[string]interface{}{}
	if err := json.Unmarshal(out, &canonical); err != nil {
		return models.OperationDescriptor{}, err
	}
	return models.OperationDescriptor{Kind: kind, Params: canonical}, nil
}

// DescriptorKey is the sha256 of the canonical descriptor's JSON. encoding/json sorts map keys,
// so the key does not depend on param order.
func DescriptorKey(op models.OperationDescriptor) (string, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
