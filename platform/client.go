package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/sirupsen/logrus"
)

const (
	pageSize          = 200
	maxPages          = 500
	businessHeader    = "X-Business-Id"
	idempotencyHeader = "Idempotency-Key"
)

// RecordLister lists external records of one kind dated inside window.
type RecordLister interface {
	ListRecords(ctx context.Context, session Session, kind models.RecordKind, window Window) ([]models.RecordIndexEntry, error)
}

// Mutator performs one write on the platform. idempotencyKey is stable across retries of the
// same confirmed operation.
type Mutator interface {
	Mutate(ctx context.Context, session Session, op models.OperationDescriptor, idempotencyKey string) (MutationResult, error)
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter <-chan time.Time
	stop    func()
}

func NewClient(baseURL string, timeout time.Duration, requestsPerSec int) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("platform base url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("platform base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if requestsPerSec <= 0 {
		requestsPerSec = 5
	}
	ticker := time.NewTicker(time.Second / time.Duration(requestsPerSec))
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: ticker.C,
		stop:    ticker.Stop,
	}, nil
}

func (c *Client) Close() {
	c.stop()
}

func (c *Client) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.limiter:
		return nil
	}
}

func recordPath(kind models.RecordKind) string {
	return "/v1/" + string(kind) + "s"
}

func (c *Client) do(ctx context.Context, session Session, method, path string, params url.Values, body interface{}, headers map[string]string) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, classifyTransportErr(err)
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if session.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	}
	if session.BusinessId != "" {
		req.Header.Set(businessHeader, session.BusinessId)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout {
		return nil, fmt.Errorf("%w: status %d", ErrTimeout, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// ListRecords follows the platform cursor until exhausted.
func (c *Client) ListRecords(ctx context.Context, session Session, kind models.RecordKind, window Window) ([]models.RecordIndexEntry, error) {
	params := url.Values{}
	params.Set("limit", fmt.Sprint(pageSize))
	if !window.From.IsZero() {
		params.Set("from", window.From.Format("2006-01-02"))
	}
	if !window.To.IsZero() {
		params.Set("to", window.To.Format("2006-01-02"))
	}

	var entries []models.RecordIndexEntry
	for page := 0; page < maxPages; page++ {
		raw, err := c.do(ctx, session, http.MethodGet, recordPath(kind), params, nil, nil)
		if err != nil {
			return entries, err
		}
		var parsed listResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return entries, fmt.Errorf("decode %s list: %w", kind, err)
		}
		for _, item := range parsed.records() {
			var rec wireRecord
			if err := json.Unmarshal(item, &rec); err != nil {
				config.GetLogger().WithFields(logrus.Fields{
					"module": "platform",
					"kind":   kind,
				}).Warn("skipping malformed record: " + err.Error())
				continue
			}
			if rec.ID == "" {
				continue
			}
			entries = append(entries, rec.entry(kind))
		}
		more := parsed.NextCursor != ""
		if parsed.HasMore != nil {
			more = more && *parsed.HasMore
		}
		if !more {
			return entries, nil
		}
		params.Set("cursor", parsed.NextCursor)
	}
	return entries, fmt.Errorf("%s list exceeded %d pages", kind, maxPages)
}

type route struct {
	method string
	path   string
}

// routeFor maps an operation onto the platform endpoint. id and record_kind params address the
// target and are not sent in the body.
func routeFor(op models.OperationDescriptor) (route, map[string]interface{}, error) {
	body := make(map[string]interface{}, len(op.Params))
	for k, v := range op.Params {
		if k == "id" || k == "record_kind" {
			continue
		}
		body[k] = v
	}
	id, _ := op.Params["id"].(string)
	switch op.Kind {
	case models.OperationCreateCustomer:
		return route{http.MethodPost, "/v1/customers"}, body, nil
	case models.OperationUpdateCustomer:
		if id == "" {
			return route{}, nil, errors.New("update_customer requires id")
		}
		return route{http.MethodPatch, "/v1/customers/" + url.PathEscape(id)}, body, nil
	case models.OperationCreateSupplier:
		return route{http.MethodPost, "/v1/suppliers"}, body, nil
	case models.OperationCreateInvoice:
		return route{http.MethodPost, "/v1/invoices"}, body, nil
	case models.OperationCreateProduct:
		return route{http.MethodPost, "/v1/products"}, body, nil
	case models.OperationDeleteRecord:
		kind, _ := op.Params["record_kind"].(string)
		if id == "" || kind == "" {
			return route{}, nil, errors.New("delete_record requires record_kind and id")
		}
		return route{http.MethodDelete, "/v1/" + url.PathEscape(kind) + "s/" + url.PathEscape(id)}, nil, nil
	}
	return route{}, nil, fmt.Errorf("unsupported operation %q", op.Kind)
}

func (c *Client) Mutate(ctx context.Context, session Session, op models.OperationDescriptor, idempotencyKey string) (MutationResult, error) {
	rt, body, err := routeFor(op)
	if err != nil {
		return MutationResult{}, err
	}
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers[idempotencyHeader] = idempotencyKey
	}
	var payload interface{}
	if body != nil {
		payload = body
	}
	raw, err := c.do(ctx, session, rt.method, rt.path, nil, payload, headers)
	if err != nil {
		return MutationResult{}, err
	}
	var parsed mutationResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return MutationResult{}, fmt.Errorf("decode mutation response: %w", err)
		}
	}
	result := MutationResult{ExternalId: parsed.externalId()}
	if result.ExternalId == "" {
		if id, ok := op.Params["id"].(string); ok {
			result.ExternalId = id
		}
	}
	return result, nil
}
