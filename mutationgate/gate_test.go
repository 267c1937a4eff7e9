package mutationgate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/platform"
)

type fakeMutator struct {
	calls atomic.Int32
	keys  []string
	mu    sync.Mutex
	err   error
	delay time.Duration
}

func (f *fakeMutator) Mutate(ctx context.Context, _ platform.Session, op models.OperationDescriptor, key string) (platform.MutationResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.keys = append(f.keys, key)
	err := f.err
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return platform.MutationResult{}, platform.ErrTimeout
		}
	}
	if err != nil {
		return platform.MutationResult{}, err
	}
	return platform.MutationResult{ExternalId: "cus-42"}, nil
}

func (f *fakeMutator) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) Publish(_ context.Context, e config.MutationEvent) error {
	r.mu.Lock()
	r.events = append(r.events, e.ConfirmationId)
	r.mu.Unlock()
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGate(m *fakeMutator) (*Gate, *clock, *recordingEvents) {
	clk := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	ev := &recordingEvents{}
	g := New(NewMemoryStore(), m, Options{Now: clk.Now, Events: ev})
	return g, clk, ev
}

func customerOp() models.OperationDescriptor {
	return models.OperationDescriptor{
		Kind:   models.OperationCreateCustomer,
		Params: map[string]interface{}{"name": " Dupont SARL ", "email": "Contact@Dupont.FR"},
	}
}

var session = platform.Session{UserId: 7, BusinessId: "biz-1", AccessToken: "tok"}

func TestCreateCustomerScenario(t *testing.T) {
	m := &fakeMutator{}
	g, _, ev := newTestGate(m)
	ctx := context.Background()

	c, err := g.Propose(ctx, 7, customerOp())
	if err != nil {
		t.Fatalf("expected propose to succeed, got %v", err)
	}
	if c.State != models.ConfirmationStatePending {
		t.Fatalf("expected pending, got %s", c.State)
	}
	if m.calls.Load() != 0 {
		t.Fatalf("expected no external call before confirmation, got %d", m.calls.Load())
	}
	if _, err := g.Execute(ctx, session, c.ID); !errors.Is(err, ErrConfirmationNotConfirmed) {
		t.Fatalf("expected ErrConfirmationNotConfirmed, got %v", err)
	}

	confirmed, err := g.Confirm(ctx, 7, c.ID, true)
	if err != nil {
		t.Fatalf("expected confirm to succeed, got %v", err)
	}
	if confirmed.State != models.ConfirmationStateConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.State)
	}

	executed, err := g.Execute(ctx, session, c.ID)
	if err != nil {
		t.Fatalf("expected execute to succeed, got %v", err)
	}
	if executed.State != models.ConfirmationStateExecuted || executed.ExternalId == nil || *executed.ExternalId != "cus-42" {
		t.Fatalf("expected executed with external id cus-42, got %+v", executed)
	}
	if m.keys[0] != c.ID {
		t.Fatalf("expected idempotency key %s, got %s", c.ID, m.keys[0])
	}
	if len(ev.events) != 1 || ev.events[0] != c.ID {
		t.Fatalf("expected one event for %s, got %v", c.ID, ev.events)
	}

	again, err := g.Execute(ctx, session, c.ID)
	if err != nil || again.State != models.ConfirmationStateExecuted {
		t.Fatalf("expected repeated execute to be a no-op, got %v", err)
	}
	if m.calls.Load() != 1 {
		t.Fatalf("expected exactly one external call, got %d", m.calls.Load())
	}
	if _, err := g.Confirm(ctx, 7, c.ID, true); !errors.Is(err, ErrConfirmationAlreadyResolved) {
		t.Fatalf("expected ErrConfirmationAlreadyResolved, got %v", err)
	}
}

func TestProposeDeduplicates(t *testing.T) {
	g, _, _ := newTestGate(&fakeMutator{})
	ctx := context.Background()

	first, err := g.Propose(ctx, 7, customerOp())
	if err != nil {
		t.Fatalf("expected propose to succeed, got %v", err)
	}
	reordered := models.OperationDescriptor{
		Kind:   models.OperationCreateCustomer,
		Params: map[string]interface{}{"email": "contact@dupont.fr", "name": "Dupont SARL"},
	}
	second, err := g.Propose(ctx, 7, reordered)
	if err != nil {
		t.Fatalf("expected propose to succeed, got %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same confirmation, got %s and %s", first.ID, second.ID)
	}

	other, err := g.Propose(ctx, 8, customerOp())
	if err != nil {
		t.Fatalf("expected propose to succeed, got %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("expected a separate confirmation for another user")
	}
}

func TestConcurrentProposeCreatesOne(t *testing.T) {
	g, _, _ := newTestGate(&fakeMutator{})
	ids := make([]string, 10)
	var wg sync.WaitGroup
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := g.Propose(context.Background(), 7, customerOp())
			if err == nil {
				ids[i] = c.ID
			}
		}()
	}
	wg.Wait()
	for _, id := range ids {
		if id == "" || id != ids[0] {
			t.Fatalf("expected every caller to get %s, got %v", ids[0], ids)
		}
	}
}

func TestConfirmationExpires(t *testing.T) {
	m := &fakeMutator{}
	g, clk, _ := newTestGate(m)
	ctx := context.Background()

	c, _ := g.Propose(ctx, 7, customerOp())
	clk.Advance(DefaultTTL)

	if _, err := g.Confirm(ctx, 7, c.ID, true); !errors.Is(err, ErrConfirmationExpired) {
		t.Fatalf("expected ErrConfirmationExpired, got %v", err)
	}
	got, err := g.Get(ctx, 7, c.ID)
	if err != nil || got.State != models.ConfirmationStateExpired {
		t.Fatalf("expected expired state, got %+v %v", got, err)
	}

	fresh, err := g.Propose(ctx, 7, customerOp())
	if err != nil {
		t.Fatalf("expected propose to succeed, got %v", err)
	}
	if fresh.ID == c.ID {
		t.Fatalf("expected a new confirmation after expiry")
	}
	if m.calls.Load() != 0 {
		t.Fatalf("expected no external calls, got %d", m.calls.Load())
	}
}

func TestRejectAndForeignUser(t *testing.T) {
	g, _, _ := newTestGate(&fakeMutator{})
	ctx := context.Background()
	c, _ := g.Propose(ctx, 7, customerOp())

	if _, err := g.Confirm(ctx, 8, c.ID, true); !errors.Is(err, ErrConfirmationNotFound) {
		t.Fatalf("expected ErrConfirmationNotFound for another user, got %v", err)
	}
	rejected, err := g.Confirm(ctx, 7, c.ID, false)
	if err != nil || rejected.State != models.ConfirmationStateRejected {
		t.Fatalf("expected rejected, got %+v %v", rejected, err)
	}
	if _, err := g.Execute(ctx, session, c.ID); !errors.Is(err, ErrConfirmationNotConfirmed) {
		t.Fatalf("expected ErrConfirmationNotConfirmed, got %v", err)
	}
	if _, err := g.Confirm(ctx, 7, "missing", true); !errors.Is(err, ErrConfirmationNotFound) {
		t.Fatalf("expected ErrConfirmationNotFound, got %v", err)
	}
}

func TestConcurrentExecuteCallsOnce(t *testing.T) {
	m := &fakeMutator{delay: 20 * time.Millisecond}
	g, _, _ := newTestGate(m)
	ctx := context.Background()
	c, _ := g.Propose(ctx, 7, customerOp())
	if _, err := g.Confirm(ctx, 7, c.ID, true); err != nil {
		t.Fatalf("expected confirm to succeed, got %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = g.Execute(ctx, session, c.ID)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("expected both executes to succeed, got %v", err)
		}
	}
	if m.calls.Load() != 1 {
		t.Fatalf("expected one external call, got %d", m.calls.Load())
	}
}

func TestExecuteFailureThenRetry(t *testing.T) {
	m := &fakeMutator{}
	m.setErr(&platform.APIError{Status: 500, Body: "boom"})
	g, _, ev := newTestGate(m)
	ctx := context.Background()
	c, _ := g.Propose(ctx, 7, customerOp())
	g.Confirm(ctx, 7, c.ID, true)

	if _, err := g.Execute(ctx, session, c.ID); !errors.Is(err, ErrExternalMutationFailed) {
		t.Fatalf("expected ErrExternalMutationFailed, got %v", err)
	}
	got, _ := g.Get(ctx, 7, c.ID)
	if got.State != models.ConfirmationStateConfirmed || got.Attempts != 1 || got.LastError == nil {
		t.Fatalf("expected confirmed with one failed attempt, got %+v", got)
	}
	if len(ev.events) != 0 {
		t.Fatalf("expected no event on failure, got %v", ev.events)
	}

	m.setErr(nil)
	done, err := g.Execute(ctx, session, c.ID)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if done.Attempts != 2 || done.LastError != nil {
		t.Fatalf("expected two attempts and a cleared error, got %+v", done)
	}
	if m.keys[0] != m.keys[1] {
		t.Fatalf("expected the retry to reuse the idempotency key, got %v", m.keys)
	}
}

func TestExecuteTimeout(t *testing.T) {
	m := &fakeMutator{delay: time.Second}
	clk := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	g := New(NewMemoryStore(), m, Options{Now: clk.Now, ExecuteTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	c, _ := g.Propose(ctx, 7, customerOp())
	g.Confirm(ctx, 7, c.ID, true)

	if _, err := g.Execute(ctx, session, c.ID); !errors.Is(err, ErrExternalMutationTimeout) {
		t.Fatalf("expected ErrExternalMutationTimeout, got %v", err)
	}
	got, _ := g.Get(ctx, 7, c.ID)
	if got.State != models.ConfirmationStateConfirmed {
		t.Fatalf("expected the record to stay confirmed, got %s", got.State)
	}
}

func TestProposeRejectsInvalidOperations(t *testing.T) {
	g, _, _ := newTestGate(&fakeMutator{})
	cases := []models.OperationDescriptor{
		{Kind: "drop_tables", Params: map[string]interface{}{}},
		{Kind: models.OperationCreateCustomer, Params: map[string]interface{}{}},
		{Kind: models.OperationCreateCustomer, Params: map[string]interface{}{"name": "x", "email": "not-an-email"}},
		{Kind: models.OperationCreateInvoice, Params: map[string]interface{}{"customer_id": "c1", "date": "15/01/2024", "amount": "10"}},
		{Kind: models.OperationDeleteRecord, Params: map[string]interface{}{"record_kind": "user", "id": "1"}},
		{Kind: models.OperationCreateProduct, Params: map[string]interface{}{"name": "Widget", "colour": "red"}},
	}
	for _, op := range cases {
		if _, err := g.Propose(context.Background(), 7, op); !errors.Is(err, ErrInvalidOperation) {
			t.Fatalf("expected ErrInvalidOperation for %+v, got %v", op, err)
		}
	}
}

func TestCanonicalizeNormalizes(t *testing.T) {
	a, err := Canonicalize(models.OperationDescriptor{
		Kind: models.OperationCreateInvoice,
		Params: map[string]interface{}{
			"customer_id": "c1", "date": "2024-01-15", "amount": 1250.0, "currency": "eur",
		},
	})
	if err != nil {
		t.Fatalf("expected canonicalize to succeed, got %v", err)
	}
	b, err := Canonicalize(models.OperationDescriptor{
		Kind: models.OperationCreateInvoice,
		Params: map[string]interface{}{
			"currency": "EUR", "amount": "1250.00", "date": "2024-01-15", "customer_id": " c1",
		},
	})
	if err != nil {
		t.Fatalf("expected canonicalize to succeed, got %v", err)
	}
	if a.Params["amount"] != "1250" || a.Params["currency"] != "EUR" {
		t.Fatalf("expected amount 1250 and currency EUR, got %v", a.Params)
	}
	ka, _ := DescriptorKey(a)
	kb, _ := DescriptorKey(b)
	if ka != kb {
		t.Fatalf("expected equal descriptor keys, got %s and %s", ka, kb)
	}
	if _, ok := a.Params["description"]; ok {
		t.Fatalf("expected empty optional params to be dropped, got %v", a.Params)
	}
}

func TestSweepExpiresStalePending(t *testing.T) {
	g, clk, _ := newTestGate(&fakeMutator{})
	ctx := context.Background()

	stale, err := g.Propose(ctx, 7, customerOp())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kept, err := g.Propose(ctx, 7, models.OperationDescriptor{
		Kind:   models.OperationCreateCustomer,
		Params: map[string]interface{}{"name": "Martin SA"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.Confirm(ctx, 7, kept.ID, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clk.Advance(6 * time.Minute)
	n, err := g.Sweep(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 swept record, got %d (%v)", n, err)
	}
	got, _ := g.store.Get(ctx, stale.ID)
	if got.State != models.ConfirmationStateExpired || got.OutstandingKey != nil {
		t.Fatalf("expected expired without outstanding key, got %s", got.State)
	}
	got, _ = g.store.Get(ctx, kept.ID)
	if got.State != models.ConfirmationStateConfirmed {
		t.Fatalf("expected confirmed record untouched, got %s", got.State)
	}
	if n, _ := g.Sweep(ctx, 0); n != 0 {
		t.Fatalf("expected nothing left to sweep, got %d", n)
	}
}

func TestConfirmAfterExpiryWasRecorded(t *testing.T) {
	tests := []struct {
		name   string
		expire func(g *Gate, id string)
	}{
		{"read", func(g *Gate, id string) { g.Get(context.Background(), 7, id) }},
		{"sweep", func(g *Gate, _ string) { g.Sweep(context.Background(), 0) }},
		{"earlier confirm", func(g *Gate, id string) { g.Confirm(context.Background(), 7, id, true) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMutator{}
			g, clk, _ := newTestGate(m)
			ctx := context.Background()

			c, err := g.Propose(ctx, 7, customerOp())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			clk.Advance(DefaultTTL + time.Second)
			tt.expire(g, c.ID)

			got, _ := g.store.Get(ctx, c.ID)
			if got.State != models.ConfirmationStateExpired {
				t.Fatalf("expected expired state, got %s", got.State)
			}
			if _, err := g.Confirm(ctx, 7, c.ID, true); !errors.Is(err, ErrConfirmationExpired) {
				t.Fatalf("expected ErrConfirmationExpired, got %v", err)
			}
			if _, err := g.Execute(ctx, session, c.ID); !errors.Is(err, ErrConfirmationExpired) {
				t.Fatalf("expected ErrConfirmationExpired from execute, got %v", err)
			}
			if m.calls.Load() != 0 {
				t.Fatalf("expected no external calls, got %d", m.calls.Load())
			}
		})
	}
}
