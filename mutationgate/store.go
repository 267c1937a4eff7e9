package mutationgate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/books_reconcile/models"
)

// Store persists confirmations. models.ConfirmationRepository is the database implementation.
type Store interface {
	Create(ctx context.Context, c *models.PendingConfirmation) error
	Get(ctx context.Context, id string) (*models.PendingConfirmation, error)
	FindOutstanding(ctx context.Context, userId int, key string) (*models.PendingConfirmation, error)
	Transition(ctx context.Context, id string, t models.ConfirmationTransition) error
	RecordFailure(ctx context.Context, id string, lastError string) error
	ListStalePending(ctx context.Context, now time.Time, limit int) ([]*models.PendingConfirmation, error)
}

var _ Store = (*models.ConfirmationRepository)(nil)

// MemoryStore keeps confirmations in process with the same guarantees as the database: one
// outstanding record per user and descriptor, compare-and-set transitions.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.PendingConfirmation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*models.PendingConfirmation{}}
}

func clone(c *models.PendingConfirmation) *models.PendingConfirmation {
	out := *c
	if c.OutstandingKey != nil {
		k := *c.OutstandingKey
		out.OutstandingKey = &k
	}
	if c.ExternalId != nil {
		v := *c.ExternalId
		out.ExternalId = &v
	}
	if c.LastError != nil {
		v := *c.LastError
		out.LastError = &v
	}
	return &out
}

func (s *MemoryStore) Create(_ context.Context, c *models.PendingConfirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.OutstandingKey != nil {
		for _, r := range s.records {
			if r.UserId == c.UserId && r.OutstandingKey != nil && *r.OutstandingKey == *c.OutstandingKey {
				return models.ErrDuplicateOutstanding
			}
		}
	}
	s.records[c.ID] = clone(c)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, models.ErrConfirmationNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) FindOutstanding(_ context.Context, userId int, key string) (*models.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.UserId == userId && r.OutstandingKey != nil && *r.OutstandingKey == key {
			return clone(r), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, t models.ConfirmationTransition) error {
	if !t.From.CanTransition(t.To) {
		return models.ErrStateConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return models.ErrConfirmationNotFound
	}
	if r.State != t.From {
		return models.ErrStateConflict
	}
	at := t.At
	r.State = t.To
	r.UpdatedAt = at
	switch t.To {
	case models.ConfirmationStateConfirmed:
		r.ResolvedAt = &at
	case models.ConfirmationStateRejected, models.ConfirmationStateExpired:
		r.ResolvedAt = &at
		r.OutstandingKey = nil
	case models.ConfirmationStateExecuted:
		r.ExecutedAt = &at
		r.OutstandingKey = nil
		r.ExternalId = t.ExternalId
		r.Attempts++
		r.LastError = nil
	}
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.State != models.ConfirmationStateConfirmed {
		return nil
	}
	r.Attempts++
	r.LastError = &lastError
	return nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, now time.Time, limit int) ([]*models.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PendingConfirmation
	for _, r := range s.records {
		if r.IsExpiredAt(now) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
