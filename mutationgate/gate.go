package mutationgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/platform"
	"github.com/mmdatafocus/books_reconcile/utils"
	"github.com/sirupsen/logrus"
)

const DefaultTTL = 5 * time.Minute

// EventPublisher announces executed mutations. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event config.MutationEvent) error
}

// PubSubPublisher sends events to the MUTATION_EVENTS_TOPIC topic.
type PubSubPublisher struct{}

func (PubSubPublisher) Publish(ctx context.Context, event config.MutationEvent) error {
	_, err := config.PublishMutationEvent(ctx, event)
	return err
}

type Options struct {
	TTL time.Duration
	// ExecuteTimeout bounds the external call; zero leaves it to the caller's context.
	ExecuteTimeout time.Duration
	Locker         utils.Locker
	Events         EventPublisher
	Now            func() time.Time
}

// Gate lets a mutation reach the platform only after an explicit, unexpired confirmation, and at
// most once.
type Gate struct {
	store   Store
	mutator platform.Mutator
	opts    Options
}

func New(store Store, mutator platform.Mutator, opts Options) *Gate {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Locker == nil {
		opts.Locker = utils.NewKeyedMutex()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{store: store, mutator: mutator, opts: opts}
}

func proposeLockKey(userId int, key string) string {
	return fmt.Sprintf("propose:%d:%s", userId, key)
}

func confirmationLockKey(id string) string {
	return "confirmation:" + id
}

func (g *Gate) now() time.Time {
	return g.opts.Now().UTC()
}

// Propose returns the outstanding confirmation for an identical descriptor, or creates a pending
// one that expires after the TTL.
func (g *Gate) Propose(ctx context.Context, userId int, op models.OperationDescriptor) (*models.PendingConfirmation, error) {
	canonical, err := Canonicalize(op)
	if err != nil {
		return nil, err
	}
	key, err := DescriptorKey(canonical)
	if err != nil {
		return nil, err
	}

	release, err := g.opts.Locker.Lock(ctx, proposeLockKey(userId, key))
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := g.store.FindOutstanding(ctx, userId, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.IsExpiredAt(g.now()) {
			return existing, nil
		}
		if err := g.expire(ctx, existing); err != nil {
			return nil, err
		}
	}

	now := g.now()
	outstanding := key
	c := &models.PendingConfirmation{
		ID:             uuid.NewString(),
		UserId:         userId,
		Operation:      canonical,
		DescriptorKey:  key,
		OutstandingKey: &outstanding,
		State:          models.ConfirmationStatePending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.opts.TTL),
		UpdatedAt:      now,
	}
	if err := g.store.Create(ctx, c); err != nil {
		if errors.Is(err, models.ErrDuplicateOutstanding) {
			// another instance won the race
			if winner, ferr := g.store.FindOutstanding(ctx, userId, key); ferr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}
	config.LogInfo(config.GetLogger(), "mutationgate", "Propose", "confirmation proposed", logrus.Fields{
		"confirmationId": c.ID,
		"userId":         userId,
		"operation":      canonical.Kind,
	})
	return c, nil
}

func (g *Gate) expire(ctx context.Context, c *models.PendingConfirmation) error {
	err := g.store.Transition(ctx, c.ID, models.ConfirmationTransition{
		From: models.ConfirmationStatePending,
		To:   models.ConfirmationStateExpired,
		At:   g.now(),
	})
	if err != nil && !errors.Is(err, models.ErrStateConflict) {
		return err
	}
	return nil
}

// Sweep expires up to limit stale pending confirmations and returns how many it moved.
// Reads already expire lazily; Sweep releases outstanding keys nobody will read again.
func (g *Gate) Sweep(ctx context.Context, limit int) (int, error) {
	stale, err := g.store.ListStalePending(ctx, g.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range stale {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := g.expire(ctx, c); err != nil {
			config.LogError(config.GetLogger(), "mutationgate", "Sweep", "expire", c.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// load fetches a confirmation owned by userId. Foreign ids look exactly like unknown ones.
func (g *Gate) load(ctx context.Context, userId int, id string) (*models.PendingConfirmation, error) {
	c, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserId != userId {
		return nil, ErrConfirmationNotFound
	}
	return c, nil
}

func (g *Gate) Get(ctx context.Context, userId int, id string) (*models.PendingConfirmation, error) {
	c, err := g.load(ctx, userId, id)
	if err != nil {
		return nil, err
	}
	if c.IsExpiredAt(g.now()) {
		if err := g.expire(ctx, c); err != nil {
			return nil, err
		}
		return g.load(ctx, userId, id)
	}
	return c, nil
}

// Confirm approves or rejects a pending confirmation.
func (g *Gate) Confirm(ctx context.Context, userId int, id string, approved bool) (*models.PendingConfirmation, error) {
	release, err := g.opts.Locker.Lock(ctx, confirmationLockKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := g.load(ctx, userId, id)
	if err != nil {
		return nil, err
	}
	if c.IsExpiredAt(g.now()) {
		if err := g.expire(ctx, c); err != nil {
			return nil, err
		}
		return nil, ErrConfirmationExpired
	}
	// a read or a sweep may have expired it already
	if c.State == models.ConfirmationStateExpired {
		return nil, ErrConfirmationExpired
	}
	if c.State != models.ConfirmationStatePending {
		return nil, ErrConfirmationAlreadyResolved
	}

	to := models.ConfirmationStateRejected
	if approved {
		to = models.ConfirmationStateConfirmed
	}
	err = g.store.Transition(ctx, id, models.ConfirmationTransition{From: models.ConfirmationStatePending, To: to, At: g.now()})
	if errors.Is(err, models.ErrStateConflict) {
		return nil, ErrConfirmationAlreadyResolved
	}
	if err != nil {
		return nil, err
	}
	return g.load(ctx, userId, id)
}

// Execute performs the confirmed mutation. A second call after success returns the executed
// record without calling the platform again.
func (g *Gate) Execute(ctx context.Context, session platform.Session, id string) (*models.PendingConfirmation, error) {
	logger := config.GetLogger()
	release, err := g.opts.Locker.Lock(ctx, confirmationLockKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := g.load(ctx, session.UserId, id)
	if err != nil {
		return nil, err
	}
	switch c.State {
	case models.ConfirmationStateExecuted:
		return c, nil
	case models.ConfirmationStateConfirmed:
	case models.ConfirmationStatePending:
		if c.IsExpiredAt(g.now()) {
			if err := g.expire(ctx, c); err != nil {
				return nil, err
			}
			return nil, ErrConfirmationExpired
		}
		return nil, ErrConfirmationNotConfirmed
	case models.ConfirmationStateExpired:
		return nil, ErrConfirmationExpired
	default:
		return nil, ErrConfirmationNotConfirmed
	}

	callCtx := ctx
	if g.opts.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.opts.ExecuteTimeout)
		defer cancel()
	}
	result, callErr := g.mutator.Mutate(callCtx, session, c.Operation, c.ID)

	// bookkeeping must land even if the caller went away
	bgCtx := context.WithoutCancel(ctx)
	if callErr != nil {
		if err := g.store.RecordFailure(bgCtx, id, callErr.Error()); err != nil {
			config.LogError(logger, "mutationgate", "Execute", "RecordFailure", id, err)
		}
		config.LogError(logger, "mutationgate", "Execute", "Mutate", c.Operation.Kind, callErr)
		if errors.Is(callErr, platform.ErrTimeout) || errors.Is(callErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrExternalMutationTimeout, callErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrExternalMutationFailed, callErr)
	}

	externalId := result.ExternalId
	executedAt := g.now()
	err = g.store.Transition(bgCtx, id, models.ConfirmationTransition{
		From:       models.ConfirmationStateConfirmed,
		To:         models.ConfirmationStateExecuted,
		At:         executedAt,
		ExternalId: &externalId,
	})
	if err != nil {
		config.LogError(logger, "mutationgate", "Execute", "Transition", id, err)
		return nil, err
	}
	config.LogInfo(logger, "mutationgate", "Execute", "mutation executed", logrus.Fields{
		"confirmationId": id,
		"operation":      c.Operation.Kind,
		"externalId":     externalId,
	})

	if g.opts.Events != nil {
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
		event := config.MutationEvent{
			ConfirmationId: id,
			UserId:         session.UserId,
			BusinessId:     session.BusinessId,
			Operation:      string(c.Operation.Kind),
			DescriptorKey:  c.DescriptorKey,
			ExternalId:     externalId,
			ExecutedAt:     executedAt,
			CorrelationId:  correlationId,
		}
		if err := g.opts.Events.Publish(bgCtx, event); err != nil {
			config.LogError(logger, "mutationgate", "Execute", "Publish", id, err)
		}
	}
	return g.load(bgCtx, session.UserId, id)
}
