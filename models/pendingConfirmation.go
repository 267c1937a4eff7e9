package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrConfirmationNotFound = errors.New("confirmation not found")
	// ErrDuplicateOutstanding means another pending or confirmed record already holds the descriptor.
	ErrDuplicateOutstanding = errors.New("outstanding confirmation already exists")
)

// OperationDescriptor is a mutation in canonical form. Params only holds strings, numbers as
// decimal strings, bools, and nested maps/slices of those.
type OperationDescriptor struct {
	Kind   OperationKind          `json:"kind"`
	Params map[string]interface{} `json:"params"`
}

// PendingConfirmation tracks one proposed mutation through pending -> confirmed -> executed.
// OutstandingKey equals DescriptorKey while the record is pending or confirmed and is NULL
// afterwards, so the unique index allows a single outstanding record per user and descriptor.
type PendingConfirmation struct {
	ID             string              `gorm:"size:36;primary_key" json:"id"`
	UserId         int                 `gorm:"not null;index:uniq_outstanding,unique,priority:1" json:"user_id"`
	Operation      OperationDescriptor `gorm:"type:json;serializer:json" json:"operation"`
	DescriptorKey  string              `gorm:"size:64;not null;index" json:"descriptor_key"`
	OutstandingKey *string             `gorm:"size:64;index:uniq_outstanding,unique,priority:2" json:"-"`
	State          ConfirmationState   `gorm:"size:20;not null;index" json:"state"`
	ExternalId     *string             `gorm:"size:100" json:"external_id,omitempty"`
	Attempts       int                 `gorm:"not null;default:0" json:"attempts"`
	LastError      *string             `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	ExpiresAt      time.Time           `gorm:"not null" json:"expires_at"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
	ExecutedAt     *time.Time          `json:"executed_at,omitempty"`
	UpdatedAt      time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *PendingConfirmation) IsExpiredAt(now time.Time) bool {
	return c.State == ConfirmationStatePending && !now.Before(c.ExpiresAt)
}

// ConfirmationTransition is a compare-and-set state change.
type ConfirmationTransition struct {
	From       ConfirmationState
	To         ConfirmationState
	At         time.Time
	ExternalId *string
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

type ConfirmationRepository struct {
	db *gorm.DB
}

func NewConfirmationRepository(db *gorm.DB) *ConfirmationRepository {
	return &ConfirmationRepository{db: db}
}

func (r *ConfirmationRepository) Create(ctx context.Context, c *PendingConfirmation) error {
	err := r.db.WithContext(ctx).Create(c).Error
	if isDuplicateKeyErr(err) {
		return ErrDuplicateOutstanding
	}
	return err
}

func (r *ConfirmationRepository) Get(ctx context.Context, id string) (*PendingConfirmation, error) {
	var c PendingConfirmation
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConfirmationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindOutstanding returns nil, nil when the user has no pending or confirmed record for key.
func (r *ConfirmationRepository) FindOutstanding(ctx context.Context, userId int, key string) (*PendingConfirmation, error) {
	var c PendingConfirmation
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND outstanding_key = ?", userId, key).
		Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConfirmationRepository) Transition(ctx context.Context, id string, t ConfirmationTransition) error {
	if !t.From.CanTransition(t.To) {
		return ErrStateConflict
	}
	updates := map[string]interface{}{"state": t.To}
	switch t.To {
	case ConfirmationStateConfirmed:
		updates["resolved_at"] = t.At
	case ConfirmationStateRejected, ConfirmationStateExpired:
		updates["resolved_at"] = t.At
		updates["outstanding_key"] = nil
	case ConfirmationStateExecuted:
		updates["executed_at"] = t.At
		updates["outstanding_key"] = nil
		updates["external_id"] = t.ExternalId
		updates["attempts"] = gorm.Expr("attempts + ?", 1)
		updates["last_error"] = nil
	}
	tx := r.db.WithContext(ctx).Model(&PendingConfirmation{}).
		Where("id = ? AND state = ?", id, t.From).
		Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

// RecordFailure counts a failed external attempt and keeps the record confirmed.
func (r *ConfirmationRepository) RecordFailure(ctx context.Context, id string, lastError string) error {
	return r.db.WithContext(ctx).Model(&PendingConfirmation{}).
		Where("id = ? AND state = ?", id, ConfirmationStateConfirmed).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + ?", 1),
			"last_error": lastError,
		}).Error
}

// ListStalePending returns pending records whose expiry has passed, oldest first.
func (r *ConfirmationRepository) ListStalePending(ctx context.Context, now time.Time, limit int) ([]*PendingConfirmation, error) {
	var out []*PendingConfirmation
	q := r.db.WithContext(ctx).
		Where("state = ? AND expires_at <= ?", ConfirmationStatePending, now).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
