package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrDocumentNotFound = errors.New("document not found")

// ErrStateConflict is returned when a conditional state update finds the row in another state.
var ErrStateConflict = errors.New("state changed concurrently")

type Document struct {
	ID            string        `gorm:"size:36;primary_key" json:"id"`
	UserId        int           `gorm:"not null;index" json:"user_id"`
	FileName      string        `gorm:"size:255;not null" json:"file_name"`
	Format        string        `gorm:"size:20;not null" json:"format"`
	MimeType      string        `gorm:"size:150" json:"mime_type"`
	SizeBytes     int64         `gorm:"not null" json:"size_bytes"`
	ObjectKey     string        `gorm:"size:512" json:"object_key"`
	State         DocumentState `gorm:"size:20;not null;index" json:"state"`
	FailureReason string        `gorm:"size:50" json:"failure_reason,omitempty"`
	ExtractedAt   *time.Time    `json:"extracted_at,omitempty"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// DocumentRepository persists documents and their extraction results with gorm.
type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) CreateDocument(ctx context.Context, doc *Document) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

func (r *DocumentRepository) GetDocument(ctx context.Context, userId int, id string) (*Document, error) {
	var doc Document
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userId).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// TransitionDocument moves a document from one state to another only if it is still in `from`.
func (r *DocumentRepository) TransitionDocument(ctx context.Context, id string, from, to DocumentState, failureReason string, at time.Time) error {
	updates := map[string]interface{}{"state": to}
	if to == DocumentStateFailed {
		updates["failure_reason"] = failureReason
	}
	if to.IsFinal() {
		updates["extracted_at"] = at
	}
	tx := r.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

// SaveExtraction stores result and marks every earlier result of the same document as superseded.
func (r *DocumentRepository) SaveExtraction(ctx context.Context, result *ExtractionResult) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ExtractionResult{}).
			Where("document_id = ? AND superseded = ?", result.DocumentId, false).
			Updates(map[string]interface{}{"superseded": true, "superseded_by": result.ID}).Error; err != nil {
			return err
		}
		return tx.Create(result).Error
	})
}

func (r *DocumentRepository) LatestExtraction(ctx context.Context, documentId string) (*ExtractionResult, error) {
	var result ExtractionResult
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND superseded = ?", documentId, false).
		Order("created_at DESC").
		Take(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}
