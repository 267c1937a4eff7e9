package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/books_reconcile/models"
)

// DocumentStore persists documents and their extraction results.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, userId int, id string) (*models.Document, error)
	TransitionDocument(ctx context.Context, id string, from, to models.DocumentState, failureReason string, at time.Time) error
	SaveExtraction(ctx context.Context, result *models.ExtractionResult) error
	LatestExtraction(ctx context.Context, documentId string) (*models.ExtractionResult, error)
}

var _ DocumentStore = (*models.DocumentRepository)(nil)

// MemoryDocumentStore backs the engine when no database is configured.
type MemoryDocumentStore struct {
	mu        sync.Mutex
	documents map[string]models.Document
	results   map[string][]*models.ExtractionResult
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		documents: map[string]models.Document{},
		results:   map[string][]*models.ExtractionResult{},
	}
}

func (s *MemoryDocumentStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = *doc
	return nil
}

func (s *MemoryDocumentStore) GetDocument(_ context.Context, userId int, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok || doc.UserId != userId {
		return nil, models.ErrDocumentNotFound
	}
	return &doc, nil
}

func (s *MemoryDocumentStore) TransitionDocument(_ context.Context, id string, from, to models.DocumentState, failureReason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok || doc.State != from {
		return models.ErrStateConflict
	}
	doc.State = to
	if to == models.DocumentStateFailed {
		doc.FailureReason = failureReason
	}
	if to.IsFinal() {
		doc.ExtractedAt = &at
	}
	doc.UpdatedAt = at
	s.documents[id] = doc
	return nil
}

func (s *MemoryDocumentStore) SaveExtraction(_ context.Context, result *models.ExtractionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, prior := range s.results[result.DocumentId] {
		if !prior.Superseded {
			prior.Superseded = true
			by := result.ID
			prior.SupersededBy = &by
		}
	}
	stored := *result
	s.results[result.DocumentId] = append(s.results[result.DocumentId], &stored)
	return nil
}

func (s *MemoryDocumentStore) LatestExtraction(_ context.Context, documentId string) (*models.ExtractionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := make([]*models.ExtractionResult, 0, 1)
	for _, r := range s.results[documentId] {
		if !r.Superseded {
			current = append(current, r)
		}
	}
	if len(current) == 0 {
		return nil, nil
	}
	sort.SliceStable(current, func(i, j int) bool { return current[i].CreatedAt.After(current[j].CreatedAt) })
	out := *current[0]
	return &out, nil
}

// History returns every result of a document, oldest first, superseded ones included.
func (s *MemoryDocumentStore) History(documentId string) []models.ExtractionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ExtractionResult, len(s.results[documentId]))
	for i, r := range s.results[documentId] {
		out[i] = *r
	}
	return out
}
