package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/correlator"
	"github.com/mmdatafocus/books_reconcile/decoder"
	"github.com/mmdatafocus/books_reconcile/extractor"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/mutationgate"
	"github.com/mmdatafocus/books_reconcile/platform"
	"github.com/mmdatafocus/books_reconcile/recordindex"
	"github.com/mmdatafocus/books_reconcile/report"
	"github.com/mmdatafocus/books_reconcile/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("books_reconcile/workflow")

var (
	ErrDocumentNotFound = models.ErrDocumentNotFound
	// ErrDocumentBusy means another request is extracting the document right now.
	ErrDocumentBusy = errors.New("document extraction in progress")
)

type Deps struct {
	Settings  config.Settings
	Documents DocumentStore
	Blobs     utils.BlobStore
	Decoder   *decoder.Decoder
	Extractor *extractor.Extractor
	Registry  *recordindex.Registry
	Gate      *mutationgate.Gate
	Now       func() time.Time
}

// Engine is the entry point of the reconciliation service: upload, extract, reconcile, and the
// confirmation-gated mutation calls.
type Engine struct {
	settings   config.Settings
	documents  DocumentStore
	blobs      utils.BlobStore
	decoder    *decoder.Decoder
	extractor  *extractor.Extractor
	correlator *correlator.Correlator
	reportCfg  report.Config
	registry   *recordindex.Registry
	gate       *mutationgate.Gate
	now        func() time.Time
}

func NewEngine(d Deps) *Engine {
	if d.Documents == nil {
		d.Documents = NewMemoryDocumentStore()
	}
	if d.Blobs == nil {
		d.Blobs = utils.NewMemoryBlobStore()
	}
	if d.Decoder == nil {
		d.Decoder = decoder.New(d.Settings.MaxUploadBytes, nil)
	}
	if d.Extractor == nil {
		d.Extractor = extractor.New(extractor.Options{})
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Settings.MaxConcurrentExtractions <= 0 {
		d.Settings.MaxConcurrentExtractions = 4
	}
	return &Engine{
		settings:   d.Settings,
		documents:  d.Documents,
		blobs:      d.Blobs,
		decoder:    d.Decoder,
		extractor:  d.Extractor,
		correlator: correlator.New(correlator.FromSettings(d.Settings)),
		reportCfg:  report.FromSettings(d.Settings),
		registry:   d.Registry,
		gate:       d.Gate,
		now:        d.Now,
	}
}

func (e *Engine) Capabilities() decoder.Capabilities {
	return e.decoder.Capabilities()
}

func (e *Engine) MaxUploadBytes() int64 {
	return e.decoder.MaxBytes()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Upload stores the raw bytes and registers a document in state uploaded.
func (e *Engine) Upload(ctx context.Context, userId int, fileName string, data []byte) (doc *models.Document, err error) {
	ctx, span := tracer.Start(ctx, "workflow.Upload", trace.WithAttributes(
		attribute.Int("user.id", userId),
		attribute.Int("document.size", len(data)),
	))
	defer func() { endSpan(span, err) }()

	if err := e.decoder.CheckSize(int64(len(data))); err != nil {
		return nil, err
	}
	format, mime := decoder.DetectFormat(fileName, data)
	if format == decoder.FormatUnknown {
		return nil, &decoder.DecodeError{Reason: decoder.ErrUnsupportedFormat, Format: format, Err: fmt.Errorf("%s (%s)", fileName, mime)}
	}

	id := uuid.NewString()
	now := e.now().UTC()
	doc = &models.Document{
		ID:        id,
		UserId:    userId,
		FileName:  fileName,
		Format:    string(format),
		MimeType:  mime,
		SizeBytes: int64(len(data)),
		ObjectKey: utils.DocumentObjectName(userId, id, fileName),
		State:     models.DocumentStateUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.blobs.Put(ctx, doc.ObjectKey, data, mime); err != nil {
		config.LogError(config.GetLogger(), "workflow", "Upload", "blob put", doc.ObjectKey, err)
		return nil, err
	}
	if err := e.documents.CreateDocument(ctx, doc); err != nil {
		config.LogError(config.GetLogger(), "workflow", "Upload", "create document", doc.ID, err)
		return nil, err
	}
	config.LogInfo(config.GetLogger(), "workflow", "Upload", "document uploaded", logrus.Fields{
		"documentId": doc.ID,
		"userId":     userId,
		"format":     doc.Format,
		"size":       doc.SizeBytes,
	})
	return doc, nil
}

// Extract runs decoding and entity extraction. A decode failure is not an error: the document
// moves to failed and the returned result is empty, carrying a decode_failed note. Extracting a
// document again writes a new result that supersedes the previous one.
func (e *Engine) Extract(ctx context.Context, userId int, documentId string) (result *models.ExtractionResult, err error) {
	ctx, span := tracer.Start(ctx, "workflow.Extract", trace.WithAttributes(attribute.String("document.id", documentId)))
	defer func() { endSpan(span, err) }()

	doc, err := e.documents.GetDocument(ctx, userId, documentId)
	if err != nil {
		return nil, err
	}
	return e.extract(ctx, doc)
}

func (e *Engine) extract(ctx context.Context, doc *models.Document) (*models.ExtractionResult, error) {
	logger := config.GetLogger()
	if doc.State == models.DocumentStateExtracting {
		return nil, ErrDocumentBusy
	}
	first := doc.State == models.DocumentStateUploaded
	if first {
		err := e.documents.TransitionDocument(ctx, doc.ID, models.DocumentStateUploaded, models.DocumentStateExtracting, "", e.now().UTC())
		if errors.Is(err, models.ErrStateConflict) {
			return nil, ErrDocumentBusy
		}
		if err != nil {
			return nil, err
		}
	}
	// put the document back so a later request can retry
	release := func() {
		if !first {
			return
		}
		bg := context.WithoutCancel(ctx)
		if err := e.documents.TransitionDocument(bg, doc.ID, models.DocumentStateExtracting, models.DocumentStateUploaded, "", e.now().UTC()); err != nil {
			config.LogError(logger, "workflow", "extract", "release document", doc.ID, err)
		}
	}

	data, err := e.blobs.Get(ctx, doc.ObjectKey)
	if err != nil {
		release()
		return nil, err
	}
	decoded, decErr := e.decoder.Decode(ctx, doc.FileName, data)
	if decErr != nil && ctx.Err() != nil {
		release()
		return nil, ctx.Err()
	}

	now := e.now().UTC()
	result := &models.ExtractionResult{
		ID:         uuid.NewString(),
		DocumentId: doc.ID,
		UserId:     doc.UserId,
		Amounts:    []models.ExtractedAmount{},
		Dates:      []models.ExtractedDate{},
		References: []models.ExtractedReference{},
		Parties:    []models.Party{},
		Kind:       models.DocumentKindUnknown,
		Notes:      []string{},
		CreatedAt:  now,
	}
	next := models.DocumentStateExtracted
	failureReason := ""
	if decErr != nil {
		failureReason = decoder.ErrCorruptContent.Error()
		var de *decoder.DecodeError
		if errors.As(decErr, &de) {
			failureReason = de.Code()
		}
		next = models.DocumentStateFailed
		result.Notes = append(result.Notes, fmt.Sprintf("%s (%s)", report.NoteDecodeFailed, failureReason))
		config.LogError(logger, "workflow", "extract", "decode", doc.ID, decErr)
	} else {
		ents := e.extractor.Extract(decoded, doc.CreatedAt)
		result.Text = decoded.Text()
		result.Excerpt = ents.Excerpt
		result.Kind = ents.Kind
		result.Amounts = append(result.Amounts, ents.Amounts...)
		result.Dates = append(result.Dates, ents.Dates...)
		result.References = append(result.References, ents.References...)
		result.Parties = append(result.Parties, ents.Parties...)
		result.Notes = append(result.Notes, decoded.Notes...)
	}

	if err := e.documents.SaveExtraction(ctx, result); err != nil {
		release()
		config.LogError(logger, "workflow", "extract", "save extraction", doc.ID, err)
		return nil, err
	}
	if first {
		if err := e.documents.TransitionDocument(context.WithoutCancel(ctx), doc.ID, models.DocumentStateExtracting, next, failureReason, now); err != nil {
			config.LogError(logger, "workflow", "extract", "finish document", doc.ID, err)
			return nil, err
		}
	}
	config.LogInfo(logger, "workflow", "extract", "document extracted", logrus.Fields{
		"documentId": doc.ID,
		"state":      next,
		"kind":       result.Kind,
		"amounts":    len(result.Amounts),
		"dates":      len(result.Dates),
		"references": len(result.References),
	})
	return result, nil
}

type extracted struct {
	doc    *models.Document
	result *models.ExtractionResult
}

// Reconcile correlates the documents' extracted amounts against the user's external records.
// Documents not yet extracted are extracted first. kinds limits the record kinds consulted; nil
// means all. An index that could only be partly loaded yields a report flagged index_incomplete.
func (e *Engine) Reconcile(ctx context.Context, session platform.Session, documentIds []string, kinds []models.RecordKind) (rep *models.ReconciliationReport, err error) {
	ctx, span := tracer.Start(ctx, "workflow.Reconcile", trace.WithAttributes(
		attribute.Int("user.id", session.UserId),
		attribute.String("business.id", session.BusinessId),
		attribute.Int("documents", len(documentIds)),
	))
	defer func() { endSpan(span, err) }()

	ids := slices.DeleteFunc(utils.UniqueSlice(documentIds), func(id string) bool { return id == "" })

	docs := make([]extracted, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.settings.MaxConcurrentExtractions)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			doc, err := e.documents.GetDocument(gctx, session.UserId, id)
			if err != nil {
				return err
			}
			result, err := e.documents.LatestExtraction(gctx, id)
			if err != nil {
				return err
			}
			if result == nil {
				if result, err = e.extract(gctx, doc); err != nil {
					return err
				}
				if doc, err = e.documents.GetDocument(gctx, session.UserId, id); err != nil {
					return err
				}
			}
			docs[i] = extracted{doc: doc, result: result}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap, err := e.ensureIndex(ctx, session, kinds)
	if err != nil {
		return nil, err
	}

	in := report.Input{}
	if snap != nil {
		in.Customers = snap
		in.IndexIncomplete = snap.Incomplete()
		in.FailedKinds = snap.FailedKinds()
	} else {
		in.IndexIncomplete = true
		in.FailedKinds = kinds
		if len(kinds) == 0 {
			in.FailedKinds = models.AllRecordKinds()
		}
	}
	for _, d := range docs {
		if d.doc.State == models.DocumentStateFailed {
			in.DocumentNotes = append(in.DocumentNotes, report.DocumentNote{
				DocumentId: d.doc.ID,
				Note:       fmt.Sprintf("%s (%s)", report.NoteDecodeFailed, d.doc.FailureReason),
			})
		}
		in.Matches = append(in.Matches, e.correlator.Correlate(snap, d.doc.ID, d.result)...)
		for _, p := range d.result.Parties {
			in.Parties = append(in.Parties, report.DocumentParty{DocumentId: d.doc.ID, Party: p})
		}
	}

	built := report.Build(in, e.reportCfg)
	config.LogInfo(config.GetLogger(), "workflow", "Reconcile", "reconciliation built", logrus.Fields{
		"userId":          session.UserId,
		"documents":       len(ids),
		"matched":         built.Counts.Matched,
		"probable":        built.Counts.Probable,
		"discrepant":      built.Counts.Discrepant,
		"unmatched":       built.Counts.Unmatched,
		"indexIncomplete": built.IndexIncomplete,
	})
	return &built, nil
}

// ensureIndex returns a snapshot covering kinds, loading one when the current snapshot is
// missing, stale or lacks a kind.
func (e *Engine) ensureIndex(ctx context.Context, session platform.Session, kinds []models.RecordKind) (*recordindex.Snapshot, error) {
	if e.registry == nil {
		return nil, nil
	}
	if snap, ok := e.registry.Fresh(session, kinds); ok {
		return snap, nil
	}
	res, err := e.registry.Load(ctx, session, kinds)
	if err != nil && !errors.Is(err, recordindex.ErrExternalFetchIncomplete) {
		config.LogError(config.GetLogger(), "workflow", "ensureIndex", "load record index", session.UserId, err)
		return nil, err
	}
	if err != nil {
		config.LogError(config.GetLogger(), "workflow", "ensureIndex", "partial record index", res.FailedKinds, err)
	}
	return e.registry.Snapshot(session), nil
}

// DocumentView is a document with its current extraction result, if any.
type DocumentView struct {
	Document   models.Document          `json:"document"`
	Extraction *models.ExtractionResult `json:"extraction,omitempty"`
}

func (e *Engine) Document(ctx context.Context, userId int, documentId string) (*DocumentView, error) {
	doc, err := e.documents.GetDocument(ctx, userId, documentId)
	if err != nil {
		return nil, err
	}
	result, err := e.documents.LatestExtraction(ctx, documentId)
	if err != nil {
		return nil, err
	}
	return &DocumentView{Document: *doc, Extraction: result}, nil
}

func (e *Engine) ProposeMutation(ctx context.Context, userId int, op models.OperationDescriptor) (c *models.PendingConfirmation, err error) {
	ctx, span := tracer.Start(ctx, "workflow.ProposeMutation", trace.WithAttributes(attribute.String("operation", string(op.Kind))))
	defer func() { endSpan(span, err) }()
	return e.gate.Propose(ctx, userId, op)
}

func (e *Engine) Confirm(ctx context.Context, userId int, confirmationId string, approved bool) (c *models.PendingConfirmation, err error) {
	ctx, span := tracer.Start(ctx, "workflow.Confirm", trace.WithAttributes(
		attribute.String("confirmation.id", confirmationId),
		attribute.Bool("approved", approved),
	))
	defer func() { endSpan(span, err) }()
	return e.gate.Confirm(ctx, userId, confirmationId, approved)
}

func (e *Engine) Execute(ctx context.Context, session platform.Session, confirmationId string) (c *models.PendingConfirmation, err error) {
	ctx, span := tracer.Start(ctx, "workflow.Execute", trace.WithAttributes(attribute.String("confirmation.id", confirmationId)))
	defer func() { endSpan(span, err) }()
	return e.gate.Execute(ctx, session, confirmationId)
}

func (e *Engine) GetConfirmation(ctx context.Context, userId int, confirmationId string) (*models.PendingConfirmation, error) {
	return e.gate.Get(ctx, userId, confirmationId)
}
