package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/events"
	"github.com/cloo-solutions/lectern/internal/logger"
	"github.com/cloo-solutions/lectern/internal/pagination"
	"github.com/cloo-solutions/lectern/internal/telemetry"
	"github.com/google/uuid"
)

// DocumentRepositoryInterface defines the repository interface for document persistence
type DocumentRepositoryInterface interface {
	Create(ctx context.Context, d *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	GetMany(ctx context.Context, ids []string) ([]*domain.Document, error)
	ListByCourseWithCursor(ctx context.Context, courseID string, cursor *pagination.Cursor, limit int) (*DocumentPageResult, error)
	// SaveOutcome persists a terminal status. It only updates rows that are
	// still processing and returns domain.ErrDocumentDeleted otherwise.
	SaveOutcome(ctx context.Context, d *domain.Document) error
	Delete(ctx context.Context, id string) error
}

type DocumentPageResult struct {
	Items      []*domain.Document
	NextCursor string
	HasMore    bool
}

// IngestionJobRepositoryInterface defines the repository interface for ingestion job persistence
type IngestionJobRepositoryInterface interface {
	Create(ctx context.Context, job *domain.IngestionJob) error
	GetByDocumentID(ctx context.Context, documentID string) (*domain.IngestionJob, error)
	ClaimPending(ctx context.Context, limit int) ([]*domain.IngestionJob, error)
	UpdateStatus(ctx context.Context, id string, status domain.IngestionJobStatus, errMsg string) error
	FailStale(ctx context.Context, olderThan time.Duration, reason string) ([]*domain.IngestionJob, error)
}

// BlobStore keeps the raw upload bytes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// EventPublisher emits document lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event events.DocumentEvent) error
}

// UUIDGenerator defines interface for UUID generation (for testing)
type UUIDGenerator interface {
	NewString() string
}

// DefaultUUIDGenerator is the default UUID generator using google/uuid
type DefaultUUIDGenerator struct{}

// NewString generates a new UUID string
func (g *DefaultUUIDGenerator) NewString() string {
	return uuid.NewString()
}

// DocumentService handles uploads and the document lifecycle outside the pipeline.
type DocumentService struct {
	docRepo        DocumentRepositoryInterface
	jobRepo        IngestionJobRepositoryInterface
	chunks         ChunkStore
	blobs          BlobStore
	events         EventPublisher
	txRunner       TxRunner
	uuidGen        UUIDGenerator
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewDocumentService creates a DocumentService without transactions.
func NewDocumentService(
	docRepo DocumentRepositoryInterface,
	jobRepo IngestionJobRepositoryInterface,
	chunks ChunkStore,
	blobs BlobStore,
	maxUploadBytes int64,
) *DocumentService {
	return &DocumentService{
		docRepo:        docRepo,
		jobRepo:        jobRepo,
		chunks:         chunks,
		blobs:          blobs,
		events:         events.Nop{},
		uuidGen:        &DefaultUUIDGenerator{},
		maxUploadBytes: maxUploadBytes,
		logger:         logger.WithComponent("document-service"),
	}
}

// NewDocumentServiceWithTx creates a DocumentService that writes the document
// and its ingestion job atomically.
func NewDocumentServiceWithTx(
	docRepo DocumentRepositoryInterface,
	jobRepo IngestionJobRepositoryInterface,
	chunks ChunkStore,
	blobs BlobStore,
	maxUploadBytes int64,
	txRunner TxRunner,
) *DocumentService {
	s := NewDocumentService(docRepo, jobRepo, chunks, blobs, maxUploadBytes)
	s.txRunner = txRunner
	return s
}

// SetEventPublisher replaces the default no-op publisher.
func (s *DocumentService) SetEventPublisher(p EventPublisher) {
	if p != nil {
		s.events = p
	}
}

// SetUUIDGenerator is used by tests to get deterministic ids.
func (s *DocumentService) SetUUIDGenerator(g UUIDGenerator) {
	s.uuidGen = g
}

// UploadInput represents an uploaded file
type UploadInput struct {
	CourseID    string
	Filename    string
	ContentType string
	Data        []byte
}

// Upload validates the file, stores its payload and queues ingestion. The
// returned document is processing; nothing is created when validation fails.
func (s *DocumentService) Upload(ctx context.Context, input UploadInput) (*domain.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "DocumentService.Upload", telemetry.SpanAttributes{
		CourseID:  input.CourseID,
		Operation: "upload",
	})
	defer span.End()

	if strings.TrimSpace(input.CourseID) == "" {
		return nil, fmt.Errorf("%w: course_id", domain.ErrMissingRequiredField)
	}
	if err := domain.ValidateUpload(input.ContentType, input.Data, s.maxUploadBytes); err != nil {
		return nil, err
	}

	documentID := s.uuidGen.NewString()
	filename := cleanFilename(input.Filename)
	storageKey := fmt.Sprintf("courses/%s/documents/%s.pdf", input.CourseID, documentID)

	doc := domain.NewDocument(documentID, input.CourseID, filename, int64(len(input.Data)), storageKey)
	if err := domain.ValidateDocument(doc); err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid document", err)
	}
	job := domain.NewIngestionJob(s.uuidGen.NewString(), documentID)

	if err := s.blobs.Put(ctx, storageKey, input.Data, domain.ContentTypePDF); err != nil {
		span.SetError(err)
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeInternalError, "failed to store document payload", err)
	}

	if err := s.createRecords(ctx, doc, job); err != nil {
		if delErr := s.blobs.Delete(ctx, storageKey); delErr != nil {
			s.logger.Warn("failed to remove orphaned payload", "storage_key", storageKey, "error", delErr)
		}
		span.SetError(err)
		return nil, err
	}

	logger.FromContext(ctx).Info("document queued for ingestion",
		"document_id", doc.ID,
		"course_id", doc.CourseID,
		"size_bytes", doc.SizeBytes,
	)
	return doc, nil
}

func (s *DocumentService) createRecords(ctx context.Context, doc *domain.Document, job *domain.IngestionJob) error {
	if s.txRunner == nil {
		if err := s.docRepo.Create(ctx, doc); err != nil {
			return err
		}
		return s.jobRepo.Create(ctx, job)
	}
	return s.txRunner.WithTx(ctx, func(repos TxRepositories) error {
		if err := repos.Documents().Create(ctx, doc); err != nil {
			return err
		}
		return repos.IngestionJobs().Create(ctx, job)
	})
}

// Get retrieves a document by ID
func (s *DocumentService) Get(ctx context.Context, id string) (*domain.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "DocumentService.Get", telemetry.SpanAttributes{
		DocumentID: id,
		Operation:  "get",
	})
	defer span.End()

	return s.docRepo.GetByID(ctx, id)
}

type ListDocumentsInput struct {
	CourseID string
	Cursor   string
	Limit    int
}

type ListDocumentsOutput struct {
	Items   []*domain.Document
	Cursor  string
	HasMore bool
}

// ListByCourse lists a course's documents, newest first.
func (s *DocumentService) ListByCourse(ctx context.Context, input ListDocumentsInput) (*ListDocumentsOutput, error) {
	cursor, err := pagination.DecodeCursor(input.Cursor)
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid cursor", err)
	}
	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	page, err := s.docRepo.ListByCourseWithCursor(ctx, input.CourseID, cursor, limit)
	if err != nil {
		return nil, err
	}
	return &ListDocumentsOutput{
		Items:   page.Items,
		Cursor:  page.NextCursor,
		HasMore: page.HasMore,
	}, nil
}

// GetChunks returns the stored chunks of a document in chunk order.
func (s *DocumentService) GetChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	if _, err := s.docRepo.GetByID(ctx, documentID); err != nil {
		return nil, err
	}
	return s.chunks.ListByDocument(ctx, documentID)
}

// DeleteChunks removes every chunk of a document and returns how many were removed.
func (s *DocumentService) DeleteChunks(ctx context.Context, documentID string) (int64, error) {
	if _, err := s.docRepo.GetByID(ctx, documentID); err != nil {
		return 0, err
	}
	n, err := s.chunks.DeleteByDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	logger.FromContext(ctx).Info("chunks deleted", "document_id", documentID, "count", n)
	return n, nil
}

// Delete removes a document, its chunks and its payload. A pipeline still
// processing the document notices the deletion before it persists anything.
func (s *DocumentService) Delete(ctx context.Context, id string) error {
	ctx, span := telemetry.StartSpan(ctx, "DocumentService.Delete", telemetry.SpanAttributes{
		DocumentID: id,
		Operation:  "delete",
	})
	defer span.End()

	doc, err := s.docRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	// chunks and ingestion jobs cascade
	if err := s.docRepo.Delete(ctx, id); err != nil {
		span.SetError(err)
		return err
	}

	if err := s.blobs.Delete(ctx, doc.StorageKey); err != nil && !errors.Is(err, domain.ErrPayloadNotFound) {
		s.logger.Warn("failed to delete document payload", "document_id", id, "storage_key", doc.StorageKey, "error", err)
	}

	if err := s.events.Publish(ctx, events.DocumentEvent{
		Type:       events.DocumentDeleted,
		DocumentID: doc.ID,
		CourseID:   doc.CourseID,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to publish event", "type", events.DocumentDeleted, "document_id", id, "error", err)
	}
	return nil
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = path.Base(name)
	if name == "." || name == "/" || name == "" {
		return "document.pdf"
	}
	return name
}
