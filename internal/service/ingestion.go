package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/events"
	"github.com/cloo-solutions/lectern/internal/logger"
	"github.com/cloo-solutions/lectern/internal/metrics"
	"github.com/cloo-solutions/lectern/internal/resilience"
	"github.com/cloo-solutions/lectern/internal/telemetry"
	"github.com/cloo-solutions/lectern/internal/textsplit"
	"golang.org/x/sync/errgroup"
)

// NoVisualDescription replaces a page description the vision model could not produce.
const NoVisualDescription = "No visual elements detected"

// PageRenderer rasterizes every page of a PDF, in page order.
type PageRenderer interface {
	Render(ctx context.Context, pdf []byte) ([][]byte, error)
}

// OCREngine extracts text from a page image.
type OCREngine interface {
	Recognize(ctx context.Context, image []byte, language string) (string, error)
}

// VisualDescriber describes charts and diagrams on a page image.
type VisualDescriber interface {
	Describe(ctx context.Context, image []byte) (string, error)
}

// Normalizer canonicalizes texts. Output i corresponds to input i.
type Normalizer interface {
	Normalize(ctx context.Context, texts []string) ([]string, error)
}

// Embedder produces a fixed-length vector for a text.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// ChunkStore persists chunks and searches them by similarity.
type ChunkStore interface {
	InsertMany(ctx context.Context, chunks []domain.Chunk) error
	// Search returns at most topK chunks of the given documents, most similar first.
	Search(ctx context.Context, embedding []float32, documentIDs []string, topK int) ([]domain.ScoredChunk, error)
	ListByDocument(ctx context.Context, documentID string) ([]domain.Chunk, error)
	DeleteByDocument(ctx context.Context, documentID string) (int64, error)
}

type IngestionConfig struct {
	PageOverlap      float64
	OCRLanguage      string
	PageConcurrency  int
	EmbedConcurrency int
	// Dimensions is checked against every embedding when positive.
	Dimensions int
	Retry      resilience.RetryConfig
}

// IngestionDeps are the collaborators of an IngestionPipeline. TxRunner,
// Events and Metrics are optional.
type IngestionDeps struct {
	Documents  DocumentRepositoryInterface
	Chunks     ChunkStore
	Blobs      BlobStore
	Renderer   PageRenderer
	OCR        OCREngine
	Describer  VisualDescriber
	Normalizer Normalizer
	Embedder   Embedder
	TxRunner   TxRunner
	Events     EventPublisher
	Metrics    *metrics.Metrics
	UUIDGen    UUIDGenerator
}

// IngestionPipeline turns a processing document into embedded chunks and
// moves it to completed, or rolls back its chunks and moves it to failed.
type IngestionPipeline struct {
	deps   IngestionDeps
	cfg    IngestionConfig
	logger *slog.Logger
}

func NewIngestionPipeline(deps IngestionDeps, cfg IngestionConfig) *IngestionPipeline {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.UUIDGen == nil {
		deps.UUIDGen = &DefaultUUIDGenerator{}
	}
	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = 4
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 6
	}
	if cfg.OCRLanguage == "" {
		cfg.OCRLanguage = "eng"
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &IngestionPipeline{
		deps:   deps,
		cfg:    cfg,
		logger: logger.WithComponent("ingestion"),
	}
}

// run holds the state of one ingestion.
type run struct {
	doc    *domain.Document
	pages  []domain.PageRender
	texts  []string
	normal []string
	chunks []domain.Chunk
}

// Run ingests one document. Only documents in processing are accepted; a
// finished document is never re-entered. Pipeline failures are returned as
// *domain.IngestionError after the document has been rolled back.
func (p *IngestionPipeline) Run(ctx context.Context, documentID string) (*domain.Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "IngestionPipeline.Run", telemetry.SpanAttributes{
		DocumentID: documentID,
		Operation:  "ingest",
	})
	defer span.End()

	doc, err := p.deps.Documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != domain.DocumentStatusProcessing {
		return nil, fmt.Errorf("%w: document %s is %s", domain.ErrInvalidStatusTransition, doc.ID, doc.Status)
	}

	log := logger.FromContext(ctx).With("document_id", doc.ID, "course_id", doc.CourseID)
	log.Info("ingestion started", "filename", doc.Filename)
	started := time.Now()

	r := &run{doc: doc}
	var data []byte
	steps := []struct {
		stage domain.IngestionStage
		fn    func(context.Context) error
	}{
		{domain.StageLoad, func(ctx context.Context) error {
			data, err = p.deps.Blobs.Get(ctx, doc.StorageKey)
			return err
		}},
		{domain.StageRender, func(ctx context.Context) error { return p.render(ctx, r, data) }},
		{domain.StageOCR, func(ctx context.Context) error { return p.recognize(ctx, r) }},
		{domain.StageChunk, func(ctx context.Context) error { return p.buildChunks(r) }},
		{domain.StageDescribe, func(ctx context.Context) error { return p.describe(ctx, r) }},
		{domain.StageNormalize, func(ctx context.Context) error { return p.normalize(ctx, r) }},
		{domain.StageEmbed, func(ctx context.Context) error { return p.embed(ctx, r) }},
		{domain.StagePersist, func(ctx context.Context) error { return p.persist(ctx, r) }},
	}

	for _, step := range steps {
		if err := p.stage(ctx, step.stage, step.fn); err != nil {
			return nil, p.fail(ctx, r.doc, step.stage, err)
		}
	}

	log.Info("ingestion completed",
		"pages", len(r.pages),
		"chunks", len(r.chunks),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	p.deps.Metrics.IngestionFinished("completed", len(r.chunks))
	p.publish(ctx, events.DocumentEvent{
		Type:       events.DocumentCompleted,
		DocumentID: r.doc.ID,
		CourseID:   r.doc.CourseID,
		Status:     string(r.doc.Status),
		ChunkCount: len(r.chunks),
		OccurredAt: time.Now().UTC(),
	})
	return r.doc, nil
}

func (p *IngestionPipeline) stage(ctx context.Context, stage domain.IngestionStage, fn func(context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "ingestion."+string(stage), telemetry.SpanAttributes{
		Stage: string(stage),
	})
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.deps.Metrics.ObserveStage(string(stage), time.Since(start))
	telemetry.AddBreadcrumb(ctx, "ingestion", string(stage))
	return err
}

func (p *IngestionPipeline) render(ctx context.Context, r *run, data []byte) error {
	images, err := p.deps.Renderer.Render(ctx, data)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return errors.New("document has no pages")
	}
	r.pages = make([]domain.PageRender, len(images))
	for i, img := range images {
		r.pages[i] = domain.PageRender{PageNumber: i + 1, Image: img}
	}
	return nil
}

// recognize runs OCR on every page concurrently. One failing page aborts the document.
func (p *IngestionPipeline) recognize(ctx context.Context, r *run) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.PageConcurrency)
	for i := range r.pages {
		page := &r.pages[i]
		g.Go(func() error {
			text, err := p.deps.OCR.Recognize(gctx, page.Image, p.cfg.OCRLanguage)
			if err != nil {
				return fmt.Errorf("page %d: %w", page.PageNumber, err)
			}
			page.OCRText = text
			return nil
		})
	}
	return g.Wait()
}

func (p *IngestionPipeline) buildChunks(r *run) error {
	texts := make([]string, len(r.pages))
	for i, page := range r.pages {
		texts[i] = page.OCRText
	}
	r.texts = textsplit.PageOverlap(texts, p.cfg.PageOverlap)
	if len(r.texts) != len(r.pages) {
		return fmt.Errorf("built %d chunks for %d pages", len(r.texts), len(r.pages))
	}
	return nil
}

// describe is best effort: a page whose description fails gets NoVisualDescription.
// It also applies the metadata prefix, so it must run after buildChunks.
func (p *IngestionPipeline) describe(ctx context.Context, r *run) error {
	descriptions := make([]string, len(r.pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.PageConcurrency)
	for i := range r.pages {
		g.Go(func() error {
			descriptions[i] = p.describePage(gctx, r.doc.ID, r.pages[i])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, page := range r.pages {
		r.texts[i] = FormatChunkText(r.doc.Filename, page.PageNumber, r.texts[i], descriptions[i])
	}
	return nil
}

func (p *IngestionPipeline) describePage(ctx context.Context, documentID string, page domain.PageRender) string {
	if p.deps.Describer == nil {
		return NoVisualDescription
	}
	desc, err := resilience.Do(ctx, "describe", p.cfg.Retry, func(ctx context.Context) (string, error) {
		return p.deps.Describer.Describe(ctx, page.Image)
	})
	if err != nil {
		p.logger.Warn("visual description failed, using placeholder",
			"document_id", documentID,
			"page", page.PageNumber,
			"error", err,
		)
		return NoVisualDescription
	}
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return NoVisualDescription
	}
	return desc
}

// FormatChunkText prefixes chunk text with its source and appends the page's
// visual description.
func FormatChunkText(filename string, pageNumber int, text, description string) string {
	return fmt.Sprintf("Document: %s | Page %d\n%s\nVisual description: %s", filename, pageNumber, text, description)
}

func (p *IngestionPipeline) normalize(ctx context.Context, r *run) error {
	normal, err := resilience.Do(ctx, "normalize", p.cfg.Retry, func(ctx context.Context) ([]string, error) {
		return p.deps.Normalizer.Normalize(ctx, r.texts)
	})
	if err != nil {
		return err
	}
	if len(normal) != len(r.texts) {
		return fmt.Errorf("normalizer returned %d texts for %d inputs", len(normal), len(r.texts))
	}
	r.normal = normal
	return nil
}

// embed embeds the normalized texts through a bounded pool. The chunks keep
// the original texts.
func (p *IngestionPipeline) embed(ctx context.Context, r *run) error {
	chunks := make([]domain.Chunk, len(r.texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.EmbedConcurrency)
	for i := range r.texts {
		g.Go(func() error {
			vec, err := resilience.Do(gctx, "embed", p.cfg.Retry, func(ctx context.Context) ([]float32, error) {
				return p.deps.Embedder.GenerateEmbedding(ctx, embeddingInput(r.normal[i], r.texts[i]))
			})
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			chunks[i] = domain.Chunk{
				ID:         p.deps.UUIDGen.NewString(),
				DocumentID: r.doc.ID,
				ChunkIndex: i,
				PageNumber: r.pages[i].PageNumber,
				Text:       r.texts[i],
				Embedding:  vec,
				CreatedAt:  time.Now().UTC(),
			}
			return domain.ValidateChunk(&chunks[i], p.cfg.Dimensions)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.chunks = chunks
	return nil
}

// embeddingInput falls back to the original text when normalization
// removed everything.
func embeddingInput(normalized, original string) string {
	if strings.TrimSpace(normalized) == "" {
		return original
	}
	return normalized
}

// persist stores every chunk and completes the document in one transaction.
// A document deleted or no longer processing is not persisted.
func (p *IngestionPipeline) persist(ctx context.Context, r *run) error {
	current, err := p.deps.Documents.GetByID(ctx, r.doc.ID)
	if err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			return domain.ErrDocumentDeleted
		}
		return err
	}
	if current.Status != domain.DocumentStatusProcessing {
		return domain.ErrDocumentDeleted
	}

	completed := *r.doc
	if err := completed.MarkCompleted(len(r.pages), joinPages(r.pages)); err != nil {
		return err
	}

	save := func(docs DocumentRepositoryInterface, chunks ChunkStore) error {
		if err := chunks.InsertMany(ctx, r.chunks); err != nil {
			return err
		}
		return docs.SaveOutcome(ctx, &completed)
	}
	if p.deps.TxRunner != nil {
		err = p.deps.TxRunner.WithTx(ctx, func(repos TxRepositories) error {
			return save(repos.Documents(), repos.Chunks())
		})
	} else {
		err = save(p.deps.Documents, p.deps.Chunks)
	}
	if err != nil {
		return err
	}
	r.doc = &completed
	return nil
}

func joinPages(pages []domain.PageRender) string {
	texts := make([]string, 0, len(pages))
	for _, page := range pages {
		if t := strings.TrimSpace(page.OCRText); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n\n")
}

// fail removes any chunks of the document, marks it failed and reports the
// failure. It returns the typed error for the caller.
func (p *IngestionPipeline) fail(ctx context.Context, doc *domain.Document, stage domain.IngestionStage, cause error) error {
	ingestErr := &domain.IngestionError{DocumentID: doc.ID, Stage: stage, Err: cause}

	// rollback must not be skipped because the run was cancelled
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	failed := *doc
	if err := failed.MarkFailed(stage, cause); err != nil {
		p.logger.Error("cannot mark document failed", "document_id", doc.ID, "error", err)
	} else if err := p.rollback(rollbackCtx, &failed); err != nil {
		p.logger.Error("ingestion rollback failed", "document_id", doc.ID, "stage", stage, "error", err)
	}

	logger.FromContext(ctx).Error("ingestion failed",
		"document_id", doc.ID,
		"course_id", doc.CourseID,
		"stage", stage,
		"error", cause,
	)
	telemetry.CaptureIngestionError(ctx, doc.ID, string(stage), ingestErr)
	p.deps.Metrics.IngestionFinished("failed", 0)
	p.publish(rollbackCtx, events.DocumentEvent{
		Type:       events.DocumentFailed,
		DocumentID: doc.ID,
		CourseID:   doc.CourseID,
		Status:     string(domain.DocumentStatusFailed),
		Stage:      string(stage),
		Error:      cause.Error(),
		OccurredAt: time.Now().UTC(),
	})
	return ingestErr
}

func (p *IngestionPipeline) rollback(ctx context.Context, failed *domain.Document) error {
	undo := func(docs DocumentRepositoryInterface, chunks ChunkStore) error {
		if _, err := chunks.DeleteByDocument(ctx, failed.ID); err != nil {
			return err
		}
		err := docs.SaveOutcome(ctx, failed)
		if errors.Is(err, domain.ErrDocumentDeleted) {
			return nil
		}
		return err
	}
	if p.deps.TxRunner != nil {
		return p.deps.TxRunner.WithTx(ctx, func(repos TxRepositories) error {
			return undo(repos.Documents(), repos.Chunks())
		})
	}
	return undo(p.deps.Documents, p.deps.Chunks)
}

// Abandon fails a document whose ingestion run was lost, e.g. after a crash.
// Documents that already finished are left alone.
func (p *IngestionPipeline) Abandon(ctx context.Context, documentID, reason string) error {
	doc, err := p.deps.Documents.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, domain.ErrDocumentNotFound) {
			return nil
		}
		return err
	}
	if doc.Status != domain.DocumentStatusProcessing {
		return nil
	}
	_ = p.fail(ctx, doc, domain.StageRecovery, errors.New(reason))
	return nil
}

func (p *IngestionPipeline) publish(ctx context.Context, event events.DocumentEvent) {
	if err := p.deps.Events.Publish(ctx, event); err != nil {
		p.logger.Warn("failed to publish event", "type", event.Type, "document_id", event.DocumentID, "error", err)
	}
}
