package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/events"
	"github.com/cloo-solutions/lectern/internal/memstore"
	"github.com/cloo-solutions/lectern/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	store     *memstore.Store
	renderer  *MockRenderer
	ocr       *pageOCR
	describer *MockDescriber
	embedder  *MockEmbedder
	events    *recordingPublisher
	pipeline  *service.IngestionPipeline
}

func newPipelineFixture(t *testing.T, normalizer service.Normalizer) *pipelineFixture {
	t.Helper()
	if normalizer == nil {
		normalizer = prefixNormalizer{}
	}
	f := &pipelineFixture{
		store:     memstore.New(),
		renderer:  new(MockRenderer),
		ocr:       &pageOCR{text: map[string]string{}, fail: map[string]error{}},
		describer: new(MockDescriber),
		embedder:  new(MockEmbedder),
		events:    &recordingPublisher{},
	}
	f.pipeline = service.NewIngestionPipeline(service.IngestionDeps{
		Documents:  f.store.Documents(),
		Chunks:     f.store.Chunks(),
		Blobs:      f.store.Blobs(),
		Renderer:   f.renderer,
		OCR:        f.ocr,
		Describer:  f.describer,
		Normalizer: normalizer,
		Embedder:   f.embedder,
		TxRunner:   f.store,
		Events:     f.events,
		UUIDGen:    &sequentialUUIDs{},
	}, service.IngestionConfig{
		PageOverlap:      0.25,
		PageConcurrency:  2,
		EmbedConcurrency: 2,
		Dimensions:       3,
	})
	return f
}

// seed stores a processing document whose pages render to the given texts.
func (f *pipelineFixture) seed(t *testing.T, id string, pages ...string) *domain.Document {
	t.Helper()
	ctx := context.Background()
	doc := domain.NewDocument(id, "course-1", "lecture.pdf", 128, "courses/course-1/documents/"+id+".pdf")
	require.NoError(t, f.store.Documents().Create(ctx, doc))
	require.NoError(t, f.store.Blobs().Put(ctx, doc.StorageKey, []byte("%PDF-1.7 "+id), domain.ContentTypePDF))

	images := make([][]byte, len(pages))
	for i, text := range pages {
		img := id + "-img-" + string(rune('1'+i))
		images[i] = []byte(img)
		f.ocr.text[img] = text
	}
	f.renderer.On("Render", mock.Anything, []byte("%PDF-1.7 "+id)).Return(images, nil)
	return doc
}

func (f *pipelineFixture) chunkCount(t *testing.T, documentID string) int {
	t.Helper()
	chunks, err := f.store.Chunks().ListByDocument(context.Background(), documentID)
	require.NoError(t, err)
	return len(chunks)
}

func (f *pipelineFixture) status(t *testing.T, documentID string) *domain.Document {
	t.Helper()
	doc, err := f.store.Documents().GetByID(context.Background(), documentID)
	require.NoError(t, err)
	return doc
}

func TestIngestionPipeline_TwoPageDocument(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, nil)
	doc := f.seed(t, "doc-1", "alpha beta gamma delta", "epsilon zeta eta theta")

	f.describer.On("Describe", mock.Anything, []byte("doc-1-img-1")).Return("A bar chart of enrolment", nil)
	f.describer.On("Describe", mock.Anything, []byte("doc-1-img-2")).Return("", errors.New("vision unavailable"))
	f.embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)

	result, err := f.pipeline.Run(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusCompleted, result.Status)

	chunks, err := f.store.Chunks().ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "Document: lecture.pdf | Page 1\nalpha beta gamma delta epsilon\nVisual description: A bar chart of enrolment", chunks[0].Text)
	assert.Equal(t, "Document: lecture.pdf | Page 2\nepsilon zeta eta theta\nVisual description: No visual elements detected", chunks[1].Text)
	assert.Equal(t, 1, chunks[0].PageNumber)
	assert.Equal(t, 2, chunks[1].PageNumber)

	// embeddings are computed on the normalized text, the stored text stays original
	for _, c := range chunks {
		f.embedder.AssertCalled(t, "GenerateEmbedding", mock.Anything, "norm:"+strings.ToLower(c.Text))
	}

	stored := f.status(t, doc.ID)
	assert.Equal(t, domain.DocumentStatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.PageCount)
	assert.Equal(t, "alpha beta gamma delta\n\nepsilon zeta eta theta", stored.TextContent)
	assert.Equal(t, []events.EventType{events.DocumentCompleted}, f.events.types())
}

func TestIngestionPipeline_OCRFailureFailsDocument(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, nil)
	doc := f.seed(t, "doc-2", "first page", "second page")
	f.ocr.fail["doc-2-img-2"] = errors.New("tesseract crashed")

	_, err := f.pipeline.Run(ctx, doc.ID)
	require.Error(t, err)

	var ingestErr *domain.IngestionError
	require.ErrorAs(t, err, &ingestErr)
	assert.Equal(t, domain.StageOCR, ingestErr.Stage)
	assert.Equal(t, doc.ID, ingestErr.DocumentID)

	assert.Zero(t, f.chunkCount(t, doc.ID))
	stored := f.status(t, doc.ID)
	assert.Equal(t, domain.DocumentStatusFailed, stored.Status)
	assert.Equal(t, domain.StageOCR, stored.FailedStage)
	assert.Contains(t, stored.Error, "tesseract crashed")

	f.embedder.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
	assert.Equal(t, []events.EventType{events.DocumentFailed}, f.events.types())
}

func TestIngestionPipeline_EmbeddingFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, nil)
	doc := f.seed(t, "doc-3", "one", "two", "three", "four", "five")
	f.describer.On("Describe", mock.Anything, mock.Anything).Return("", nil)

	third := mock.MatchedBy(func(s string) bool { return strings.Contains(s, "| page 3\n") })
	others := mock.MatchedBy(func(s string) bool { return !strings.Contains(s, "| page 3\n") })
	f.embedder.On("GenerateEmbedding", mock.Anything, third).Return(nil, errors.New("quota exceeded"))
	f.embedder.On("GenerateEmbedding", mock.Anything, others).Return([]float32{0, 1, 0}, nil)

	_, err := f.pipeline.Run(ctx, doc.ID)

	var ingestErr *domain.IngestionError
	require.ErrorAs(t, err, &ingestErr)
	assert.Equal(t, domain.StageEmbed, ingestErr.Stage)
	assert.Zero(t, f.chunkCount(t, doc.ID))
	assert.Equal(t, domain.DocumentStatusFailed, f.status(t, doc.ID).Status)
}

func TestIngestionPipeline_NormalizerMustPreserveCount(t *testing.T) {
	ctx := context.Background()
	normalizer := new(MockNormalizer)
	normalizer.On("Normalize", mock.Anything, mock.Anything).Return([]string{"only one"}, nil)

	f := newPipelineFixture(t, normalizer)
	doc := f.seed(t, "doc-4", "page one", "page two")
	f.describer.On("Describe", mock.Anything, mock.Anything).Return("diagram", nil)

	_, err := f.pipeline.Run(ctx, doc.ID)

	var ingestErr *domain.IngestionError
	require.ErrorAs(t, err, &ingestErr)
	assert.Equal(t, domain.StageNormalize, ingestErr.Stage)
	assert.Equal(t, domain.DocumentStatusFailed, f.status(t, doc.ID).Status)
}

func TestIngestionPipeline_DocumentDeletedDuringProcessing(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, nil)
	doc := f.seed(t, "doc-5", "some text")
	f.describer.On("Describe", mock.Anything, mock.Anything).Return("", nil)
	f.embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			_ = f.store.Documents().Delete(ctx, doc.ID)
		}).
		Return([]float32{1, 1, 0}, nil)

	_, err := f.pipeline.Run(ctx, doc.ID)

	var ingestErr *domain.IngestionError
	require.ErrorAs(t, err, &ingestErr)
	assert.Equal(t, domain.StagePersist, ingestErr.Stage)
	assert.ErrorIs(t, err, domain.ErrDocumentDeleted)
	assert.Zero(t, f.chunkCount(t, doc.ID))

	_, err = f.store.Documents().GetByID(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestIngestionPipeline_FinishedDocumentIsNotReentered(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, nil)
	doc := f.seed(t, "doc-6", "text")
	require.NoError(t, doc.MarkFailed(domain.StageOCR, errors.New("earlier failure")))
	require.NoError(t, f.store.Documents().SaveOutcome(ctx, doc))

	_, err := f.pipeline.Run(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)
	f.renderer.AssertNotCalled(t, "Render", mock.Anything, mock.Anything)
	assert.Empty(t, f.events.types())
}

func TestIngestionPipeline_MissingDocument(t *testing.T) {
	f := newPipelineFixture(t, nil)
	_, err := f.pipeline.Run(context.Background(), "absent")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}

func TestIngestionPipeline_RenderFailure(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, nil)
	doc := domain.NewDocument("doc-7", "course-1", "broken.pdf", 10, "key-7")
	require.NoError(t, f.store.Documents().Create(ctx, doc))
	require.NoError(t, f.store.Blobs().Put(ctx, "key-7", []byte("%PDF-broken"), domain.ContentTypePDF))
	f.renderer.On("Render", mock.Anything, []byte("%PDF-broken")).Return(nil, errors.New("pdfinfo: syntax error"))

	_, err := f.pipeline.Run(ctx, doc.ID)

	var ingestErr *domain.IngestionError
	require.ErrorAs(t, err, &ingestErr)
	assert.Equal(t, domain.StageRender, ingestErr.Stage)
	assert.Equal(t, domain.DocumentStatusFailed, f.status(t, doc.ID).Status)
}

func TestIngestionPipeline_AbandonRollsBackChunks(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t, nil)
	doc := f.seed(t, "doc-8", "text")
	require.NoError(t, f.store.Chunks().InsertMany(ctx, []domain.Chunk{
		{ID: "c1", DocumentID: doc.ID, ChunkIndex: 0, PageNumber: 1, Text: "partial", Embedding: []float32{1, 0, 0}},
	}))

	require.NoError(t, f.pipeline.Abandon(ctx, doc.ID, "ingestion run lost"))

	stored := f.status(t, doc.ID)
	assert.Equal(t, domain.DocumentStatusFailed, stored.Status)
	assert.Equal(t, domain.StageRecovery, stored.FailedStage)
	assert.Zero(t, f.chunkCount(t, doc.ID))

	// a second call is a no-op
	require.NoError(t, f.pipeline.Abandon(ctx, doc.ID, "again"))
	assert.Equal(t, []events.EventType{events.DocumentFailed}, f.events.types())
}

func TestFormatChunkText(t *testing.T) {
	got := service.FormatChunkText("notes.pdf", 4, "body", "a table")
	assert.Equal(t, "Document: notes.pdf | Page 4\nbody\nVisual description: a table", got)
}
