package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/memstore"
	"github.com/cloo-solutions/lectern/internal/resilience"
	"github.com/cloo-solutions/lectern/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func fastRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}

// seedCorpus stores four chunks in doc-a and doc-b plus a perfect match in
// doc-x, which callers leave out of the allowed set.
func seedCorpus(t *testing.T) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	for _, id := range []string{"doc-a", "doc-b", "doc-x"} {
		require.NoError(t, store.Documents().Create(ctx, domain.NewDocument(id, "course-1", id+".pdf", 1, id)))
	}
	require.NoError(t, store.Chunks().InsertMany(ctx, []domain.Chunk{
		{ID: "A", DocumentID: "doc-a", ChunkIndex: 0, PageNumber: 1, Text: "chunk A", Embedding: []float32{1, 0, 0}},
		{ID: "B", DocumentID: "doc-a", ChunkIndex: 1, PageNumber: 2, Text: "chunk B", Embedding: []float32{0.5, 0.5, 0}},
		{ID: "C", DocumentID: "doc-b", ChunkIndex: 0, PageNumber: 1, Text: "chunk C", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "D", DocumentID: "doc-b", ChunkIndex: 1, PageNumber: 2, Text: "chunk D", Embedding: []float32{0, 1, 0}},
		{ID: "X", DocumentID: "doc-x", ChunkIndex: 0, PageNumber: 1, Text: "chunk X", Embedding: []float32{1, 0, 0}},
	}))
	return store
}

func TestQueryAugmenter_RanksTopChunks(t *testing.T) {
	ctx := context.Background()
	store := seedCorpus(t)
	embedder := new(MockEmbedder)
	embedder.On("GenerateEmbedding", mock.Anything, "norm:what is a?").Return([]float32{1, 0, 0}, nil)

	augmenter := service.NewQueryAugmenter(prefixNormalizer{}, embedder, store.Chunks(), service.AugmentConfig{
		TopK:     3,
		Template: "{context}\n--\n{question}",
	})

	got, err := augmenter.Augment(ctx, "What is A?", []string{"doc-a", "doc-b"})
	require.NoError(t, err)

	want := "###CHUNK START###\nchunk A\n###CHUNK END###\n" +
		"###CHUNK START###\nchunk C\n###CHUNK END###\n" +
		"###CHUNK START###\nchunk B\n###CHUNK END###" +
		"\n--\nWhat is A?"
	assert.Equal(t, want, got)
	assert.NotContains(t, got, "chunk X")
	assert.NotContains(t, got, "chunk D")
	embedder.AssertExpectations(t)
}

func TestQueryAugmenter_DefaultTemplateCarriesQuestion(t *testing.T) {
	store := seedCorpus(t)
	embedder := new(MockEmbedder)
	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{0, 1, 0}, nil)

	augmenter := service.NewQueryAugmenter(prefixNormalizer{}, embedder, store.Chunks(), service.AugmentConfig{})
	got, err := augmenter.Augment(context.Background(), "Explain D", []string{"doc-b"})
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(got, "Question: Explain D"))
	assert.Equal(t, 2, strings.Count(got, service.ChunkStartDelimiter+"\n"))
	assert.Less(t, strings.Index(got, "chunk D"), strings.Index(got, "chunk C"))
}

func TestQueryAugmenter_RetrieveHonoursMinScore(t *testing.T) {
	store := seedCorpus(t)
	embedder := new(MockEmbedder)
	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)

	augmenter := service.NewQueryAugmenter(prefixNormalizer{}, embedder, store.Chunks(), service.AugmentConfig{
		TopK:     10,
		MinScore: 0.9,
	})
	hits, err := augmenter.Retrieve(context.Background(), "a", []string{"doc-a", "doc-b"})
	require.NoError(t, err)

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		assert.GreaterOrEqual(t, h.Score, 0.9)
	}
	assert.Equal(t, []string{"A", "C"}, ids)
}

func TestQueryAugmenter_NoChunksYieldsEmptyContext(t *testing.T) {
	store := memstore.New()
	embedder := new(MockEmbedder)
	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil)

	augmenter := service.NewQueryAugmenter(prefixNormalizer{}, embedder, store.Chunks(), service.AugmentConfig{
		Template: "[{context}] {question}",
	})
	got, err := augmenter.Augment(context.Background(), "q", []string{"nothing-here"})
	require.NoError(t, err)
	assert.Equal(t, "[] q", got)
}

func TestQueryAugmenter_Errors(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		ids     []string
		embed   func(*MockEmbedder)
		wantErr error
	}{
		{
			name:    "empty query",
			query:   "  ",
			ids:     []string{"doc-a"},
			wantErr: domain.ErrMissingRequiredField,
		},
		{
			name:    "no documents",
			query:   "q",
			wantErr: domain.ErrNoDocuments,
		},
		{
			name:  "embedding failure",
			query: "q",
			ids:   []string{"doc-a"},
			embed: func(m *MockEmbedder) {
				m.On("GenerateEmbedding", mock.Anything, mock.Anything).
					Return(nil, &domain.ProviderError{Provider: "openai", Op: "embed", Kind: domain.ProviderErrAuth, Err: errors.New("bad key")})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedCorpus(t)
			embedder := new(MockEmbedder)
			if tt.embed != nil {
				tt.embed(embedder)
			}
			augmenter := service.NewQueryAugmenter(prefixNormalizer{}, embedder, store.Chunks(), service.AugmentConfig{Retry: fastRetry()})

			_, err := augmenter.Augment(context.Background(), tt.query, tt.ids)
			var augErr *domain.AugmentationError
			require.ErrorAs(t, err, &augErr)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestQueryAugmenter_RetriesTransientEmbedding(t *testing.T) {
	store := seedCorpus(t)
	embedder := new(MockEmbedder)
	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).
		Return(nil, &domain.ProviderError{Provider: "openai", Op: "embed", Kind: domain.ProviderErrRateLimit, StatusCode: 429, Err: errors.New("slow down")}).
		Once()
	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{1, 0, 0}, nil).Once()

	augmenter := service.NewQueryAugmenter(prefixNormalizer{}, embedder, store.Chunks(), service.AugmentConfig{Retry: fastRetry()})
	got, err := augmenter.Augment(context.Background(), "a", []string{"doc-a"})
	require.NoError(t, err)
	assert.Contains(t, got, "chunk A")
	embedder.AssertNumberOfCalls(t, "GenerateEmbedding", 2)
}

func TestFormatContext(t *testing.T) {
	assert.Empty(t, service.FormatContext(nil))
	got := service.FormatContext([]domain.ScoredChunk{
		{Chunk: domain.Chunk{Text: "one"}},
		{Chunk: domain.Chunk{Text: "two"}},
	})
	assert.Equal(t, "###CHUNK START###\none\n###CHUNK END###\n###CHUNK START###\ntwo\n###CHUNK END###", got)
}
