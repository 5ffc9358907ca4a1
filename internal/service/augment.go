package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/logger"
	"github.com/cloo-solutions/lectern/internal/metrics"
	"github.com/cloo-solutions/lectern/internal/prompt"
	"github.com/cloo-solutions/lectern/internal/resilience"
	"github.com/cloo-solutions/lectern/internal/telemetry"
)

const (
	ChunkStartDelimiter = "###CHUNK START###"
	ChunkEndDelimiter   = "###CHUNK END###"

	DefaultTopK = 3
)

type AugmentConfig struct {
	TopK int
	// MinScore drops hits scoring below it. Zero keeps every hit.
	MinScore float64
	Template string
	Retry    resilience.RetryConfig
}

// QueryAugmenter builds a prompt that carries the chunks most similar to a query.
type QueryAugmenter struct {
	normalizer Normalizer
	embedder   Embedder
	chunks     ChunkStore
	metrics    *metrics.Metrics
	cfg        AugmentConfig
}

func NewQueryAugmenter(normalizer Normalizer, embedder Embedder, chunks ChunkStore, cfg AugmentConfig) *QueryAugmenter {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Template == "" {
		cfg.Template = prompt.Defaults().Augment
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &QueryAugmenter{
		normalizer: normalizer,
		embedder:   embedder,
		chunks:     chunks,
		cfg:        cfg,
	}
}

// SetMetrics enables retrieval metrics.
func (a *QueryAugmenter) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// Augment retrieves the chunks most similar to rawQuery among
// allowedDocumentIDs and wraps them, delimited, around the query. Every
// failure is returned as *domain.AugmentationError.
func (a *QueryAugmenter) Augment(ctx context.Context, rawQuery string, allowedDocumentIDs []string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "QueryAugmenter.Augment", telemetry.SpanAttributes{
		Operation: "augment",
	})
	defer span.End()

	hits, err := a.retrieve(ctx, rawQuery, allowedDocumentIDs)
	if err != nil {
		span.SetError(err)
		return "", &domain.AugmentationError{Err: err}
	}
	a.metrics.Retrieved(len(hits))
	logger.FromContext(ctx).Debug("retrieved context", "chunks", len(hits), "documents", len(allowedDocumentIDs))

	return prompt.Render(a.cfg.Template, map[string]string{
		"context":  FormatContext(hits),
		"question": rawQuery,
	}), nil
}

// Retrieve returns the ranked hits Augment would use.
func (a *QueryAugmenter) Retrieve(ctx context.Context, rawQuery string, allowedDocumentIDs []string) ([]domain.ScoredChunk, error) {
	hits, err := a.retrieve(ctx, rawQuery, allowedDocumentIDs)
	if err != nil {
		return nil, &domain.AugmentationError{Err: err}
	}
	return hits, nil
}

func (a *QueryAugmenter) retrieve(ctx context.Context, rawQuery string, allowedDocumentIDs []string) ([]domain.ScoredChunk, error) {
	if strings.TrimSpace(rawQuery) == "" {
		return nil, fmt.Errorf("%w: query", domain.ErrMissingRequiredField)
	}
	if len(allowedDocumentIDs) == 0 {
		return nil, domain.ErrNoDocuments
	}

	normalized, err := resilience.Do(ctx, "normalize-query", a.cfg.Retry, func(ctx context.Context) ([]string, error) {
		return a.normalizer.Normalize(ctx, []string{rawQuery})
	})
	if err != nil {
		return nil, fmt.Errorf("normalize query: %w", err)
	}
	if len(normalized) != 1 {
		return nil, fmt.Errorf("normalizer returned %d texts for 1 input", len(normalized))
	}

	vec, err := resilience.Do(ctx, "embed-query", a.cfg.Retry, func(ctx context.Context) ([]float32, error) {
		return a.embedder.GenerateEmbedding(ctx, embeddingInput(normalized[0], rawQuery))
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := a.chunks.Search(ctx, vec, allowedDocumentIDs, a.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	if a.cfg.MinScore > 0 {
		kept := hits[:0]
		for _, h := range hits {
			if h.Score >= a.cfg.MinScore {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	return hits, nil
}

// FormatContext wraps each chunk in the chunk delimiters, in rank order.
func FormatContext(hits []domain.ScoredChunk) string {
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(ChunkStartDelimiter)
		b.WriteString("\n")
		b.WriteString(h.Text)
		b.WriteString("\n")
		b.WriteString(ChunkEndDelimiter)
	}
	return b.String()
}
