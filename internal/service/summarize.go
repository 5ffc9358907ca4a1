package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/logger"
	"github.com/cloo-solutions/lectern/internal/metrics"
	"github.com/cloo-solutions/lectern/internal/prompt"
	"github.com/cloo-solutions/lectern/internal/resilience"
	"github.com/cloo-solutions/lectern/internal/telemetry"
	"github.com/cloo-solutions/lectern/internal/textsplit"
	"golang.org/x/sync/errgroup"
)

const DefaultSummaryWindow = 2048

// ChatCompleter runs one chat completion.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []domain.Message) (*domain.Completion, error)
}

// SourceDocument is the raw text of one document to summarize.
type SourceDocument struct {
	ID   string
	Text string
}

type SummarizeConfig struct {
	WindowSize int
	// Concurrency bounds how many documents fold at once.
	Concurrency int
	Template    string
	Retry       resilience.RetryConfig
}

// SummaryResult is the joined summary and the documents left out of it.
type SummaryResult struct {
	Summary string
	Omitted []string
}

// ReduceSummarizer folds each document's windows into a running summary.
type ReduceSummarizer struct {
	chat    ChatCompleter
	cfg     SummarizeConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewReduceSummarizer(chat ChatCompleter, cfg SummarizeConfig) *ReduceSummarizer {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultSummaryWindow
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Template == "" {
		cfg.Template = prompt.Defaults().Summarize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &ReduceSummarizer{
		chat:   chat,
		cfg:    cfg,
		logger: logger.WithComponent("summarizer"),
	}
}

// SetMetrics enables omission metrics.
func (s *ReduceSummarizer) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Summarize reduces every document on its own and joins the results with a
// single space, in input order. Documents fold concurrently; the windows of
// one document never do. A document whose fold fails is left out and listed
// in Omitted. *domain.SummarizationError is returned only when nothing is left.
func (s *ReduceSummarizer) Summarize(ctx context.Context, documents []SourceDocument, conversation domain.Conversation) (*SummaryResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "ReduceSummarizer.Summarize", telemetry.SpanAttributes{
		Operation: "summarize",
	})
	defer span.End()

	if len(documents) == 0 {
		return nil, &domain.SummarizationError{Err: domain.ErrNoDocuments}
	}

	summaries := make([]string, len(documents))
	errs := make([]error, len(documents))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, doc := range documents {
		g.Go(func() error {
			summaries[i], errs[i] = s.fold(ctx, doc, conversation)
			return nil
		})
	}
	_ = g.Wait()

	result := &SummaryResult{}
	kept := make([]string, 0, len(documents))
	var failures []error
	for i, doc := range documents {
		if errs[i] != nil {
			s.logger.Warn("document omitted from summary", "document_id", doc.ID, "error", errs[i])
			result.Omitted = append(result.Omitted, doc.ID)
			failures = append(failures, fmt.Errorf("document %s: %w", doc.ID, errs[i]))
			continue
		}
		kept = append(kept, summaries[i])
	}
	s.metrics.SummaryOmitted(len(result.Omitted))

	if len(kept) == 0 {
		err := &domain.SummarizationError{DocumentIDs: result.Omitted, Err: errors.Join(failures...)}
		span.SetError(err)
		return nil, err
	}
	result.Summary = strings.Join(kept, " ")
	return result, nil
}

// fold is a strict left fold over the windows of one document: every call
// sees the summary produced by the previous one. An empty document still
// gets one call over an empty window.
func (s *ReduceSummarizer) fold(ctx context.Context, doc SourceDocument, conversation domain.Conversation) (string, error) {
	summary := ""
	for i, window := range textsplit.Windows(doc.Text, s.cfg.WindowSize) {
		messages := make([]domain.Message, 0, len(conversation)+1)
		messages = append(messages, domain.Message{
			Role:    domain.RoleSystem,
			Content: s.instruction(summary, window),
		})
		messages = append(messages, conversation...)

		completion, err := resilience.Do(ctx, "summarize", s.cfg.Retry, func(ctx context.Context) (*domain.Completion, error) {
			return s.chat.Complete(ctx, messages)
		})
		if err != nil {
			return "", fmt.Errorf("window %d: %w", i, err)
		}
		summary = strings.TrimSpace(completion.Content)
	}
	return summary, nil
}

func (s *ReduceSummarizer) instruction(summary, window string) string {
	if summary == "" {
		summary = "(none yet)"
	}
	return prompt.Render(s.cfg.Template, map[string]string{
		"summary": summary,
		"window":  window,
	})
}
