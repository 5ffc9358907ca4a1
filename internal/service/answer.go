package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/logger"
	"github.com/cloo-solutions/lectern/internal/metrics"
	"github.com/cloo-solutions/lectern/internal/telemetry"
)

const (
	NoticeAugmentationFailed = "course material could not be retrieved; the answer does not use it"
	noticeDocumentOmitted    = "document %s could not be summarized and was left out"
	noticeDocumentNotReady   = "document %s is %s and was left out"
)

// Augmenter builds a retrieval-augmented prompt.
type Augmenter interface {
	Augment(ctx context.Context, rawQuery string, allowedDocumentIDs []string) (string, error)
}

// Summarizer reduces documents to one summary.
type Summarizer interface {
	Summarize(ctx context.Context, documents []SourceDocument, conversation domain.Conversation) (*SummaryResult, error)
}

// Composer produces the final answer.
type Composer interface {
	Compose(ctx context.Context, input ComposeInput) (domain.Conversation, error)
}

type AnswerInput struct {
	Conversation domain.Conversation
	Mode         domain.AnswerMode
	// DocumentIDs restricts retrieval and, when Documents is empty, names
	// the documents summarized in multi-agent and combined modes.
	DocumentIDs []string
	// Documents supplies raw texts to summarize instead of stored documents.
	Documents   []SourceDocument
	Constraints []string
}

type AnswerResult struct {
	Conversation domain.Conversation
	Mode         domain.AnswerMode
	// Degraded is set when part of the requested context could not be built.
	Degraded bool
	Notices  []string
}

// AnswerService answers a conversation in one of the answer modes.
type AnswerService struct {
	docRepo         DocumentRepositoryInterface
	augmenter       Augmenter
	summarizer      Summarizer
	composer        Composer
	augmentFallback bool
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

func NewAnswerService(
	docRepo DocumentRepositoryInterface,
	augmenter Augmenter,
	summarizer Summarizer,
	composer Composer,
	augmentFallback bool,
) *AnswerService {
	return &AnswerService{
		docRepo:         docRepo,
		augmenter:       augmenter,
		summarizer:      summarizer,
		composer:        composer,
		augmentFallback: augmentFallback,
		logger:          logger.WithComponent("answer"),
	}
}

// SetMetrics enables answer metrics.
func (s *AnswerService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Answer builds whichever context the mode needs and makes exactly one
// composing model call. The returned conversation is the input plus one
// assistant turn.
func (s *AnswerService) Answer(ctx context.Context, input AnswerInput) (*AnswerResult, error) {
	mode := input.Mode
	if mode == "" {
		mode = domain.AnswerModeDirect
	}
	ctx, span := telemetry.StartSpan(ctx, "AnswerService.Answer", telemetry.SpanAttributes{
		Mode:      string(mode),
		Operation: "answer",
	})
	defer span.End()

	result, err := s.answer(ctx, mode, input)
	switch {
	case err != nil:
		s.metrics.Answered(string(mode), "error")
		span.SetError(err)
	case result.Degraded:
		s.metrics.Answered(string(mode), "degraded")
	default:
		s.metrics.Answered(string(mode), "ok")
	}
	return result, err
}

func (s *AnswerService) answer(ctx context.Context, mode domain.AnswerMode, input AnswerInput) (*AnswerResult, error) {
	if _, err := domain.ParseAnswerMode(string(mode)); err != nil {
		return nil, err
	}
	if err := input.Conversation.Validate(); err != nil {
		return nil, err
	}
	if mode.UsesRetrieval() && len(input.DocumentIDs) == 0 {
		return nil, domain.ErrNoDocuments
	}
	if mode.UsesSummary() && len(input.DocumentIDs) == 0 && len(input.Documents) == 0 {
		return nil, domain.ErrNoDocuments
	}

	_, question, _ := input.Conversation.LastUser()
	result := &AnswerResult{Mode: mode}
	compose := ComposeInput{
		Conversation: input.Conversation,
		Constraints:  input.Constraints,
	}
	log := logger.FromContext(ctx).With("mode", mode)

	if mode.UsesRetrieval() {
		augmented, err := s.augmenter.Augment(ctx, question, input.DocumentIDs)
		if err != nil {
			var augErr *domain.AugmentationError
			if !s.augmentFallback || !errors.As(err, &augErr) {
				return nil, err
			}
			log.Warn("augmentation failed, answering with the raw query", "error", err)
			result.degrade(NoticeAugmentationFailed)
		} else {
			compose.AugmentedQuery = augmented
		}
	}

	if mode.UsesSummary() {
		documents, err := s.sources(ctx, input, result)
		if err != nil {
			return nil, err
		}
		if len(documents) > 0 {
			summary, err := s.summarizer.Summarize(ctx, documents, input.Conversation)
			var sumErr *domain.SummarizationError
			switch {
			case errors.As(err, &sumErr):
				log.Warn("no document could be summarized", "documents", sumErr.DocumentIDs, "error", err)
				for _, id := range sumErr.DocumentIDs {
					result.degrade(fmt.Sprintf(noticeDocumentOmitted, id))
				}
			case err != nil:
				return nil, err
			default:
				compose.Summary = summary.Summary
				for _, id := range summary.Omitted {
					result.degrade(fmt.Sprintf(noticeDocumentOmitted, id))
				}
			}
		}
	}

	conversation, err := s.composer.Compose(ctx, compose)
	if err != nil {
		return nil, err
	}
	result.Conversation = conversation
	return result, nil
}

// sources returns the texts to summarize. Stored documents that are not
// completed are left out with a notice.
func (s *AnswerService) sources(ctx context.Context, input AnswerInput, result *AnswerResult) ([]SourceDocument, error) {
	if len(input.Documents) > 0 {
		return input.Documents, nil
	}
	docs, err := s.docRepo.GetMany(ctx, input.DocumentIDs)
	if err != nil {
		return nil, err
	}
	found := make(map[string]*domain.Document, len(docs))
	for _, d := range docs {
		found[d.ID] = d
	}

	sources := make([]SourceDocument, 0, len(input.DocumentIDs))
	for _, id := range input.DocumentIDs {
		d, ok := found[id]
		switch {
		case !ok:
			result.degrade(fmt.Sprintf(noticeDocumentNotReady, id, "missing"))
		case d.Status != domain.DocumentStatusCompleted:
			result.degrade(fmt.Sprintf(noticeDocumentNotReady, id, d.Status))
		default:
			sources = append(sources, SourceDocument{ID: d.ID, Text: d.TextContent})
		}
	}
	return sources, nil
}

func (r *AnswerResult) degrade(notice string) {
	r.Degraded = true
	r.Notices = append(r.Notices, notice)
}
