package service

import (
	"context"
	"strings"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/prompt"
	"github.com/cloo-solutions/lectern/internal/resilience"
	"github.com/cloo-solutions/lectern/internal/telemetry"
)

type ComposeInput struct {
	Conversation domain.Conversation
	// AugmentedQuery replaces the last user turn in the model request when set.
	AugmentedQuery string
	Summary        string
	Constraints    []string
}

// ResponseComposer makes the single chat call that answers a conversation.
type ResponseComposer struct {
	chat     ChatCompleter
	template string
	retry    resilience.RetryConfig
}

func NewResponseComposer(chat ChatCompleter, template string, retry resilience.RetryConfig) *ResponseComposer {
	if template == "" {
		template = prompt.Defaults().Compose
	}
	if retry.MaxAttempts <= 0 {
		retry = resilience.DefaultRetryConfig()
	}
	return &ResponseComposer{chat: chat, template: template, retry: retry}
}

// Compose returns the input conversation with one assistant turn appended.
// The input conversation is not modified.
func (c *ResponseComposer) Compose(ctx context.Context, input ComposeInput) (domain.Conversation, error) {
	ctx, span := telemetry.StartSpan(ctx, "ResponseComposer.Compose", telemetry.SpanAttributes{
		Operation: "compose",
	})
	defer span.End()

	if err := input.Conversation.Validate(); err != nil {
		return nil, err
	}

	completion, err := resilience.Do(ctx, "compose", c.retry, func(ctx context.Context) (*domain.Completion, error) {
		return c.chat.Complete(ctx, c.Messages(input))
	})
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	return input.Conversation.Append(domain.Message{
		Role:      domain.RoleAssistant,
		Content:   completion.Content,
		ModelUsed: completion.Model,
	}), nil
}

// Messages builds the model request: the composed system message followed by
// the conversation.
func (c *ResponseComposer) Messages(input ComposeInput) []domain.Message {
	constraints := JoinConstraints(input.Constraints)
	if constraints == "" {
		constraints = "none"
	}
	summary := input.Summary
	if summary == "" {
		summary = "(no summary available)"
	}

	messages := make([]domain.Message, 0, len(input.Conversation)+1)
	messages = append(messages, domain.Message{
		Role: domain.RoleSystem,
		Content: prompt.Render(c.template, map[string]string{
			"constraints": constraints,
			"summary":     summary,
		}),
	})
	for _, m := range input.Conversation {
		messages = append(messages, domain.Message{Role: m.Role, Content: m.Content})
	}
	if input.AugmentedQuery != "" {
		if i, _, ok := input.Conversation.LastUser(); ok {
			messages[i+1].Content = input.AugmentedQuery
		}
	}
	return messages
}

// JoinConstraints joins non-empty constraints with ", ".
func JoinConstraints(constraints []string) string {
	parts := make([]string, 0, len(constraints))
	for _, c := range constraints {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, ", ")
}
