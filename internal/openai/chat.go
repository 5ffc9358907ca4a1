package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cloo-solutions/lectern/internal/domain"
)

// DefaultChatModel is used when no chat model is configured.
const DefaultChatModel = openai.GPT4oMini

// ErrNoChoices is returned when the API answers without a completion.
var ErrNoChoices = errors.New("no completion choices returned")

// ChatAPI is the subset of *openai.Client used for chat and vision calls.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ChatClient runs single chat completions.
type ChatClient struct {
	api     ChatAPI
	model   string
	limiter *RateLimiter
	timeout time.Duration
}

// NewChatClient creates a chat client backed by api.
func NewChatClient(api ChatAPI, cfg Config) *ChatClient {
	model := cfg.ChatModel
	if model == "" {
		model = DefaultChatModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ChatClient{api: api, model: model, limiter: cfg.Limiter, timeout: timeout}
}

// Model returns the chat model name.
func (c *ChatClient) Model() string {
	return c.model
}

// Complete sends messages and returns the first choice.
func (c *ChatClient) Complete(ctx context.Context, messages []domain.Message) (*domain.Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	resp, err := c.create(ctx, "chat", req)
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = c.model
	}
	return &domain.Completion{Content: resp.Choices[0].Message.Content, Model: model}, nil
}

func (c *ChatClient) create(ctx context.Context, op string, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return openai.ChatCompletionResponse{}, classify(op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(callCtx, req)
	if err != nil {
		c.limiter.observe(err)
		return resp, fmt.Errorf("chat completion failed: %w", classify(op, err))
	}
	if len(resp.Choices) == 0 {
		return resp, &domain.ProviderError{Provider: providerName, Op: op, Kind: domain.ProviderErrServer, Err: ErrNoChoices}
	}
	return resp, nil
}
