package openai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultEmbeddingModel is the OpenAI model used for generating embeddings
	DefaultEmbeddingModel = openai.SmallEmbedding3
	// DefaultEmbeddingDimensions is the dimension of text-embedding-3-small vectors
	DefaultEmbeddingDimensions = 1536
	// DefaultTimeout bounds a single provider call
	DefaultTimeout = 45 * time.Second
)

var (
	// ErrEmptyText is returned when text is empty
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrWrongDimensions is returned when embedding has wrong dimensions
	ErrWrongDimensions = errors.New("embedding has wrong dimensions")
	// ErrNoAPIKey is returned when OpenAI API key is not set
	ErrNoAPIKey = errors.New("OPENAI_API_KEY environment variable not set")
)

// EmbeddingAPI defines the interface for embedding generation
type EmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, text string) ([]float32, error)
}

// Client generates embeddings through the OpenAI API
type Client struct {
	api        EmbeddingAPI
	model      string
	dimensions int
	limiter    *RateLimiter
	timeout    time.Duration
}

type OpenAIAdapter struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAIAdapter requests vectors of the given size. Zero leaves the
// model's native size.
func NewOpenAIAdapter(client *openai.Client, model openai.EmbeddingModel, dimensions int) *OpenAIAdapter {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &OpenAIAdapter{
		client:     client,
		model:      model,
		dimensions: dimensions,
	}
}

// CreateEmbeddings calls the OpenAI API to create embeddings
func (a *OpenAIAdapter) CreateEmbeddings(ctx context.Context, text string) ([]float32, error) {
	resp, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      a.model,
		Dimensions: a.dimensions,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data returned")
	}

	return resp.Data[0].Embedding, nil
}

type Config struct {
	APIKey              string
	BaseURL             string
	EmbeddingModel      openai.EmbeddingModel
	EmbeddingDimensions int
	ChatModel           string
	VisionModel         string
	VisionPrompt        string
	Timeout             time.Duration
	// Limiter is shared by every client built from this config. Nil disables rate limiting.
	Limiter *RateLimiter
}

// NewAPI builds the underlying go-openai client.
func NewAPI(cfg Config) *openai.Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(apiCfg)
}

// NewClient creates a new OpenAI client using defaults.
func NewClient(apiKey string) *Client {
	return NewClientWithConfig(Config{APIKey: apiKey})
}

// NewClientWithConfig creates a new OpenAI client with explicit configuration.
func NewClientWithConfig(cfg Config) *Client {
	return newClient(NewOpenAIAdapter(NewAPI(cfg), cfg.EmbeddingModel, cfg.EmbeddingDimensions), cfg)
}

func newClient(api EmbeddingAPI, cfg Config) *Client {
	dimensions := cfg.EmbeddingDimensions
	if dimensions <= 0 {
		dimensions = DefaultEmbeddingDimensions
	}
	model := string(cfg.EmbeddingModel)
	if model == "" {
		model = string(DefaultEmbeddingModel)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		api:        api,
		model:      model,
		dimensions: dimensions,
		limiter:    cfg.Limiter,
		timeout:    timeout,
	}
}

// NewClientFromEnv creates a new OpenAI client using OPENAI_API_KEY environment variable
func NewClientFromEnv() (*Client, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	return NewClient(apiKey), nil
}

// Model returns the embedding model name.
func (c *Client) Model() string {
	return c.model
}

// Dimensions returns the expected embedding size.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// GenerateEmbedding generates an embedding for the given text
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classify("embeddings", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	embedding, err := c.api.CreateEmbeddings(callCtx, text)
	if err != nil {
		c.limiter.observe(err)
		return nil, fmt.Errorf("failed to create embedding: %w", classify("embeddings", err))
	}

	if len(embedding) != c.dimensions {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrWrongDimensions, len(embedding), c.dimensions)
	}

	return embedding, nil
}
