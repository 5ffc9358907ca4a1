//go:build integration

package openai

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/lectern/internal/domain"
)

func TestIntegration_GenerateEmbedding_RealAPI(t *testing.T) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		t.Skip("OPENAI_API_KEY not set, skipping integration test")
	}

	client := NewClient(apiKey)
	ctx := context.Background()
	text := "This is a test document for generating embeddings."

	embedding, err := client.GenerateEmbedding(ctx, text)

	require.NoError(t, err)
	assert.Len(t, embedding, DefaultEmbeddingDimensions)
}

func TestIntegration_ChatComplete_RealAPI(t *testing.T) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		t.Skip("OPENAI_API_KEY not set, skipping integration test")
	}

	cfg := Config{APIKey: apiKey}
	client := NewChatClient(NewAPI(cfg), cfg)

	out, err := client.Complete(context.Background(), []domain.Message{
		{Role: domain.RoleUser, Content: "Reply with the single word: ready"},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, out.Content)
}
