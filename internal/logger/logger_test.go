package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWriter_JSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")

	ctx := WithRequestID(context.Background(), "req-1")
	FromContext(ctx).Info("hello", "document_id", "doc1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "doc1", entry["document_id"])
}

func TestSetupWriter_LevelFilters(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "text")

	WithComponent("ingestion").Info("dropped")
	assert.Empty(t, buf.String())

	WithComponent("ingestion").Warn("kept")
	assert.Contains(t, buf.String(), "component=ingestion")
}

func TestRequestIDFromContext_Missing(t *testing.T) {
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
}
