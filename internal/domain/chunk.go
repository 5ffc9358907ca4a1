package domain

import (
	"fmt"
	"time"
)

// Chunk is an embedded slice of a document. Chunks are immutable once stored.
type Chunk struct {
	ID         string
	DocumentID string
	ChunkIndex int
	PageNumber int
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredChunk is a search hit; higher Score means more similar.
type ScoredChunk struct {
	Chunk
	Score float64
}

// PageRender is one rendered PDF page and its OCR text. It lives only for
// the duration of an ingestion run.
type PageRender struct {
	PageNumber int
	Image      []byte
	OCRText    string
}

// ValidateChunk validates a Chunk before it is persisted.
func ValidateChunk(c *Chunk, dimensions int) error {
	if c == nil {
		return fmt.Errorf("chunk cannot be nil")
	}
	if c.DocumentID == "" {
		return fmt.Errorf("chunk DocumentID is required")
	}
	if c.Text == "" {
		return fmt.Errorf("chunk Text is required")
	}
	if c.ChunkIndex < 0 {
		return fmt.Errorf("chunk ChunkIndex cannot be negative")
	}
	if dimensions > 0 && len(c.Embedding) != dimensions {
		return fmt.Errorf("chunk Embedding has %d dimensions, expected %d", len(c.Embedding), dimensions)
	}
	return nil
}
