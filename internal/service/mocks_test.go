package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cloo-solutions/lectern/internal/domain"
	"github.com/cloo-solutions/lectern/internal/events"
	"github.com/stretchr/testify/mock"
)

// MockRenderer is a mock implementation of PageRenderer
type MockRenderer struct {
	mock.Mock
}

func (m *MockRenderer) Render(ctx context.Context, pdf []byte) ([][]byte, error) {
	args := m.Called(ctx, pdf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]byte), args.Error(1)
}

// MockOCR is a mock implementation of OCREngine
type MockOCR struct {
	mock.Mock
}

func (m *MockOCR) Recognize(ctx context.Context, image []byte, language string) (string, error) {
	args := m.Called(ctx, image, language)
	return args.String(0), args.Error(1)
}

// MockDescriber is a mock implementation of VisualDescriber
type MockDescriber struct {
	mock.Mock
}

func (m *MockDescriber) Describe(ctx context.Context, image []byte) (string, error) {
	args := m.Called(ctx, image)
	return args.String(0), args.Error(1)
}

// MockEmbedder is a mock implementation of Embedder
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

// MockChat is a mock implementation of ChatCompleter
type MockChat struct {
	mock.Mock
}

func (m *MockChat) Complete(ctx context.Context, messages []domain.Message) (*domain.Completion, error) {
	args := m.Called(ctx, messages)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Completion), args.Error(1)
}

// MockNormalizer is a mock implementation of Normalizer
type MockNormalizer struct {
	mock.Mock
}

func (m *MockNormalizer) Normalize(ctx context.Context, texts []string) ([]string, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// prefixNormalizer marks every text so tests can tell normalized input apart.
type prefixNormalizer struct{}

func (prefixNormalizer) Normalize(_ context.Context, texts []string) ([]string, error) {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "norm:" + strings.ToLower(t)
	}
	return out, nil
}

// pageOCR returns the text registered for each page image.
type pageOCR struct {
	text map[string]string
	fail map[string]error
}

func (o *pageOCR) Recognize(_ context.Context, image []byte, _ string) (string, error) {
	if err, ok := o.fail[string(image)]; ok {
		return "", err
	}
	t, ok := o.text[string(image)]
	if !ok {
		return "", fmt.Errorf("unexpected image %q", image)
	}
	return t, nil
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DocumentEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e events.DocumentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// sequentialUUIDs returns id-1, id-2, ...
type sequentialUUIDs struct {
	mu sync.Mutex
	n  int
}

func (g *sequentialUUIDs) NewString() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", g.n)
}
