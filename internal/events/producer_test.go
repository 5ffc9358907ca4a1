package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockWriter) Close() error {
	return m.Called().Error(0)
}

func TestProducer_Publish(t *testing.T) {
	w := new(MockWriter)
	p := newProducer(w, "lectern.documents")

	var sent []kafka.Message
	w.On("WriteMessages", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(1).([]kafka.Message)
	}).Return(nil)

	err := p.Publish(context.Background(), DocumentEvent{
		Type:       DocumentCompleted,
		DocumentID: "doc1",
		CourseID:   "course1",
		ChunkCount: 4,
	})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "doc1", string(sent[0].Key))
	assert.Equal(t, "document.completed", string(sent[0].Headers[0].Value))

	var decoded DocumentEvent
	require.NoError(t, json.Unmarshal(sent[0].Value, &decoded))
	assert.Equal(t, 4, decoded.ChunkCount)
	assert.False(t, decoded.OccurredAt.IsZero())
}

func TestProducer_PublishError(t *testing.T) {
	w := new(MockWriter)
	p := newProducer(w, "t")
	w.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("leader not available"))

	err := p.Publish(context.Background(), DocumentEvent{Type: DocumentFailed, DocumentID: "doc1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publishing to kafka")
}

func TestNop_Publish(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), DocumentEvent{}))
}
