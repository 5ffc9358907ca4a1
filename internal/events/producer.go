// Package events publishes document lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cloo-solutions/lectern/internal/logger"
)

type EventType string

const (
	DocumentCompleted EventType = "document.completed"
	DocumentFailed    EventType = "document.failed"
	DocumentDeleted   EventType = "document.deleted"
)

// DocumentEvent is the JSON payload of every message. Messages are keyed by
// document id so events of one document stay ordered within a partition.
type DocumentEvent struct {
	Type       EventType `json:"type"`
	DocumentID string    `json:"document_id"`
	CourseID   string    `json:"course_id"`
	Status     string    `json:"status,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error,omitempty"`
	ChunkCount int       `json:"chunk_count,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// MessageWriter is the subset of *kafka.Writer used by Producer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes JSON-encoded events to a Kafka topic.
type Producer struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewProducer creates a Producer for the given topic.
func NewProducer(brokers []string, topic string) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newProducer(w, topic)
}

func newProducer(w MessageWriter, topic string) *Producer {
	return &Producer{
		writer: w,
		logger: logger.WithComponent("kafka-producer").With("topic", topic),
	}
}

// Publish writes a single event synchronously.
func (p *Producer) Publish(ctx context.Context, event DocumentEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.DocumentID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish message",
			"document_id", event.DocumentID,
			"type", event.Type,
			"error", err,
		)
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.logger.Debug("message published",
		"document_id", event.DocumentID,
		"type", event.Type,
	)
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Nop drops every event. It is used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, DocumentEvent) error { return nil }
