// Package kafka publishes memory lifecycle events to a Kafka topic using
// JSON payloads. Messages are keyed by fact id (falling back to session id)
// so per-fact event order is preserved within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/eventstream"
)

// Config holds configuration for the Kafka publisher.
type Config struct {
	// Brokers is the bootstrap broker list.
	Brokers []string

	// Topic receives the lifecycle events; empty means DefaultTopic.
	Topic string

	// WriteTimeout bounds a publish; 0 means DefaultWriteTimeout.
	WriteTimeout time.Duration
}

// Defaults applied for zero-value config fields.
const (
	DefaultTopic        = "mnemo.memory.events"
	DefaultWriteTimeout = 5 * time.Second
)

// Publisher writes memory events to Kafka.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher creates a Kafka-backed eventstream publisher.
func NewPublisher(config Config, logger *zap.Logger) (*Publisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}

	return &Publisher{
		writer: writer,
		logger: logger,
	}, nil
}

// Publish serializes the event as JSON and writes it to the topic.
func (p *Publisher) Publish(ctx context.Context, event *eventstream.MemoryEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing memory event: %w", err)
	}

	key := event.FactID
	if key == "" {
		key = event.SessionID
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("publishing memory event: %w", err)
	}

	p.logger.Debug("published memory event",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID),
	)
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ eventstream.Publisher = (*Publisher)(nil)
