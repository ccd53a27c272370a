package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/willow/pkg/metrics"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// EventDocumentsIndexed is published after each committed load
const EventDocumentsIndexed = "documents.indexed"

// Config holds Kafka configuration
type Config struct {
	Brokers []string
	Topic   string
}

// MessageWriter is the part of kafka.Writer the producer uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes indexing events to Kafka
type Producer struct {
	writer MessageWriter
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// a first publish to a missing topic otherwise fails with "Unknown Topic Or Partition"
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(writer, cfg.Topic, logger)
}

// NewProducerWithWriter creates a producer over an existing writer
func NewProducerWithWriter(writer MessageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// IndexedEvent announces documents committed for an entity type
type IndexedEvent struct {
	Type        string    `json:"type"`
	EntityType  string    `json:"entity_type"`
	Index       string    `json:"index"`
	CycleID     string    `json:"cycle_id"`
	DocumentIDs []string  `json:"document_ids"`
	Watermark   time.Time `json:"watermark"`
	Timestamp   time.Time `json:"timestamp"`
	TraceID     string    `json:"trace_id,omitempty"`
}

// PublishIndexed publishes a documents.indexed event keyed by entity type
func (p *Producer) PublishIndexed(ctx context.Context, evt *IndexedEvent) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishIndexed")
	defer span.End()

	if evt == nil {
		return fmt.Errorf("indexed event is nil")
	}

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("entity_type", evt.EntityType),
		attribute.Int("documents", len(evt.DocumentIDs)),
	)

	evt.Type = EventDocumentsIndexed
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal indexed event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "type", Value: []byte(evt.Type)},
		{Key: "entity_type", Value: []byte(evt.EntityType)},
		{Key: "cycle_id", Value: []byte(evt.CycleID)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.EntityType),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		metrics.RecordKafkaPublish(p.topic, "error")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka topic %s", p.topic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	metrics.RecordKafkaPublish(p.topic, "success")
	p.logger.WithContext(ctx).Debugf("Published indexed event to Kafka: entity=%s documents=%d cycle=%s",
		evt.EntityType, len(evt.DocumentIDs), evt.CycleID)

	return nil
}
