package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/willow/pkg/tracing"
)

const (
	// DefaultDLQStream is the default dead letter queue stream name
	DefaultDLQStream = "willow:dlq"

	// DLQMaxLen is the maximum length of the DLQ stream (oldest entries trimmed)
	DLQMaxLen = 10000
)

// DeadLetterReason classifies why a document was dead-lettered
type DeadLetterReason string

const (
	DeadLetterReasonTransform DeadLetterReason = "transform_failed"
)

// DeadLetterQueue keeps film works that could not be turned into documents
type DeadLetterQueue struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

// NewDeadLetterQueue creates a new dead letter queue handler
func NewDeadLetterQueue(client *Client, streamName string, logger ectologger.Logger) *DeadLetterQueue {
	if streamName == "" {
		streamName = DefaultDLQStream
	}
	return &DeadLetterQueue{
		client:     client,
		streamName: streamName,
		logger:     logger,
	}
}

// DLQEntry represents a dead letter queue entry
type DLQEntry struct {
	ID           string           `json:"id"`
	EntityType   string           `json:"entity_type"`
	RootID       string           `json:"root_id"`
	Reason       DeadLetterReason `json:"reason"`
	ErrorMessage string           `json:"error_message"`
	CycleID      string           `json:"cycle_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	TraceID      string           `json:"trace_id,omitempty"`
}

// Add appends an entry to the dead letter stream
func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Add")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	messageID, err := d.client.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":        string(data),
			"entity_type": entry.EntityType,
			"root_id":     entry.RootID,
			"reason":      string(entry.Reason),
		},
	}).Result()

	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Error("Failed to add document to DLQ")
		return "", fmt.Errorf("failed to add to DLQ: %w", err)
	}

	d.logger.WithContext(ctx).Infof("Added document to DLQ: root=%s entity=%s reason=%s", entry.RootID, entry.EntityType, entry.Reason)
	return messageID, nil
}

// Count returns the number of entries in the DLQ
func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.Redis().XLen(ctx, d.streamName).Result()
}
