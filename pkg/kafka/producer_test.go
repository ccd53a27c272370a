package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestPublishIndexed(t *testing.T) {
	writer := &fakeWriter{}
	producer := NewProducerWithWriter(writer, "willow.documents.indexed", testLogger())
	watermark := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := producer.PublishIndexed(context.Background(), &IndexedEvent{
		EntityType:  "genre",
		Index:       "movies",
		CycleID:     "cycle-1",
		DocumentIDs: []string{"R1", "R2"},
		Watermark:   watermark,
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "genre", string(msg.Key))

	var evt IndexedEvent
	require.NoError(t, json.Unmarshal(msg.Value, &evt))
	assert.Equal(t, EventDocumentsIndexed, evt.Type)
	assert.Equal(t, []string{"R1", "R2"}, evt.DocumentIDs)
	assert.True(t, evt.Watermark.Equal(watermark))
	assert.False(t, evt.Timestamp.IsZero())

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "cycle-1", headers["cycle_id"])
	assert.Equal(t, EventDocumentsIndexed, headers["type"])
}

func TestPublishIndexed_WriteError(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	producer := NewProducerWithWriter(writer, "topic", testLogger())

	err := producer.PublishIndexed(context.Background(), &IndexedEvent{EntityType: "person"})
	assert.EqualError(t, err, "broker down")
}

func TestPublishIndexed_NilEvent(t *testing.T) {
	producer := NewProducerWithWriter(&fakeWriter{}, "topic", testLogger())
	assert.Error(t, producer.PublishIndexed(context.Background(), nil))
}

func TestClose(t *testing.T) {
	writer := &fakeWriter{}
	require.NoError(t, NewProducerWithWriter(writer, "topic", testLogger()).Close())
	assert.True(t, writer.closed)
}
