// Package metrics provides Prometheus metrics for the willow ETL.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	StatusCommitted = "committed"
	StatusIdle      = "idle"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

var (
	// CyclesTotal tracks entity type cycles by outcome
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "willow",
			Subsystem: "etl",
			Name:      "cycles_total",
			Help:      "Total number of entity type cycles by status",
		},
		[]string{"entity_type", "status"},
	)

	// StageDuration tracks the duration of extract, transform and load
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "willow",
			Subsystem: "etl",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"entity_type", "stage"},
	)

	// ChangedRowsTotal tracks rows returned by the change scan
	ChangedRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "willow",
			Subsystem: "etl",
			Name:      "changed_rows_total",
			Help:      "Total number of changed rows produced",
		},
		[]string{"entity_type"},
	)

	// DocumentsIndexedTotal tracks documents accepted by the index
	DocumentsIndexedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "willow",
			Subsystem: "load",
			Name:      "documents_indexed_total",
			Help:      "Total number of documents indexed",
		},
		[]string{"entity_type"},
	)

	// TransformFailuresTotal tracks documents dropped for data-quality errors
	TransformFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "willow",
			Subsystem: "transform",
			Name:      "failures_total",
			Help:      "Total number of documents that failed transformation",
		},
		[]string{"entity_type", "field"},
	)

	// CommittedWatermark exposes the committed watermark as a unix timestamp
	CommittedWatermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "willow",
			Subsystem: "state",
			Name:      "committed_watermark_seconds",
			Help:      "Committed watermark per entity type as unix seconds",
		},
		[]string{"entity_type"},
	)

	// DeadLetterDepth is the length of the dead letter stream
	DeadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "willow",
			Subsystem: "dlq",
			Name:      "depth",
			Help:      "Number of entries in the dead letter stream",
		},
	)

	// KafkaMessagesPublished tracks indexed events published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "willow",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of Kafka messages published",
		},
		[]string{"topic", "status"},
	)
)

// RecordCycle records the outcome of one entity type cycle
func RecordCycle(entityType, status string) {
	CyclesTotal.WithLabelValues(entityType, status).Inc()
}

// RecordStage records how long a stage took
func RecordStage(entityType, stage string, duration time.Duration) {
	StageDuration.WithLabelValues(entityType, stage).Observe(duration.Seconds())
}

// RecordChangedRows records the size of a produced batch
func RecordChangedRows(entityType string, count int) {
	ChangedRowsTotal.WithLabelValues(entityType).Add(float64(count))
}

// RecordIndexed records documents accepted by the index
func RecordIndexed(entityType string, count int) {
	DocumentsIndexedTotal.WithLabelValues(entityType).Add(float64(count))
}

// RecordTransformFailure records a document dropped by the transformer
func RecordTransformFailure(entityType, field string) {
	TransformFailuresTotal.WithLabelValues(entityType, field).Inc()
}

// SetCommittedWatermark records the committed watermark
func SetCommittedWatermark(entityType string, watermark time.Time) {
	CommittedWatermark.WithLabelValues(entityType).Set(float64(watermark.Unix()))
}

// SetDeadLetterDepth records the dead letter stream length
func SetDeadLetterDepth(depth int64) {
	DeadLetterDepth.Set(float64(depth))
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}
