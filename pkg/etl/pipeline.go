// Package etl drives extract, transform and load for each entity type.
package etl

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/willow/pkg/extract"
	"github.com/Ramsey-B/willow/pkg/kafka"
	"github.com/Ramsey-B/willow/pkg/metrics"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/redis"
	"github.com/Ramsey-B/willow/pkg/tracing"
	"github.com/Ramsey-B/willow/pkg/transform"
)

// Phase is the stage a cycle reached
type Phase string

const (
	PhaseExtract   Phase = "extract"
	PhaseTransform Phase = "transform"
	PhaseLoad      Phase = "load"
	PhaseIdle      Phase = "idle"
)

type Extractor interface {
	Extract(ctx context.Context, entityType models.EntityType) (*extract.Extraction, error)
}

type Loader interface {
	Load(ctx context.Context, docs []models.Document, indexName string, entityType models.EntityType) (bool, error)
}

type WatermarkReader interface {
	Committed(ctx context.Context, entityType models.EntityType) (time.Time, error)
}

type DeadLetters interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
	Count(ctx context.Context) (int64, error)
}

type EventPublisher interface {
	PublishIndexed(ctx context.Context, evt *kafka.IndexedEvent) error
}

// CycleResult describes one entity type cycle
type CycleResult struct {
	EntityType models.EntityType
	CycleID    string
	Phase      Phase
	Changed    int
	Roots      int
	Indexed    int
	Failed     int
	Committed  bool
	Watermark  time.Time
}

type Pipeline struct {
	extractor  Extractor
	loader     Loader
	watermarks WatermarkReader
	dlq        DeadLetters
	events     EventPublisher
	index      string
	logger     ectologger.Logger
}

// NewPipeline creates a pipeline. dlq and events may be nil.
func NewPipeline(extractor Extractor, loader Loader, watermarks WatermarkReader, dlq DeadLetters, events EventPublisher, index string, logger ectologger.Logger) *Pipeline {
	return &Pipeline{
		extractor:  extractor,
		loader:     loader,
		watermarks: watermarks,
		dlq:        dlq,
		events:     events,
		index:      index,
		logger:     logger,
	}
}

// Run takes entityType through extract, transform and load once.
// The returned result carries the phase reached even when err is not nil.
func (p *Pipeline) Run(ctx context.Context, entityType models.EntityType, cycleID string) (*CycleResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Pipeline.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity_type", string(entityType)),
		attribute.String("cycle_id", cycleID),
	)

	result := &CycleResult{EntityType: entityType, CycleID: cycleID, Phase: PhaseExtract}
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": entityType,
		"cycle_id":    cycleID,
	})

	start := time.Now()
	extraction, err := p.extractor.Extract(ctx, entityType)
	metrics.RecordStage(string(entityType), string(PhaseExtract), time.Since(start))
	if err != nil {
		tracing.RecordError(span, err)
		log.WithError(err).Error("Extraction failed; watermark unchanged")
		return result, err
	}
	if extraction.Empty() {
		result.Phase = PhaseIdle
		log.Debug("No changes")
		return result, nil
	}
	result.Changed = len(extraction.Batch.IDs)
	result.Roots = len(extraction.RootIDs)
	metrics.RecordChangedRows(string(entityType), result.Changed)

	result.Phase = PhaseTransform
	start = time.Now()
	transformed := transform.Transform(extraction.Rows)
	metrics.RecordStage(string(entityType), string(PhaseTransform), time.Since(start))
	result.Failed = len(transformed.Failures)
	for _, failure := range transformed.Failures {
		p.deadLetter(ctx, entityType, cycleID, failure)
	}
	if result.Failed > 0 && p.dlq != nil {
		if depth, err := p.dlq.Count(ctx); err != nil {
			log.WithError(err).Warn("Failed to read dead letter depth")
		} else {
			metrics.SetDeadLetterDepth(depth)
		}
	}

	result.Phase = PhaseLoad
	start = time.Now()
	committed, err := p.loader.Load(ctx, transformed.Documents, p.index, entityType)
	metrics.RecordStage(string(entityType), string(PhaseLoad), time.Since(start))
	if err != nil {
		tracing.RecordError(span, err)
		log.WithError(err).Error("Load failed; watermark unchanged")
		return result, err
	}
	result.Committed = committed
	result.Indexed = len(transformed.Documents)
	metrics.RecordIndexed(string(entityType), result.Indexed)

	watermark, err := p.watermarks.Committed(ctx, entityType)
	if err != nil {
		log.WithError(err).Warn("Failed to read committed watermark after commit")
	} else {
		result.Watermark = watermark
		metrics.SetCommittedWatermark(string(entityType), watermark)
	}

	p.publish(ctx, result, transformed.Documents)
	result.Phase = PhaseIdle

	log.WithFields(map[string]any{
		"changed":   result.Changed,
		"roots":     result.Roots,
		"indexed":   result.Indexed,
		"failed":    result.Failed,
		"watermark": result.Watermark,
	}).Info("Cycle committed")
	return result, nil
}

func (p *Pipeline) deadLetter(ctx context.Context, entityType models.EntityType, cycleID string, failure *transform.DocumentError) {
	metrics.RecordTransformFailure(string(entityType), failure.Field)
	p.logger.WithContext(ctx).WithError(failure).WithFields(map[string]any{
		"entity_type": entityType,
		"root_id":     failure.RootID,
		"field":       failure.Field,
	}).Warn("Skipping document that failed transformation")

	if p.dlq == nil {
		return
	}
	_, err := p.dlq.Add(ctx, &redis.DLQEntry{
		EntityType:   string(entityType),
		RootID:       failure.RootID,
		Reason:       redis.DeadLetterReasonTransform,
		ErrorMessage: failure.Error(),
		CycleID:      cycleID,
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("root_id", failure.RootID).Error("Failed to dead-letter document")
	}
}

// publish announces the committed documents; failures never undo the commit
func (p *Pipeline) publish(ctx context.Context, result *CycleResult, docs []models.Document) {
	if p.events == nil || len(docs) == 0 {
		return
	}

	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	err := p.events.PublishIndexed(ctx, &kafka.IndexedEvent{
		EntityType:  string(result.EntityType),
		Index:       p.index,
		CycleID:     result.CycleID,
		DocumentIDs: ids,
		Watermark:   result.Watermark,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.WithContext(ctx).WithError(err).WithField("entity_type", result.EntityType).Warn("Failed to publish indexed event")
	}
}
