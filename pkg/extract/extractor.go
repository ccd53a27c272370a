package extract

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/willow/pkg/database"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/redis"
	"github.com/Ramsey-B/willow/pkg/retry"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// PendingStager records the newest modified of a produced batch
type PendingStager interface {
	StagePending(ctx context.Context, entityType models.EntityType, modified time.Time) error
}

// Extraction is what one entity type's change scan yields for a cycle
type Extraction struct {
	Batch   models.Batch
	RootIDs []string
	Rows    []models.AggregateRow
}

// Empty reports whether the change scan found nothing
func (e *Extraction) Empty() bool {
	return e.Batch.Empty()
}

// Extractor runs produce, stage, propagate and join over one database snapshot
type Extractor struct {
	db         database.DB
	producer   *Producer
	propagator *Propagator
	joiner     *Joiner
	stager     PendingStager
	policy     retry.Policy
	logger     ectologger.Logger
}

func NewExtractor(db database.DB, producer *Producer, propagator *Propagator, joiner *Joiner, stager PendingStager, policy retry.Policy, logger ectologger.Logger) *Extractor {
	return &Extractor{
		db:         db,
		producer:   producer,
		propagator: propagator,
		joiner:     joiner,
		stager:     stager,
		policy:     policy,
		logger:     logger,
	}
}

// Extract returns the changed batch of entityType and the aggregate rows of every film work it affects.
// Transient database or watermark store failures retry the whole extraction.
func (e *Extractor) Extract(ctx context.Context, entityType models.EntityType) (*Extraction, error) {
	ctx, span := tracing.StartSpan(ctx, "Extractor.Extract")
	defer span.End()

	transient := retry.Any(database.IsTransient, redis.IsTransient)
	extraction, err := retry.Do(ctx, e.policy, "extract."+string(entityType), transient, func() (*Extraction, error) {
		return e.extractOnce(ctx, entityType)
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return extraction, nil
}

func (e *Extractor) extractOnce(ctx context.Context, entityType models.EntityType) (*Extraction, error) {
	extraction := &Extraction{}

	err := e.db.WithSnapshot(ctx, func(ctx context.Context) error {
		batch, err := e.producer.Produce(ctx, entityType)
		if err != nil {
			return err
		}
		extraction.Batch = batch
		if batch.Empty() {
			return nil
		}

		if err := e.stager.StagePending(ctx, entityType, *batch.NewestModified); err != nil {
			return err
		}

		rootIDs, err := e.propagator.Propagate(ctx, entityType, batch.IDs)
		if err != nil {
			return err
		}
		extraction.RootIDs = rootIDs

		rows, err := e.joiner.Join(ctx, rootIDs)
		if err != nil {
			return err
		}
		extraction.Rows = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !extraction.Empty() {
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type": entityType,
			"changed":     len(extraction.Batch.IDs),
			"roots":       len(extraction.RootIDs),
			"rows":        len(extraction.Rows),
		}).Info("Extracted changes")
	}
	return extraction, nil
}
