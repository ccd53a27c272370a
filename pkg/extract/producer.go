package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/willow/pkg/database"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// TieGroupFactor caps a group of rows sharing one modified value at this many batches
const TieGroupFactor = 10

// ErrTieGroupTooLarge is returned when more rows share one modified value than a
// batch may grow to. The watermark cannot advance past them without losing rows.
var ErrTieGroupTooLarge = errors.New("too many rows share one modified value")

// WatermarkReader returns the committed watermark of an entity type
type WatermarkReader interface {
	Committed(ctx context.Context, entityType models.EntityType) (time.Time, error)
}

// Producer scans an entity table for rows modified after the committed watermark
type Producer struct {
	db         database.Queryer
	schema     Schema
	watermarks WatermarkReader
	batchSize  int
	logger     ectologger.Logger
}

func NewProducer(db database.Queryer, schema Schema, watermarks WatermarkReader, batchSize int, logger ectologger.Logger) *Producer {
	return &Producer{
		db:         db,
		schema:     schema,
		watermarks: watermarks,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Produce returns up to batchSize ids changed since the committed watermark, oldest first.
//
// Rows sharing the newest modified value are never split across batches: when a
// full batch ends inside such a group the group is left for the next cycle, so
// advancing the watermark to the newest modified cannot skip rows.
func (p *Producer) Produce(ctx context.Context, entityType models.EntityType) (models.Batch, error) {
	ctx, span := tracing.StartSpan(ctx, "Producer.Produce")
	defer span.End()

	batch := models.Batch{EntityType: entityType}

	since, err := p.watermarks.Committed(ctx, entityType)
	if err != nil {
		return batch, err
	}

	rows, err := p.changedSince(ctx, entityType, since, p.batchSize)
	if err != nil {
		return batch, err
	}
	if len(rows) == 0 {
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type": entityType,
			"since":       since,
		}).Debug("No changed rows")
		return batch, nil
	}

	if len(rows) == p.batchSize {
		rows, err = p.completeTail(ctx, entityType, rows)
		if err != nil {
			return batch, err
		}
	}

	newest := rows[len(rows)-1].Modified
	batch.NewestModified = &newest
	batch.IDs = make([]string, len(rows))
	for i, row := range rows {
		batch.IDs[i] = row.ID
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": entityType,
		"count":       len(batch.IDs),
		"since":       since,
		"newest":      newest,
	}).Info("Produced changed rows")
	p.logger.WithContext(ctx).WithField("ids", batch.IDs).Debugf("Changed %s ids", entityType)

	return batch, nil
}

// completeTail drops the trailing rows that share the newest modified value.
// When every row shares it, the whole group is read instead, up to
// TieGroupFactor batches.
func (p *Producer) completeTail(ctx context.Context, entityType models.EntityType, rows []models.ChangedRow) ([]models.ChangedRow, error) {
	newest := rows[len(rows)-1].Modified

	cut := len(rows)
	for cut > 0 && rows[cut-1].Modified.Equal(newest) {
		cut--
	}
	if cut > 0 {
		return rows[:cut], nil
	}

	limit := p.batchSize * TieGroupFactor
	group, err := p.modifiedAt(ctx, entityType, newest, limit+1)
	if err != nil {
		return nil, err
	}
	if len(group) > limit {
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type": entityType,
			"modified":    newest,
			"limit":       limit,
		}).Error("Rows sharing one modified value exceed the tie group limit")
		return nil, fmt.Errorf("%w: more than %d %s rows at %s", ErrTieGroupTooLarge, limit, entityType, newest.Format(time.RFC3339Nano))
	}
	p.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": entityType,
		"modified":    newest,
		"count":       len(group),
		"batch_size":  p.batchSize,
	}).Warn("More rows share one modified value than fit in a batch; reading the whole group")
	return group, nil
}

func (p *Producer) changedSince(ctx context.Context, entityType models.EntityType, since time.Time, limit int) ([]models.ChangedRow, error) {
	return p.query(ctx, entityType, p.scanBuilder(entityType, since, limit))
}

func (p *Producer) scanBuilder(entityType models.EntityType, since time.Time, limit int) *database.SelectBuilder {
	sb := database.NewSelectBuilder()
	sb.Select("id", "modified").
		From(p.schema.EntityTable(entityType)).
		Where(sb.GreaterThan("modified", since)).
		OrderBy("modified", "id").
		Limit(limit)
	return sb
}

func (p *Producer) modifiedAt(ctx context.Context, entityType models.EntityType, modified time.Time, limit int) ([]models.ChangedRow, error) {
	return p.query(ctx, entityType, p.tieGroupBuilder(entityType, modified, limit))
}

func (p *Producer) tieGroupBuilder(entityType models.EntityType, modified time.Time, limit int) *database.SelectBuilder {
	sb := database.NewSelectBuilder()
	sb.Select("id", "modified").
		From(p.schema.EntityTable(entityType)).
		Where(sb.Equal("modified", modified)).
		OrderBy("id").
		Limit(limit)
	return sb
}

func (p *Producer) query(ctx context.Context, entityType models.EntityType, sb *database.SelectBuilder) ([]models.ChangedRow, error) {
	query, args := sb.Build()

	var rows []models.ChangedRow
	if err := database.Conn(ctx, p.db).SelectContext(ctx, &rows, query, args...); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("entity_type", entityType).Error("Failed to scan changed rows")
		return nil, fmt.Errorf("failed to scan changed %s rows: %w", entityType, err)
	}
	return rows, nil
}
