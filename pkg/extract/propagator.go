package extract

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/willow/pkg/database"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// RootSet accumulates film work ids, deduplicated, in discovery order
type RootSet struct {
	ids  []string
	seen map[string]struct{}
}

func NewRootSet() *RootSet {
	return &RootSet{seen: make(map[string]struct{})}
}

// Add appends unseen ids and returns how many were new
func (s *RootSet) Add(ids ...string) int {
	added := 0
	for _, id := range ids {
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.ids = append(s.ids, id)
		added++
	}
	return added
}

func (s *RootSet) IDs() []string {
	return append([]string(nil), s.ids...)
}

func (s *RootSet) Len() int {
	return len(s.ids)
}

// Propagator maps changed rows of a linked entity type to the film works referencing them
type Propagator struct {
	db        database.Queryer
	schema    Schema
	chunkSize int
	pageSize  int
	logger    ectologger.Logger
}

func NewPropagator(db database.Queryer, schema Schema, chunkSize, pageSize int, logger ectologger.Logger) *Propagator {
	return &Propagator{
		db:        db,
		schema:    schema,
		chunkSize: chunkSize,
		pageSize:  pageSize,
		logger:    logger,
	}
}

// Propagate returns the distinct film work ids referencing changedIDs, in discovery order.
// For film works it is the identity.
func (p *Propagator) Propagate(ctx context.Context, entityType models.EntityType, changedIDs []string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "Propagator.Propagate")
	defer span.End()

	roots := NewRootSet()
	if entityType == models.EntityTypeFilmWork {
		roots.Add(changedIDs...)
		return roots.IDs(), nil
	}

	relation, ok := RelationFor(entityType)
	if !ok {
		return nil, fmt.Errorf("no relation to %s for entity type %s", filmWorkTable, entityType)
	}

	for _, chunk := range database.Chunk(changedIDs, p.chunkSize) {
		if err := p.collect(ctx, relation, chunk, roots); err != nil {
			return nil, err
		}
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": entityType,
		"changed":     len(changedIDs),
		"roots":       roots.Len(),
	}).Info("Propagated changes to film works")

	return roots.IDs(), nil
}

// collect pages through the film works referencing one chunk of changed ids
func (p *Propagator) collect(ctx context.Context, relation Relation, chunk []string, roots *RootSet) error {
	for offset := 0; ; offset += p.pageSize {
		sb := database.NewSelectBuilder()
		sb.Select("fw.id", "fw.modified").
			Distinct().
			From(p.schema.Table(filmWorkTable)+" fw").
			Join(p.schema.Table(relation.Table)+" b", "b.film_work_id = fw.id").
			Where(sb.In("b."+relation.ForeignKey, database.Args(chunk)...)).
			OrderBy("fw.modified", "fw.id").
			Limit(p.pageSize).
			Offset(offset)
		query, args := sb.Build()

		var page []models.ChangedRow
		if err := database.Conn(ctx, p.db).SelectContext(ctx, &page, query, args...); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithField("relation", relation.Table).Error("Failed to propagate changes")
			return fmt.Errorf("failed to read %s: %w", relation.Table, err)
		}

		for _, row := range page {
			roots.Add(row.ID)
		}
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"relation": relation.Table,
			"offset":   offset,
			"rows":     len(page),
		}).Debug("Read propagation page")

		if len(page) < p.pageSize {
			return nil
		}
	}
}
