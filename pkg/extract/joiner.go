package extract

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/willow/pkg/database"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// persons packs "<id>,<full name>" per contributor of the row's role
const personsColumn = "COALESCE(ARRAY_AGG(DISTINCT p.id::text || ',' || COALESCE(p.full_name, '')) FILTER (WHERE p.id IS NOT NULL), '{}') AS persons"

const genresColumn = "COALESCE(ARRAY_AGG(DISTINCT g.name) FILTER (WHERE g.name IS NOT NULL), '{}') AS genres"

// Joiner reads the full aggregate of film works, one row per (film work, role)
type Joiner struct {
	db        database.Queryer
	schema    Schema
	batchSize int
	logger    ectologger.Logger
}

func NewJoiner(db database.Queryer, schema Schema, batchSize int, logger ectologger.Logger) *Joiner {
	return &Joiner{
		db:        db,
		schema:    schema,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Join fetches the aggregate rows of rootIDs in batches. rootIDs must already be distinct.
func (j *Joiner) Join(ctx context.Context, rootIDs []string) ([]models.AggregateRow, error) {
	ctx, span := tracing.StartSpan(ctx, "Joiner.Join")
	defer span.End()

	if len(rootIDs) == 0 {
		return nil, nil
	}

	var rows []models.AggregateRow
	for _, batch := range database.Chunk(rootIDs, j.batchSize) {
		query, args := j.buildQuery(batch)

		var page []models.AggregateRow
		if err := database.Conn(ctx, j.db).SelectContext(ctx, &page, query, args...); err != nil {
			j.logger.WithContext(ctx).WithError(err).WithField("count", len(batch)).Error("Failed to join film works")
			return nil, fmt.Errorf("failed to join film works: %w", err)
		}
		rows = append(rows, page...)
	}

	j.logger.WithContext(ctx).WithFields(map[string]any{
		"roots": len(rootIDs),
		"rows":  len(rows),
	}).Info("Joined film works")

	return rows, nil
}

func (j *Joiner) buildQuery(rootIDs []string) (string, []any) {
	sb := database.NewSelectBuilder()
	sb.Select("fw.id", "fw.title", "fw.description", "fw.rating", "pfw.role", personsColumn, genresColumn).
		From(j.schema.Table(filmWorkTable)+" fw").
		JoinWithOption(sqlbuilder.LeftJoin, j.schema.Table(personFilmWorkTable)+" pfw", "pfw.film_work_id = fw.id").
		JoinWithOption(sqlbuilder.LeftJoin, j.schema.Table(personTable)+" p", "p.id = pfw.person_id").
		JoinWithOption(sqlbuilder.LeftJoin, j.schema.Table(genreFilmWorkTable)+" gfw", "gfw.film_work_id = fw.id").
		JoinWithOption(sqlbuilder.LeftJoin, j.schema.Table(genreTable)+" g", "g.id = gfw.genre_id").
		Where(sb.In("fw.id", database.Args(rootIDs)...)).
		GroupBy("fw.id", "fw.title", "fw.description", "fw.rating", "pfw.role").
		OrderBy("fw.id")

	return sb.Build()
}
