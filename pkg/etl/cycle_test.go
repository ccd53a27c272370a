package etl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/willow/pkg/database"
	"github.com/Ramsey-B/willow/pkg/extract"
	"github.com/Ramsey-B/willow/pkg/load"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/retry"
	"github.com/Ramsey-B/willow/pkg/search"
	"github.com/Ramsey-B/willow/pkg/state"
)

const (
	scanFilmWorks = `SELECT id, modified FROM content\.film_work WHERE modified > \$1 ORDER BY modified, id`
	joinFilmWorks = `SELECT fw\.id, fw\.title, fw\.description, fw\.rating, pfw\.role`
)

// memoryIndex keeps the latest document per id; err fails the next bulk request
type memoryIndex struct {
	docs map[string]models.Document
	err  error
}

func (m *memoryIndex) BulkUpsert(_ context.Context, _ string, docs []models.Document) (*search.BulkResult, error) {
	if m.err != nil {
		err := m.err
		m.err = nil
		return nil, err
	}
	for _, doc := range docs {
		m.docs[doc.ID] = doc
	}
	return &search.BulkResult{Indexed: len(docs)}, nil
}

type cycleFixture struct {
	pipeline *Pipeline
	state    *state.State
	index    *memoryIndex
	mock     sqlmock.Sqlmock
}

func newCycleFixture(t *testing.T) *cycleFixture {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	logger := testLogger()
	policy := retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Logger: logger}
	db := database.NewDatabaseInstance(sqlx.NewDb(mockDB, "sqlmock"), logger)
	watermarks := state.New(newRedis(t), policy, logger)
	schema := extract.DefaultSchema("content")

	extractor := extract.NewExtractor(
		db,
		extract.NewProducer(db, schema, watermarks, 10, logger),
		extract.NewPropagator(db, schema, 10, 10, logger),
		extract.NewJoiner(db, schema, 10, logger),
		watermarks,
		policy,
		logger,
	)
	index := &memoryIndex{docs: map[string]models.Document{}}
	loader := load.NewLoader(index, watermarks, policy, logger)

	return &cycleFixture{
		pipeline: NewPipeline(extractor, loader, watermarks, nil, nil, "movies", logger),
		state:    watermarks,
		index:    index,
		mock:     mock,
	}
}

func (f *cycleFixture) expectFilmWorks(changed *sqlmock.Rows, joined *sqlmock.Rows) {
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(scanFilmWorks).WillReturnRows(changed)
	f.mock.ExpectQuery(joinFilmWorks).WillReturnRows(joined)
	f.mock.ExpectCommit()
}

func aggregateRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "title", "description", "rating", "role", "persons", "genres"})
}

func TestCycle_CommitsNewestModifiedThenHoldsItOnFailedLoad(t *testing.T) {
	f := newCycleFixture(t)
	ctx := context.Background()
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t3 := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)

	// fresh store: everything since the epoch
	f.expectFilmWorks(
		sqlmock.NewRows([]string{"id", "modified"}).AddRow("R1", t1).AddRow("R2", t2),
		aggregateRows().
			AddRow("R1", "One", nil, nil, "actor", `{"C1,Ann Lee"}`, `{Drama}`).
			AddRow("R2", "Two", nil, nil, nil, `{}`, `{}`),
	)

	result, err := f.pipeline.Run(ctx, models.EntityTypeFilmWork, "cycle-1")
	require.NoError(t, err)
	assert.True(t, result.Committed)

	committed, err := f.state.Committed(ctx, models.EntityTypeFilmWork)
	require.NoError(t, err)
	assert.True(t, t2.Equal(committed))
	assert.Len(t, f.index.docs, 2)
	assert.Equal(t, []string{"Ann Lee"}, f.index.docs["R1"].ActorsNames)

	// a rejected bulk request leaves the committed watermark where it was
	f.expectFilmWorks(
		sqlmock.NewRows([]string{"id", "modified"}).AddRow("R3", t3),
		aggregateRows().AddRow("R3", "Three", nil, nil, nil, `{}`, `{}`),
	)
	f.index.err = errors.New("mapper_parsing_exception")

	result, err = f.pipeline.Run(ctx, models.EntityTypeFilmWork, "cycle-2")
	require.Error(t, err)
	assert.False(t, result.Committed)

	committed, err = f.state.Committed(ctx, models.EntityTypeFilmWork)
	require.NoError(t, err)
	assert.True(t, t2.Equal(committed))

	pending, err := f.state.Pending(ctx, models.EntityTypeFilmWork)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.True(t, t3.Equal(*pending))
	assert.NotContains(t, f.index.docs, "R3")

	assert.NoError(t, f.mock.ExpectationsWereMet())
}
