package state

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/redis"
	"github.com/Ramsey-B/willow/pkg/retry"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Logger: testLogger()}
}

func newRedisState(t *testing.T) (*State, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(redis.NewClientFromRedis(rdb, testLogger()), testPolicy(), testLogger()), mr
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "person_modified", CommittedKey(models.EntityTypePerson))
	assert.Equal(t, "person_modified_pending", PendingKey(models.EntityTypePerson))
	assert.NotEqual(t, CommittedKey(models.EntityTypeGenre), PendingKey(models.EntityTypeGenre))
}

func TestCommitted_MissingIsEpoch(t *testing.T) {
	s, _ := newRedisState(t)

	got, err := s.Committed(context.Background(), models.EntityTypeFilmWork)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestStagePending_DoesNotTouchCommitted(t *testing.T) {
	s, mr := newRedisState(t)
	ctx := context.Background()
	newest := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.StagePending(ctx, models.EntityTypeGenre, newest))

	assert.False(t, mr.Exists("genre_modified"))
	pending, err := s.Pending(ctx, models.EntityTypeGenre)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.True(t, pending.Equal(newest))

	committed, err := s.Committed(ctx, models.EntityTypeGenre)
	require.NoError(t, err)
	assert.True(t, committed.Equal(Epoch))
}

func TestCommit_PromotesPending(t *testing.T) {
	s, mr := newRedisState(t)
	ctx := context.Background()
	newest := time.Date(2024, 1, 1, 10, 0, 0, 123456000, time.UTC)

	require.NoError(t, s.StagePending(ctx, models.EntityTypePerson, newest))
	got, err := s.Commit(ctx, models.EntityTypePerson)
	require.NoError(t, err)
	assert.True(t, got.Equal(newest))

	stored, err := mr.Get("person_modified")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T10:00:00.123456Z", stored)
}

func TestCommit_NeverMovesBackwards(t *testing.T) {
	s, mr := newRedisState(t)
	ctx := context.Background()
	committed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, mr.Set("film_work_modified", Format(committed)))

	require.NoError(t, s.StagePending(ctx, models.EntityTypeFilmWork, committed.Add(-time.Hour)))
	got, err := s.Commit(ctx, models.EntityTypeFilmWork)
	require.NoError(t, err)
	assert.True(t, got.Equal(committed))

	stored, _ := mr.Get("film_work_modified")
	assert.Equal(t, Format(committed), stored)
}

func TestCommit_WithoutPending(t *testing.T) {
	s, _ := newRedisState(t)

	_, err := s.Commit(context.Background(), models.EntityTypeGenre)
	assert.ErrorIs(t, err, ErrNoPendingWatermark)
}

func TestCommitted_ReadsPreviousFormat(t *testing.T) {
	s, mr := newRedisState(t)
	require.NoError(t, mr.Set("genre_modified", "2021-06-16 20:14:09.221838+00:00"))

	got, err := s.Committed(context.Background(), models.EntityTypeGenre)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2021, 6, 16, 20, 14, 9, 221838000, time.UTC)))
}

func TestCommitted_InvalidValue(t *testing.T) {
	s, mr := newRedisState(t)
	require.NoError(t, mr.Set("genre_modified", "yesterday"))

	_, err := s.Committed(context.Background(), models.EntityTypeGenre)
	assert.Error(t, err)
}

type flakyStorage struct {
	failures int
	calls    int
	values   map[string]string
}

func (f *flakyStorage) Get(_ context.Context, key string) (string, bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", false, io.ErrUnexpectedEOF
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *flakyStorage) Set(_ context.Context, key string, value string) error {
	f.values[key] = value
	return nil
}

func TestCommitted_RetriesTransientErrors(t *testing.T) {
	storage := &flakyStorage{failures: 2, values: map[string]string{"genre_modified": "2024-01-01T00:00:00Z"}}
	s := New(storage, testPolicy(), testLogger())

	got, err := s.Committed(context.Background(), models.EntityTypeGenre)
	require.NoError(t, err)
	assert.Equal(t, 3, storage.calls)
	assert.True(t, got.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestCommitted_GivesUpAfterBudget(t *testing.T) {
	storage := &flakyStorage{failures: 10, values: map[string]string{}}
	s := New(storage, testPolicy(), testLogger())

	_, err := s.Committed(context.Background(), models.EntityTypeGenre)
	require.Error(t, err)
	assert.True(t, retry.IsExhausted(err))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-01T00:00:00Z", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01T03:00:00+03:00", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01 00:00:00+00:00", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01 00:00:00.5+00:00", time.Date(2024, 1, 1, 0, 0, 0, 500000000, time.UTC)},
		{"2024-01-01 00:00:00", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s", got)
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 10, time.FixedZone("x", 3600))
	got, err := Parse(Format(ts))
	require.NoError(t, err)
	assert.True(t, got.Equal(ts))
}
