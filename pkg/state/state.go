// Package state keeps the per entity type watermarks.
//
// Each entity type has a committed watermark, read by the change scan, and a
// pending watermark staged by the extraction of the current cycle. Only Commit
// moves the pending value over the committed one.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/redis"
	"github.com/Ramsey-B/willow/pkg/retry"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// ErrNoPendingWatermark is returned by Commit when nothing was staged
var ErrNoPendingWatermark = errors.New("no pending watermark")

// Epoch is the watermark of an entity type that was never committed
var Epoch = time.Unix(0, 0).UTC()

// Storage is a get/set key-value store. found is false for a missing key.
type Storage interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value string) error
}

type State struct {
	storage Storage
	policy  retry.Policy
	logger  ectologger.Logger
}

func New(storage Storage, policy retry.Policy, logger ectologger.Logger) *State {
	return &State{
		storage: storage,
		policy:  policy,
		logger:  logger,
	}
}

// CommittedKey is the key read by the change scan
func CommittedKey(entityType models.EntityType) string {
	return fmt.Sprintf("%s_modified", entityType)
}

// PendingKey is the key staged during extraction
func PendingKey(entityType models.EntityType) string {
	return fmt.Sprintf("%s_modified_pending", entityType)
}

// Committed returns the committed watermark, or Epoch when none exists
func (s *State) Committed(ctx context.Context, entityType models.EntityType) (time.Time, error) {
	ctx, span := tracing.StartSpan(ctx, "State.Committed")
	defer span.End()

	ts, found, err := s.read(ctx, CommittedKey(entityType))
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return Epoch, nil
	}
	return ts, nil
}

// Pending returns the staged watermark, or nil when none exists
func (s *State) Pending(ctx context.Context, entityType models.EntityType) (*time.Time, error) {
	ctx, span := tracing.StartSpan(ctx, "State.Pending")
	defer span.End()

	ts, found, err := s.read(ctx, PendingKey(entityType))
	if err != nil || !found {
		return nil, err
	}
	return &ts, nil
}

// StagePending records the newest modified seen by the current extraction
func (s *State) StagePending(ctx context.Context, entityType models.EntityType, modified time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "State.StagePending")
	defer span.End()

	if err := s.write(ctx, PendingKey(entityType), modified); err != nil {
		return err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": entityType,
		"pending":     Format(modified),
	}).Debug("Staged pending watermark")
	return nil
}

// Commit promotes the pending watermark to committed and returns the committed value.
// The committed watermark never moves backwards.
func (s *State) Commit(ctx context.Context, entityType models.EntityType) (time.Time, error) {
	ctx, span := tracing.StartSpan(ctx, "State.Commit")
	defer span.End()

	pending, err := s.Pending(ctx, entityType)
	if err != nil {
		return time.Time{}, err
	}
	if pending == nil {
		return time.Time{}, fmt.Errorf("%s: %w", entityType, ErrNoPendingWatermark)
	}

	committed, err := s.Committed(ctx, entityType)
	if err != nil {
		return time.Time{}, err
	}

	if !pending.After(committed) {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type": entityType,
			"committed":   Format(committed),
			"pending":     Format(*pending),
		}).Debug("Pending watermark is not newer than committed, keeping committed")
		return committed, nil
	}

	if err := s.write(ctx, CommittedKey(entityType), *pending); err != nil {
		return time.Time{}, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": entityType,
		"previous":    Format(committed),
		"committed":   Format(*pending),
	}).Info("Committed watermark")
	return *pending, nil
}

func (s *State) read(ctx context.Context, key string) (time.Time, bool, error) {
	type result struct {
		value string
		found bool
	}

	res, err := retry.Do(ctx, s.policy, "state.get", redis.IsTransient, func() (result, error) {
		value, found, err := s.storage.Get(ctx, key)
		return result{value: value, found: found}, err
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("key", key).Error("Failed to read watermark")
		return time.Time{}, false, fmt.Errorf("failed to read watermark %s: %w", key, err)
	}
	if !res.found {
		return time.Time{}, false, nil
	}

	ts, err := Parse(res.value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid watermark %s: %w", key, err)
	}
	return ts, true, nil
}

func (s *State) write(ctx context.Context, key string, ts time.Time) error {
	_, err := retry.Do(ctx, s.policy, "state.set", redis.IsTransient, func() (struct{}, error) {
		return struct{}{}, s.storage.Set(ctx, key, Format(ts))
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("key", key).Error("Failed to write watermark")
		return fmt.Errorf("failed to write watermark %s: %w", key, err)
	}
	return nil
}
