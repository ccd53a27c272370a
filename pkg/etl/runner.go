package etl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/willow/pkg/metrics"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/redis"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

var (
	// ErrRunnerAlreadyRunning is returned when trying to start an already running runner
	ErrRunnerAlreadyRunning = errors.New("runner already running")
)

const (
	DefaultCycleDelay  = 3 * time.Second
	DefaultEntityDelay = 3 * time.Second
	DefaultLockTTL     = 5 * time.Minute
)

// CycleRunner runs one entity type through the pipeline
type CycleRunner interface {
	Run(ctx context.Context, entityType models.EntityType, cycleID string) (*CycleResult, error)
}

// Locker serializes work on a key across processes
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// RunnerConfig holds configuration for the runner
type RunnerConfig struct {
	// EntityTypes are processed in this order every cycle
	EntityTypes []models.EntityType

	// CycleDelay is the pause after a full pass over EntityTypes
	CycleDelay time.Duration

	// EntityDelay is the pause between two entity types of the same cycle
	EntityDelay time.Duration

	// LockTTL must outlast one entity type run
	LockTTL time.Duration
}

// CycleSummary counts entity type outcomes of one cycle
type CycleSummary struct {
	CycleID   string
	Committed int
	Idle      int
	Skipped   int
	Failed    int
	Duration  time.Duration
}

// Runner repeats cycles over the configured entity types until stopped
type Runner struct {
	pipeline CycleRunner
	locker   Locker
	config   RunnerConfig
	logger   ectologger.Logger

	// wait is swapped in tests
	wait func(time.Duration)

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewRunner creates a runner. A nil locker runs without cross-process locking.
func NewRunner(pipeline CycleRunner, locker Locker, config RunnerConfig, logger ectologger.Logger) *Runner {
	if config.CycleDelay < 0 {
		config.CycleDelay = DefaultCycleDelay
	}
	if config.EntityDelay < 0 {
		config.EntityDelay = DefaultEntityDelay
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}

	return &Runner{
		pipeline: pipeline,
		locker:   locker,
		config:   config,
		logger:   logger,
		wait:     time.Sleep,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

// Start runs cycles in the background until Stop is called or ctx ends
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRunnerAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()

	r.logger.WithContext(ctx).Infof("Starting runner: entity_types=%v cycle_delay=%s entity_delay=%s",
		r.config.EntityTypes, r.config.CycleDelay, r.config.EntityDelay)

	go r.loop(ctx)
	return nil
}

// Stop waits for the in-flight cycle to finish
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	r.logger.WithContext(ctx).Info("Stopping runner...")

	close(r.stopCh)

	select {
	case <-r.stoppedC:
		r.logger.WithContext(ctx).Info("Runner stopped gracefully")
	case <-ctx.Done():
		r.logger.WithContext(ctx).Warn("Runner shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the runner is running
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Done is closed once the loop has exited
func (r *Runner) Done() <-chan struct{} {
	return r.stoppedC
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.stoppedC)

	for {
		select {
		case <-r.stopCh:
			r.logger.WithContext(ctx).Debug("Runner loop stopping")
			return
		case <-ctx.Done():
			r.logger.WithContext(ctx).Debug("Runner context done")
			return
		default:
		}

		// a started cycle always completes
		r.RunCycle(context.WithoutCancel(ctx))

		timer := time.NewTimer(r.config.CycleDelay)
		select {
		case <-r.stopCh:
			timer.Stop()
			r.logger.WithContext(ctx).Debug("Runner loop stopping")
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunCycle makes one pass over every entity type. A failing entity type does not
// stop the others; its watermark stays put and it is retried next cycle.
func (r *Runner) RunCycle(ctx context.Context) CycleSummary {
	cycleID := uuid.New().String()
	ctx, span := tracing.StartSpan(ctx, "Runner.RunCycle")
	defer span.End()

	start := time.Now()
	summary := CycleSummary{CycleID: cycleID}
	log := r.logger.WithContext(ctx).WithField("cycle_id", cycleID)
	log.Debug("Running cycle")

	for i, entityType := range r.config.EntityTypes {
		if i > 0 && r.config.EntityDelay > 0 {
			r.wait(r.config.EntityDelay)
		}

		status := r.runEntity(ctx, entityType, cycleID)
		metrics.RecordCycle(string(entityType), status)
		switch status {
		case metrics.StatusCommitted:
			summary.Committed++
		case metrics.StatusIdle:
			summary.Idle++
		case metrics.StatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	summary.Duration = time.Since(start)
	log.Infof("Cycle completed: committed=%d idle=%d skipped=%d failed=%d duration=%s",
		summary.Committed, summary.Idle, summary.Skipped, summary.Failed, summary.Duration)
	return summary
}

func (r *Runner) runEntity(ctx context.Context, entityType models.EntityType, cycleID string) string {
	var result *CycleResult
	run := func() error {
		var err error
		result, err = r.pipeline.Run(ctx, entityType, cycleID)
		return err
	}

	var err error
	if r.locker == nil {
		err = run()
	} else {
		err = r.locker.WithLock(ctx, string(entityType), r.config.LockTTL, run)
	}

	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			r.logger.WithContext(ctx).Infof("Skipping %s: another process holds its lock", entityType)
			return metrics.StatusSkipped
		}
		r.logger.WithContext(ctx).WithError(err).WithField("entity_type", entityType).Error("Entity type cycle failed")
		return metrics.StatusFailed
	}
	if result != nil && result.Committed {
		return metrics.StatusCommitted
	}
	return metrics.StatusIdle
}
