// Package startup brings up process dependencies in dependency order and
// tears them down in reverse.
package startup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
)

type StartupDependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type StartupStatus int

const (
	StartupStatusPending StartupStatus = iota
	StartupStatusStarting
	StartupStatusStarted
	StartupStatusStopped
	StartupStatusFailed
)

var (
	ErrUnknownDependency  = errors.New("unknown startup dependency")
	ErrDependencyCycle    = errors.New("startup dependency cycle")
	ErrDuplicateDependency = errors.New("duplicate startup dependency")
)

type Startup struct {
	dependencies map[string]StartupDependency
	order        []string
	started      []string
	logger       ectologger.Logger
	statuses     map[string]StartupStatus
	attempt      int
	maxAttempts  int

	// backoffUnit scales the fibonacci wait between attempts
	backoffUnit time.Duration
}

func NewStartup(logger ectologger.Logger, maxAttempts int) *Startup {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Startup{
		logger:       logger,
		dependencies: make(map[string]StartupDependency),
		statuses:     make(map[string]StartupStatus),
		maxAttempts:  maxAttempts,
		backoffUnit:  time.Second,
	}
}

// AddDependency registers a dependency. Dependencies start in registration order
// unless DependsOn pulls another one forward.
func (s *Startup) AddDependency(dependency StartupDependency) error {
	name := dependency.GetName()
	if _, ok := s.dependencies[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDependency, name)
	}
	s.dependencies[name] = dependency
	s.order = append(s.order, name)
	return nil
}

// Start starts every dependency, retrying the whole graph with fibonacci backoff.
// Dependencies that already started are not started again on a retry.
func (s *Startup) Start(ctx context.Context) error {
	s.attempt = 0
	var lastErr error

	a, b := 1, 1
	for s.attempt < s.maxAttempts {
		s.attempt++
		s.logger.WithContext(ctx).WithField("attempt", s.attempt).Infof("Beginning startup attempt %d", s.attempt)

		success := true
		for _, name := range s.order {
			err := s.startDependency(ctx, s.dependencies[name])
			if err != nil {
				s.logger.WithContext(ctx).WithError(err).Errorf("Startup dependency '%s' attempt %d failed", name, s.attempt)
				lastErr = err
				success = false
				break
			}
		}

		if success {
			return nil
		}
		if errors.Is(lastErr, ErrUnknownDependency) || errors.Is(lastErr, ErrDependencyCycle) {
			return lastErr
		}
		if s.attempt >= s.maxAttempts {
			return fmt.Errorf("startup failed after %d attempts: %w", s.attempt, lastErr)
		}

		waitTime := time.Duration(a) * s.backoffUnit
		s.logger.WithContext(ctx).Infof("Retrying in %s (attempt %d/%d)", waitTime, s.attempt, s.maxAttempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}

		a, b = b, a+b
	}

	return nil
}

func (s *Startup) startDependency(ctx context.Context, dependency StartupDependency) error {
	name := dependency.GetName()
	switch s.statuses[name] {
	case StartupStatusStarted:
		return nil
	case StartupStatusStarting:
		return fmt.Errorf("%w: %s", ErrDependencyCycle, name)
	}

	s.statuses[name] = StartupStatusStarting
	for _, dependencyName := range dependency.DependsOn() {
		upstream, ok := s.dependencies[dependencyName]
		if !ok {
			s.statuses[name] = StartupStatusFailed
			return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, name, dependencyName)
		}
		if err := s.startDependency(ctx, upstream); err != nil {
			s.statuses[name] = StartupStatusFailed
			return err
		}
	}

	s.logger.WithContext(ctx).WithField("dependency", name).Infof("Starting dependency '%s'", name)
	if err := dependency.Start(ctx); err != nil {
		s.statuses[name] = StartupStatusFailed
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	s.statuses[name] = StartupStatusStarted
	s.started = append(s.started, name)
	return nil
}

// Stop stops started dependencies in reverse start order. Every dependency is
// asked to stop even when an earlier one fails.
func (s *Startup) Stop(ctx context.Context) error {
	var errs []error
	for i := len(s.started) - 1; i >= 0; i-- {
		name := s.started[i]
		if s.statuses[name] != StartupStatusStarted {
			continue
		}

		log := s.logger.WithContext(ctx).WithField("dependency", name)
		log.Infof("Stopping dependency '%s'", name)
		if err := s.dependencies[name].Stop(ctx); err != nil {
			log.WithError(err).Errorf("Failed to stop dependency '%s'", name)
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", name, err))
			continue
		}
		s.statuses[name] = StartupStatusStopped
		log.Infof("Dependency '%s' stopped", name)
	}
	s.started = nil
	return errors.Join(errs...)
}

// Status returns the status of a dependency
func (s *Startup) Status(name string) StartupStatus {
	return s.statuses[name]
}
