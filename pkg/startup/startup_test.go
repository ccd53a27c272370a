package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDependency struct {
	name      string
	dependsOn []string
	failures  int
	stopErr   error
	log       *[]string
}

func (d *fakeDependency) GetName() string     { return d.name }
func (d *fakeDependency) DependsOn() []string { return d.dependsOn }

func (d *fakeDependency) Start(context.Context) error {
	if d.failures > 0 {
		d.failures--
		return errors.New(d.name + " unavailable")
	}
	*d.log = append(*d.log, "start "+d.name)
	return nil
}

func (d *fakeDependency) Stop(context.Context) error {
	*d.log = append(*d.log, "stop "+d.name)
	return d.stopErr
}

func newTestStartup(maxAttempts int) *Startup {
	s := NewStartup(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), maxAttempts)
	s.backoffUnit = time.Millisecond
	return s
}

func TestStartup_StartsInDependencyOrderAndStopsInReverse(t *testing.T) {
	var log []string
	s := newTestStartup(1)
	require.NoError(t, s.AddDependency(&fakeDependency{name: "runner", dependsOn: []string{"postgres", "redis"}, log: &log}))
	require.NoError(t, s.AddDependency(&fakeDependency{name: "postgres", log: &log}))
	require.NoError(t, s.AddDependency(&fakeDependency{name: "redis", log: &log}))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start postgres", "start redis", "start runner"}, log)
	assert.Equal(t, StartupStatusStarted, s.Status("runner"))

	log = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop runner", "stop redis", "stop postgres"}, log)
	assert.Equal(t, StartupStatusStopped, s.Status("postgres"))
}

func TestStartup_RetriesOnlyUnstartedDependencies(t *testing.T) {
	var log []string
	s := newTestStartup(3)
	require.NoError(t, s.AddDependency(&fakeDependency{name: "postgres", log: &log}))
	require.NoError(t, s.AddDependency(&fakeDependency{name: "elasticsearch", failures: 2, log: &log}))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start postgres", "start elasticsearch"}, log)
	assert.Equal(t, 3, s.attempt)
}

func TestStartup_GivesUpAfterMaxAttempts(t *testing.T) {
	var log []string
	s := newTestStartup(2)
	require.NoError(t, s.AddDependency(&fakeDependency{name: "redis", failures: 5, log: &log}))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, StartupStatusFailed, s.Status("redis"))
}

func TestStartup_UnknownDependencyFailsFast(t *testing.T) {
	var log []string
	s := newTestStartup(5)
	require.NoError(t, s.AddDependency(&fakeDependency{name: "runner", dependsOn: []string{"kafka"}, log: &log}))

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrUnknownDependency)
	assert.Equal(t, 1, s.attempt)
}

func TestStartup_DetectsCycles(t *testing.T) {
	var log []string
	s := newTestStartup(1)
	require.NoError(t, s.AddDependency(&fakeDependency{name: "a", dependsOn: []string{"b"}, log: &log}))
	require.NoError(t, s.AddDependency(&fakeDependency{name: "b", dependsOn: []string{"a"}, log: &log}))

	assert.ErrorIs(t, s.Start(context.Background()), ErrDependencyCycle)
	assert.Empty(t, log)
}

func TestStartup_RejectsDuplicates(t *testing.T) {
	var log []string
	s := newTestStartup(1)
	require.NoError(t, s.AddDependency(&fakeDependency{name: "redis", log: &log}))
	assert.ErrorIs(t, s.AddDependency(&fakeDependency{name: "redis", log: &log}), ErrDuplicateDependency)
}

func TestStartup_StopContinuesPastFailures(t *testing.T) {
	var log []string
	s := newTestStartup(1)
	require.NoError(t, s.AddDependency(&fakeDependency{name: "postgres", log: &log}))
	require.NoError(t, s.AddDependency(&fakeDependency{name: "kafka", stopErr: errors.New("flush failed"), log: &log}))
	require.NoError(t, s.Start(context.Background()))

	log = nil
	err := s.Stop(context.Background())
	assert.ErrorContains(t, err, "flush failed")
	assert.Equal(t, []string{"stop kafka", "stop postgres"}, log)
}
