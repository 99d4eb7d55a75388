package drip

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	runs     atomic.Int32
	deadline atomic.Bool
	err      error
}

func (r *countingRunner) ProcessQueue(ctx context.Context) (*ProcessResult, error) {
	r.runs.Add(1)
	_, ok := ctx.Deadline()
	r.deadline.Store(ok)
	if r.err != nil {
		return nil, r.err
	}
	return &ProcessResult{}, nil
}

func TestNewScheduler_Validation(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{}, &countingRunner{})
	require.Error(t, err)

	_, err = NewScheduler(SchedulerConfig{Spec: "not a cron spec"}, &countingRunner{})
	require.Error(t, err)

	s, err := NewScheduler(SchedulerConfig{Spec: "*/5 * * * *"}, &countingRunner{})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, s.config.RunTimeout)
}

func TestScheduler_RunCallsRunnerWithDeadline(t *testing.T) {
	runner := &countingRunner{}
	s, err := NewScheduler(SchedulerConfig{Spec: "@every 1h", RunTimeout: time.Second}, runner)
	require.NoError(t, err)

	s.run()
	assert.Equal(t, int32(1), runner.runs.Load())
	assert.True(t, runner.deadline.Load())

	runner.err = errBoom
	s.run()
	assert.Equal(t, int32(2), runner.runs.Load())
}

func TestScheduler_StartStop(t *testing.T) {
	runner := &countingRunner{}
	s, err := NewScheduler(SchedulerConfig{Spec: "@every 1h"}, runner)
	require.NoError(t, err)

	s.Start()
	s.Stop()
	assert.Zero(t, runner.runs.Load())
}
