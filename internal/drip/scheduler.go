package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// QueueRunner drains the due-work queue once.
type QueueRunner interface {
	ProcessQueue(ctx context.Context) (*ProcessResult, error)
}

// SchedulerConfig contains in-process trigger configuration.
type SchedulerConfig struct {
	// Spec is a standard five-field cron expression.
	Spec       string
	RunTimeout time.Duration
}

// Scheduler triggers queue processing on a cron schedule.
// It is an alternative to an external caller hitting the cron endpoint.
type Scheduler struct {
	config SchedulerConfig
	runner QueueRunner
	engine *cron.Cron
}

// NewScheduler creates a new scheduler.
func NewScheduler(config SchedulerConfig, runner QueueRunner) (*Scheduler, error) {
	if config.Spec == "" {
		return nil, errors.New("scheduler: cron spec is required")
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = 5 * time.Minute
	}

	logger := cronLogger{}
	engine := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	s := &Scheduler{
		config: config,
		runner: runner,
		engine: engine,
	}

	if _, err := engine.AddFunc(config.Spec, s.run); err != nil {
		return nil, fmt.Errorf("scheduler: parse cron spec %q: %w", config.Spec, err)
	}

	return s, nil
}

// Start starts the cron engine in its own goroutine.
func (s *Scheduler) Start() {
	slog.Info("starting queue scheduler", "spec", s.config.Spec, "run_timeout", s.config.RunTimeout)
	s.engine.Start()
}

// Stop stops scheduling new runs and waits for a running one to finish.
func (s *Scheduler) Stop() {
	slog.Info("stopping queue scheduler")
	ctx := s.engine.Stop()
	<-ctx.Done()
	slog.Info("queue scheduler stopped")
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
	defer cancel()

	slog.Info("scheduled queue run triggered")

	result, err := s.runner.ProcessQueue(ctx)
	if err != nil {
		slog.Error("scheduled queue run failed", "error", err)
		return
	}

	slog.Info("scheduled queue run finished",
		"processed", result.Processed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"total", result.Total,
	)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
