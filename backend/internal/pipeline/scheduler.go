package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"act-placemat/backend/pkg/logger"
)

// Scheduler runs the pipeline on a cron schedule
type Scheduler struct {
	runner  *Runner
	cron    *cron.Cron
	spec    string
	entry   cron.EntryID
	timeout time.Duration
	logger  *zap.Logger
}

// cronLogger adapts zap to the cron logger interface
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler validates spec (standard five-field cron) and registers the
// run. Each run is bounded by timeout when it is positive. A run still in
// progress when the next tick fires makes that tick a no-op.
func NewScheduler(runner *Runner, spec string, timeout time.Duration) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	log := logger.Named("scheduler")
	cl := cronLogger{sugar: log.Sugar()}
	s := &Scheduler{
		runner:  runner,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		spec:    spec,
		timeout: timeout,
		logger:  log,
	}

	entry, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule pipeline: %w", err)
	}
	s.entry = entry
	return s, nil
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	summary, err := s.runner.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("Skipping scheduled run, previous run still active")
	case err != nil:
		s.logger.Error("Scheduled pipeline run failed", zap.Error(err))
	default:
		s.logger.Info("Scheduled pipeline run complete",
			zap.String("run_id", summary.RunID),
			zap.Int("linked", summary.Link.Linked))
	}
	s.logger.Info("Next pipeline run", zap.Time("at", s.NextRun()))
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Pipeline scheduler started",
		zap.String("schedule", s.spec),
		zap.Time("next_run", s.NextRun()))
}

// Stop stops the scheduler and returns a context done when the running job
// has finished.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info("Pipeline scheduler stopped")
	return ctx
}

// NextRun returns when the pipeline will next run. Zero before Start.
func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entry).Next
}
