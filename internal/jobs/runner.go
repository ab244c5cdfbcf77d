package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/taskmirror/internal/routine"
	"github.com/MarcoPoloResearchLab/taskmirror/internal/syncer"
	"go.uber.org/zap"
)

var (
	errMissingSync      = errors.New("sync runner is required")
	errMissingScheduler = errors.New("routine scheduler is required")
)

// SyncRunner triggers one sync cycle.
type SyncRunner interface {
	RunCycle(ctx context.Context) (syncer.CycleSummary, error)
}

// SchedulerRunner triggers one routine scheduler pass.
type SchedulerRunner interface {
	Run(ctx context.Context) (routine.RunSummary, error)
}

// RunnerConfig describes the timers and targets for background execution.
type RunnerConfig struct {
	SyncInterval   time.Duration
	RoutineRunHour int
	Sync           SyncRunner
	Scheduler      SchedulerRunner
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Runner owns the two background triggers: the fixed-interval incremental
// sync and the once-daily routine pass. Failures are logged and the loop
// keeps going; the next tick is the retry mechanism.
type Runner struct {
	syncInterval   time.Duration
	routineRunHour int
	sync           SyncRunner
	scheduler      SchedulerRunner
	clock          func() time.Time
	logger         *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Sync == nil {
		return nil, errMissingSync
	}
	if cfg.Scheduler == nil {
		return nil, errMissingScheduler
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		syncInterval:   interval,
		routineRunHour: cfg.RoutineRunHour,
		sync:           cfg.Sync,
		scheduler:      cfg.Scheduler,
		clock:          clock,
		logger:         logger,
	}, nil
}

// Run blocks until the context is cancelled, firing sync cycles on the
// configured interval and the routine pass once a day at the run hour.
func (r *Runner) Run(ctx context.Context) {
	syncTicker := time.NewTicker(r.syncInterval)
	defer syncTicker.Stop()

	routineTimer := time.NewTimer(r.untilNextRoutineRun())
	defer routineTimer.Stop()

	r.logger.Info("background runner started",
		zap.Duration("sync_interval", r.syncInterval),
		zap.Int("routine_run_hour", r.routineRunHour))

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			if _, err := r.sync.RunCycle(ctx); err != nil {
				r.logger.Warn("scheduled sync cycle failed", zap.Error(err))
			}
		case <-routineTimer.C:
			if _, err := r.scheduler.Run(ctx); err != nil {
				r.logger.Warn("scheduled routine run failed", zap.Error(err))
			}
			routineTimer.Reset(r.untilNextRoutineRun())
		}
	}
}

// untilNextRoutineRun computes the wait until the next daily run hour in
// the local clock's location.
func (r *Runner) untilNextRoutineRun() time.Duration {
	now := r.clock()
	next := time.Date(now.Year(), now.Month(), now.Day(), r.routineRunHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
