// Package scheduler drives recurring collection sweeps in daemon mode.
// Each sweep runs every configured source against every configured
// zipcode, merges the per-run counters, and publishes a daily report.
package scheduler

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/propcollect/internal/config"
	"github.com/sells-group/propcollect/internal/integrator"
	"github.com/sells-group/propcollect/internal/model"
	"github.com/sells-group/propcollect/internal/monitoring"
)

// Runner executes one collection pass. Satisfied by *integrator.Integrator.
type Runner interface {
	Run(ctx context.Context, req integrator.RunRequest) (*monitoring.RunStats, error)
}

// Reporter turns sweep counters into a published daily report.
// Satisfied by *monitoring.Reporter.
type Reporter interface {
	Build(ctx context.Context, stats *monitoring.RunStats, zipcodes []string) (*model.DailyReport, error)
	Publish(ctx context.Context, report *model.DailyReport) error
}

// Scheduler repeats collection sweeps at a fixed interval.
type Scheduler struct {
	runner   Runner
	reporter Reporter
	sources  []string
	cfg      config.SchedulerConfig
	collect  config.CollectConfig
	stats    *monitoring.RunStats
	nowFunc  func() time.Time
}

// New creates a scheduler. reporter may be nil to skip daily reports.
func New(runner Runner, reporter Reporter, sources []string, cfg config.SchedulerConfig, collect config.CollectConfig) (*Scheduler, error) {
	if runner == nil {
		return nil, eris.New("scheduler: runner is required")
	}
	if len(sources) == 0 {
		return nil, eris.New("scheduler: at least one source is required")
	}
	if len(collect.Zipcodes) == 0 {
		return nil, eris.New("scheduler: at least one zipcode is required")
	}
	return &Scheduler{
		runner:   runner,
		reporter: reporter,
		sources:  sources,
		cfg:      cfg,
		collect:  collect,
		stats:    monitoring.NewRunStats(time.Now()),
		nowFunc:  time.Now,
	}, nil
}

// Stats returns the daemon-lifetime counters, accumulated across sweeps.
// An alert checker watches these while Run loops.
func (s *Scheduler) Stats() *monitoring.RunStats { return s.stats }

// Interval reports the sweep period. Defaults to 24h.
func (s *Scheduler) Interval() time.Duration {
	if s.cfg.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.cfg.IntervalHours) * time.Hour
}

// Run sweeps once immediately, then on every interval tick until the
// context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval()
	zap.L().Info("scheduler started",
		zap.Duration("interval", interval),
		zap.Strings("sources", s.sources),
		zap.Int("zipcodes", len(s.collect.Zipcodes)))

	s.Sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every source against every zipcode and publishes the
// merged counters as a daily report. Individual run failures are
// logged and do not abort the sweep.
func (s *Scheduler) Sweep(ctx context.Context) *monitoring.RunStats {
	sweep := monitoring.NewRunStats(s.nowFunc())

	for _, src := range s.sources {
		for _, zip := range s.collect.Zipcodes {
			if ctx.Err() != nil {
				return sweep
			}
			stats, err := s.runner.Run(ctx, integrator.RunRequest{
				Source:  src,
				Mode:    integrator.ModeBatch,
				Zipcode: zip,
			})
			if err != nil {
				zap.L().Error("sweep run failed",
					zap.String("source", src),
					zap.String("zipcode", zip),
					zap.Error(err))
			}
			if stats != nil {
				sweep.Merge(stats)
			}
		}
	}
	sweep.Finish(s.nowFunc())
	s.stats.Merge(sweep)

	if s.reporter != nil {
		report, err := s.reporter.Build(ctx, sweep, s.collect.Zipcodes)
		if err != nil {
			zap.L().Error("daily report build failed", zap.Error(err))
			return sweep
		}
		if err := s.reporter.Publish(ctx, report); err != nil {
			zap.L().Error("daily report publish failed", zap.Error(err))
		}
	}
	return sweep
}
