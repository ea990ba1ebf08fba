// scheduler.go - Unprocessed attendance sweeper
//
// PURPOSE:
//   Attendance can be stored without being charged: the HTTP call that
//   recorded it failed mid-way, or the record was imported in bulk. The
//   sweeper periodically picks up records without a processed marker and
//   runs them through the engine.
//
// DESIGN:
//   - robfig/cron schedule (standard 5-field expression, e.g. "*/5 * * * *")
//   - Overlapping runs are skipped, not queued
//   - Each sweep reads at most BatchSize records, oldest first, and processes
//     them with Engine.ProcessBatch at most Concurrency at a time
//   - Records that fail stay unprocessed and are retried on the next sweep
//
// USAGE:
//   sweeper := NewSweeper(backend, engine, SweeperConfig{...}, logger)
//   sweeper.Start("*/5 * * * *")
//   // ... later
//   sweeper.Stop(ctx)
//
// SEE ALSO:
//   - fee/batch.go: ProcessBatch
package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
	applog "github.com/Hoanganh010999/songthuyeducation-sub005/internal/log"
)

// SweeperConfig tunes a sweep.
type SweeperConfig struct {
	BatchSize   int
	Concurrency int
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned   int
	Processed int
	Failed    int
}

// Sweeper processes stored attendance that was never fee-processed.
type Sweeper struct {
	registry fee.Registry
	engine   *fee.Engine
	cfg      SweeperConfig
	logger   *applog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper. It does nothing until Start or RunOnce.
func NewSweeper(registry fee.Registry, engine *fee.Engine, cfg SweeperConfig, logger *applog.Logger) *Sweeper {
	if logger == nil {
		logger = applog.Nop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		registry: registry,
		engine:   engine,
		cfg:      cfg,
		logger:   logger.WithComponent(applog.ComponentScheduler),
	}
}

// Start schedules sweeps. Calling Start twice is an error.
func (s *Sweeper) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Failure(context.Background(), "sweep failed", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", "schedule", schedule)
	return nil
}

// Stop stops scheduling and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.logger.Info("sweeper stopped")
	case <-ctx.Done():
		s.logger.Warn("sweeper stop timed out")
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	records, err := s.registry.UnprocessedAttendance(ctx, s.cfg.BatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list unprocessed attendance: %w", err)
	}
	report := SweepReport{Scanned: len(records)}
	if len(records) == 0 {
		return report, nil
	}

	results, err := s.engine.ProcessBatch(ctx, records, fee.SystemActor, s.cfg.Concurrency)
	for i, res := range results {
		if res.Success {
			report.Processed++
			continue
		}
		report.Failed++
		s.logger.WarnContext(ctx, "attendance still unprocessed",
			applog.FieldAttendanceID, records[i].ID,
			applog.FieldError, res.Message)
	}

	s.logger.InfoContext(ctx, "sweep finished",
		"scanned", report.Scanned,
		"processed", report.Processed,
		"failed", report.Failed)
	return report, err
}
