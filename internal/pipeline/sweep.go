package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tryon/internal/domain"
	"tryon/internal/infra"
	"tryon/internal/metrics"
)

const sweepLockKey = "sweep:pending"

// SweepReport summarises one sweep. Processed counts jobs the gateway
// answered for, including skips and generation failures; Failed counts jobs
// that could not be dispatched.
type SweepReport struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// SweeperConfig tunes the periodic sweep.
type SweeperConfig struct {
	Interval time.Duration
	Grace    time.Duration
	Batch    int
}

// Sweeper re-dispatches PENDING jobs the event path missed.
type Sweeper struct {
	jobs       domain.JobStore
	dispatcher *Dispatcher
	locker     domain.Locker
	cfg        SweeperConfig
	metrics    metrics.Pipeline
	logger     infra.Logger
	owner      string
	now        func() time.Time
}

// NewSweeper builds a sweeper. locker may be nil on single-instance setups.
func NewSweeper(jobs domain.JobStore, dispatcher *Dispatcher, locker domain.Locker, cfg SweeperConfig, m metrics.Pipeline, logger infra.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Sweeper{
		jobs:       jobs,
		dispatcher: dispatcher,
		locker:     locker,
		cfg:        cfg,
		metrics:    m,
		logger:     infra.Component(logger, "sweeper"),
		owner:      uuid.NewString(),
		now:        time.Now,
	}
}

// Sweep dispatches up to Batch jobs that have been PENDING longer than the
// grace window. Each job is processed independently; one failure never
// aborts the others.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	candidates, err := s.jobs.List(ctx, domain.JobQuery{
		Status: domain.JobStatusPending,
		Before: s.now().Add(-s.cfg.Grace),
		Limit:  s.cfg.Batch,
	})
	if err != nil {
		return SweepReport{}, fmt.Errorf("list pending jobs: %w", err)
	}

	var (
		mu     sync.Mutex
		report = SweepReport{Total: len(candidates)}
		g      errgroup.Group
	)
	g.SetLimit(s.cfg.Batch)
	for _, job := range candidates {
		jobID := job.ID
		g.Go(func() error {
			_, err := s.dispatcher.processOne(ctx, CallerSweep, jobID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				return nil
			}
			report.Processed++
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.AddSwept("sweep", "processed", report.Processed)
	s.metrics.AddSwept("sweep", "failed", report.Failed)
	if report.Total > 0 {
		s.logger.Info().
			Int("processed", report.Processed).
			Int("failed", report.Failed).
			Int("total", report.Total).
			Msg("sweeper: sweep finished")
	}
	return report, nil
}

// Run sweeps every Interval until ctx ends. With a locker, only the instance
// holding the sweep lock sweeps on a given tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.cfg.Interval).Dur("grace", s.cfg.Grace).Int("batch", s.cfg.Batch).Msg("sweeper: started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper: stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, sweepLockKey, s.owner, 2*s.cfg.Interval)
		if err != nil {
			s.logger.Warn().Err(err).Msg("sweeper: lock unavailable")
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), sweepLockKey, s.owner); err != nil {
				s.logger.Warn().Err(err).Msg("sweeper: unlock failed")
			}
		}()
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("sweeper: sweep failed")
	}
}
