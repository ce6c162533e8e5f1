package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tryon/internal/domain"
	"tryon/internal/infra"
	"tryon/internal/metrics"
)

const reconcileLockKey = "reconcile:jobs"

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	Interval          time.Duration
	AbandonAfter      time.Duration
	ProcessingTimeout time.Duration
	ViewWindow        time.Duration
	Batch             int
}

// ReconcileReport summarises one pass.
type ReconcileReport struct {
	Expired  int `json:"expired"`
	TimedOut int `json:"timedOut"`
	Released int `json:"released"`
	Errors   int `json:"errors"`
}

// Reconciler returns held credit for jobs that will never be viewed. It
// fails jobs stuck before or during generation, then releases the
// reservation of FAILED jobs and of COMPLETED jobs nobody confirmed within
// the view window.
type Reconciler struct {
	jobs    domain.JobStore
	ledger  domain.CreditLedger
	locker  domain.Locker
	cfg     ReconcilerConfig
	metrics metrics.Pipeline
	logger  infra.Logger
	owner   string
	now     func() time.Time
}

// NewReconciler creates the reservation reconciler.
func NewReconciler(jobs domain.JobStore, ledger domain.CreditLedger, locker domain.Locker, cfg ReconcilerConfig, m metrics.Pipeline, logger infra.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = 30 * time.Minute
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Minute
	}
	if cfg.ViewWindow <= 0 {
		cfg.ViewWindow = 24 * time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Reconciler{
		jobs:    jobs,
		ledger:  ledger,
		locker:  locker,
		cfg:     cfg,
		metrics: m,
		logger:  infra.Component(logger, "reconciler"),
		owner:   uuid.NewString(),
		now:     time.Now,
	}
}

// RunOnce performs one reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := r.now()

	expired, err := r.failStale(ctx, domain.JobStatusPending, now.Add(-r.cfg.AbandonAfter), ReasonDispatchExpired, &report)
	if err != nil {
		return report, err
	}
	report.Expired = expired

	timedOut, err := r.failStale(ctx, domain.JobStatusProcessing, now.Add(-r.cfg.ProcessingTimeout), ReasonProcessingTimeout, &report)
	if err != nil {
		return report, err
	}
	report.TimedOut = timedOut

	// Jobs failed above are released in the same pass.
	now = r.now()
	for _, q := range []domain.JobQuery{
		{Status: domain.JobStatusFailed, Before: now, Unsettled: true, Limit: r.cfg.Batch},
		{Status: domain.JobStatusCompleted, Before: now.Add(-r.cfg.ViewWindow), Unsettled: true, Limit: r.cfg.Batch},
	} {
		jobs, err := r.jobs.List(ctx, q)
		if err != nil {
			return report, fmt.Errorf("list %s jobs: %w", q.Status, err)
		}
		for _, job := range jobs {
			released, err := r.release(ctx, job.ID)
			if err != nil {
				report.Errors++
				r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconciler: release failed")
				continue
			}
			if released {
				report.Released++
			}
		}
	}

	r.metrics.AddSwept("reconcile", "expired", report.Expired)
	r.metrics.AddSwept("reconcile", "timed_out", report.TimedOut)
	r.metrics.AddSwept("reconcile", "released", report.Released)
	r.metrics.AddSwept("reconcile", "error", report.Errors)
	if report != (ReconcileReport{}) {
		r.logger.Info().
			Int("expired", report.Expired).
			Int("timed_out", report.TimedOut).
			Int("released", report.Released).
			Int("errors", report.Errors).
			Msg("reconciler: pass finished")
	}
	return report, nil
}

func (r *Reconciler) failStale(ctx context.Context, status domain.JobStatus, before time.Time, reason string, report *ReconcileReport) (int, error) {
	jobs, err := r.jobs.List(ctx, domain.JobQuery{Status: status, Before: before, Limit: r.cfg.Batch})
	if err != nil {
		return 0, fmt.Errorf("list %s jobs: %w", status, err)
	}
	failed := 0
	for _, job := range jobs {
		failure := domain.Failure{Reason: reason, Details: map[string]any{"since": job.State.EnteredAt().UTC().Format(time.RFC3339)}}
		ok, err := r.jobs.CompareAndSetStatus(ctx, job.ID, status, domain.JobStatusFailed, domain.JobPatch{Failure: &failure})
		if err != nil {
			report.Errors++
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconciler: could not fail stale job")
			continue
		}
		if ok {
			failed++
			r.logger.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("reconciler: failed stale job")
		}
	}
	return failed, nil
}

// release returns the reservation of one terminal job, under the same
// settlement lock the confirmer uses.
func (r *Reconciler) release(ctx context.Context, jobID string) (bool, error) {
	released := false
	err := withSettlementLock(ctx, r.locker, jobID, func(ctx context.Context) error {
		job, err := r.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.Status().Terminal() || job.CreditCommitted() || job.CreditReleased() {
			return nil
		}
		if c, ok := job.Completed(); ok && c.FinishedAt.After(r.now().Add(-r.cfg.ViewWindow)) {
			return nil
		}

		err = r.ledger.Release(ctx, job.TenantID, job.ReservationID)
		switch {
		case err == nil, errors.Is(err, domain.ErrReservationReleased):
			r.metrics.IncCredit("release", "ok")
		case errors.Is(err, domain.ErrAlreadyCommitted):
			// The confirmer committed and crashed before marking the job.
			r.metrics.IncCredit("release", "committed")
			if job.Status() == domain.JobStatusCompleted {
				now := r.now().UTC()
				return r.jobs.Update(ctx, jobID, domain.JobPatch{CreditCommitted: true, ViewedAt: &now})
			}
			return fmt.Errorf("reservation of %s job committed in ledger", job.Status())
		default:
			r.metrics.IncCredit("release", "error")
			return fmt.Errorf("%w: %w", domain.ErrLedger, err)
		}

		now := r.now().UTC()
		if err := r.jobs.Update(ctx, jobID, domain.JobPatch{CreditReleased: true, ReleasedAt: &now}); err != nil {
			return fmt.Errorf("mark job released: %w", err)
		}
		released = true
		r.logger.Info().Str("job_id", jobID).Str("status", string(job.Status())).Msg("reconciler: credit released")
		return nil
	})
	return released, err
}

// Run reconciles every Interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("reconciler: started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler: stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if r.locker != nil {
		ok, err := r.locker.TryLock(ctx, reconcileLockKey, r.owner, 2*r.cfg.Interval)
		if err != nil || !ok {
			if err != nil {
				r.logger.Warn().Err(err).Msg("reconciler: lock unavailable")
			}
			return
		}
		defer func() {
			_ = r.locker.Unlock(context.WithoutCancel(ctx), reconcileLockKey, r.owner)
		}()
	}
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("reconciler: pass failed")
	}
}
