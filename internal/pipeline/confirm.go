package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tryon/internal/domain"
	"tryon/internal/infra"
	"tryon/internal/metrics"
)

// Confirmation is the answer to a view confirmation.
type Confirmation struct {
	JobID            string    `json:"jobId"`
	AlreadyCommitted bool      `json:"alreadyCommitted"`
	ViewedAt         time.Time `json:"viewedAt"`
}

// Confirmer commits a job's reservation the first time the shopper confirms
// they saw the result.
type Confirmer struct {
	jobs    domain.JobStore
	ledger  domain.CreditLedger
	locker  domain.Locker
	metrics metrics.Pipeline
	logger  infra.Logger
	now     func() time.Time
}

// NewConfirmer creates the view confirmation handler.
func NewConfirmer(jobs domain.JobStore, ledger domain.CreditLedger, locker domain.Locker, m metrics.Pipeline, logger infra.Logger) *Confirmer {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Confirmer{
		jobs:    jobs,
		ledger:  ledger,
		locker:  locker,
		metrics: m,
		logger:  infra.Component(logger, "confirm"),
		now:     time.Now,
	}
}

// Confirm commits the reservation of a COMPLETED job exactly once. Repeated
// and concurrent calls all succeed; only the first reaches the ledger.
func (c *Confirmer) Confirm(ctx context.Context, tenantID, jobID string) (Confirmation, error) {
	job, err := c.load(ctx, tenantID, jobID)
	if err != nil {
		return Confirmation{}, err
	}
	if done, conf, err := confirmGate(job); done {
		return conf, err
	}

	var conf Confirmation
	err = withSettlementLock(ctx, c.locker, jobID, func(ctx context.Context) error {
		job, err := c.load(ctx, tenantID, jobID)
		if err != nil {
			return err
		}
		if done, early, err := confirmGate(job); done {
			conf = early
			return err
		}
		conf, err = c.commit(ctx, job)
		return err
	})
	return conf, err
}

func (c *Confirmer) load(ctx context.Context, tenantID, jobID string) (*domain.GenerationJob, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	// Another tenant's job is reported as missing.
	if job.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

// confirmGate decides the calls that never reach the ledger.
func confirmGate(job *domain.GenerationJob) (bool, Confirmation, error) {
	completed, ok := job.Completed()
	if !ok {
		return true, Confirmation{}, &domain.NotReadyError{JobID: job.ID, Status: job.Status()}
	}
	if completed.Billing.CreditCommitted {
		return true, Confirmation{JobID: job.ID, AlreadyCommitted: true, ViewedAt: completed.Billing.ViewedAt}, nil
	}
	if completed.Billing.CreditReleased {
		return true, Confirmation{}, domain.ErrReservationReleased
	}
	return false, Confirmation{}, nil
}

func (c *Confirmer) commit(ctx context.Context, job *domain.GenerationJob) (Confirmation, error) {
	log := c.logger.With().Str("job_id", job.ID).Str("tenant_id", job.TenantID).Logger()

	err := c.ledger.Commit(ctx, job.TenantID, job.ReservationID)
	switch {
	case err == nil:
		c.metrics.IncCredit("commit", "ok")
	case errors.Is(err, domain.ErrAlreadyCommitted):
		// A previous attempt committed but crashed before marking the job.
		c.metrics.IncCredit("commit", "recovered")
		log.Warn().Msg("confirm: ledger already committed, marking job")
	case errors.Is(err, domain.ErrReservationReleased):
		c.metrics.IncCredit("commit", "released")
		return Confirmation{}, domain.ErrReservationReleased
	default:
		c.metrics.IncCredit("commit", "error")
		log.Error().Err(err).Msg("confirm: ledger commit failed")
		return Confirmation{}, fmt.Errorf("%w: %w", domain.ErrLedger, err)
	}

	viewedAt := c.now().UTC()
	if err := c.jobs.Update(ctx, job.ID, domain.JobPatch{CreditCommitted: true, ViewedAt: &viewedAt}); err != nil {
		return Confirmation{}, fmt.Errorf("mark job %s committed: %w", job.ID, err)
	}
	log.Info().Int64("credits", job.Credits).Msg("confirm: credit committed")
	return Confirmation{JobID: job.ID, ViewedAt: viewedAt}, nil
}
