package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tryon/internal/domain"
	"tryon/internal/events"
	"tryon/internal/infra"
	"tryon/internal/metrics"
)

// Dispatcher hands PENDING jobs to the gateway. It never reserves or commits
// credit.
type Dispatcher struct {
	jobs      domain.JobStore
	processor Processor
	auth      *Authorizer
	metrics   metrics.Pipeline
	logger    infra.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher that hands new jobs to processor.
func NewDispatcher(jobs domain.JobStore, processor Processor, auth *Authorizer, m metrics.Pipeline, logger infra.Logger) *Dispatcher {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Dispatcher{
		jobs:      jobs,
		processor: processor,
		auth:      auth,
		metrics:   m,
		logger:    infra.Component(logger, "dispatcher"),
		now:       time.Now,
	}
}

// HandleCreated is the event path. Redeliveries and jobs already claimed are
// no-ops. A failure to reach the gateway is recorded on the job, leaves it
// PENDING for the sweep and is returned wrapped in domain.ErrDispatch.
func (d *Dispatcher) HandleCreated(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status() != domain.JobStatusPending {
		d.logger.Debug().Str("job_id", jobID).Str("status", string(job.Status())).Msg("dispatcher: job no longer pending")
		d.metrics.IncDispatch("event", "noop")
		return nil
	}
	_, err = d.processOne(ctx, CallerEventTrigger, jobID)
	return err
}

// OnJobCreated adapts HandleCreated to the event bus.
func (d *Dispatcher) OnJobCreated(ctx context.Context, evt events.JobCreated) error {
	return d.HandleCreated(ctx, evt.JobID)
}

func (d *Dispatcher) processOne(ctx context.Context, caller, jobID string) (Outcome, error) {
	path := "event"
	if caller == CallerSweep {
		path = "sweep"
	}

	token, err := d.auth.Mint(caller)
	if err == nil {
		var out Outcome
		out, err = d.processor.Process(ctx, token, jobID)
		if err == nil {
			d.metrics.IncDispatch(path, outcomeLabel(out))
			return out, nil
		}
	}

	d.metrics.IncDispatch(path, "error")
	d.recordDispatchError(ctx, caller, jobID, err)
	return Outcome{}, fmt.Errorf("%w: job %s: %w", domain.ErrDispatch, jobID, err)
}

func (d *Dispatcher) recordDispatchError(ctx context.Context, caller, jobID string, cause error) {
	details := map[string]any{"unauthorized": errors.Is(cause, domain.ErrUnauthorized)}
	patch := domain.JobPatch{DispatchError: &domain.DispatchError{
		Message: cause.Error(),
		Details: details,
		Caller:  caller,
		At:      d.now().UTC(),
	}}
	if err := d.jobs.Update(context.WithoutCancel(ctx), jobID, patch); err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("dispatcher: could not record dispatch error")
	}
	d.logger.Warn().Err(cause).Str("job_id", jobID).Str("caller", caller).Msg("dispatcher: gateway call failed")
}

func outcomeLabel(out Outcome) string {
	switch {
	case out.Skipped:
		return "skipped"
	case out.Status == domain.JobStatusFailed:
		return "failed"
	default:
		return "processed"
	}
}
