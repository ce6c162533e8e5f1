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

// Failure reasons written on jobs the pipeline moves to FAILED.
const (
	ReasonWorkerTimeout     = "worker_timeout"
	ReasonWorkerFailed      = "worker_failed"
	ReasonDispatchExpired   = "dispatch_expired"
	ReasonProcessingTimeout = "processing_timeout"
)

// Worker performs the generation for one job. It must not touch the store.
type Worker interface {
	Generate(ctx context.Context, job *domain.GenerationJob) (domain.Result, error)
}

// Processor runs one job through the gateway. The in-process Gateway and the
// HTTP GatewayClient both satisfy it.
type Processor interface {
	Process(ctx context.Context, token, jobID string) (Outcome, error)
}

// Outcome reports what the gateway did with one job. Skipped means another
// caller had already claimed it.
type Outcome struct {
	JobID   string           `json:"jobId"`
	Status  domain.JobStatus `json:"status"`
	Skipped bool             `json:"skipped"`
	Failure *domain.Failure  `json:"failure,omitempty"`
}

// BatchRunner runs one sweep on behalf of the batch endpoint.
type BatchRunner interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

// GatewayConfig tunes the gateway.
type GatewayConfig struct {
	WorkerTimeout time.Duration
}

// Gateway is the single entry point both dispatch paths call. It claims a
// PENDING job with a compare-and-set, runs the worker once and records the
// terminal status. It never calls the credit ledger.
type Gateway struct {
	jobs    domain.JobStore
	worker  Worker
	auth    *Authorizer
	batch   BatchRunner
	timeout time.Duration
	metrics metrics.Pipeline
	logger  infra.Logger
}

// NewGateway wires the processing gateway. A nil metrics sink records nothing.
func NewGateway(jobs domain.JobStore, worker Worker, auth *Authorizer, cfg GatewayConfig, m metrics.Pipeline, logger infra.Logger) *Gateway {
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 90 * time.Second
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Gateway{
		jobs:    jobs,
		worker:  worker,
		auth:    auth,
		timeout: cfg.WorkerTimeout,
		metrics: m,
		logger:  infra.Component(logger, "gateway"),
	}
}

// SetBatchRunner wires the sweep used by ProcessBatch.
func (g *Gateway) SetBatchRunner(b BatchRunner) {
	g.batch = b
}

// Process authorizes token and processes jobID.
func (g *Gateway) Process(ctx context.Context, token, jobID string) (Outcome, error) {
	caller, err := g.auth.Authorize(token)
	if err != nil {
		g.logger.Warn().Err(err).Str("job_id", jobID).Msg("gateway: rejected caller")
		return Outcome{}, err
	}
	return g.process(ctx, caller, jobID)
}

// ProcessBatch authorizes token and runs one sweep.
func (g *Gateway) ProcessBatch(ctx context.Context, token string) (SweepReport, error) {
	caller, err := g.auth.Authorize(token)
	if err != nil {
		g.logger.Warn().Err(err).Msg("gateway: rejected batch caller")
		return SweepReport{}, err
	}
	if g.batch == nil {
		return SweepReport{}, errors.New("batch processing not configured")
	}
	g.logger.Info().Str("caller", caller).Msg("gateway: batch requested")
	return g.batch.Sweep(ctx)
}

func (g *Gateway) process(ctx context.Context, caller, jobID string) (Outcome, error) {
	log := g.logger.With().Str("job_id", jobID).Str("caller", caller).Logger()

	claimed, err := g.jobs.CompareAndSetStatus(ctx, jobID, domain.JobStatusPending, domain.JobStatusProcessing, domain.JobPatch{})
	if err != nil {
		return Outcome{}, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		out := Outcome{JobID: jobID, Skipped: true}
		if job, err := g.jobs.Get(ctx, jobID); err == nil {
			out.Status = job.Status()
		}
		log.Info().Str("status", string(out.Status)).Msg("gateway: job already taken, skipping")
		return out, nil
	}

	// From here on the job is ours. Finish it even if the caller goes away,
	// otherwise it would sit in PROCESSING with its reservation held.
	ctx = context.WithoutCancel(ctx)

	job, err := g.jobs.Get(ctx, jobID)
	if err != nil {
		return g.fail(ctx, log, jobID, domain.Failure{Reason: ReasonWorkerFailed, Details: map[string]any{"error": err.Error()}}), nil
	}

	started := time.Now()
	result, err := g.generate(ctx, job)
	elapsed := time.Since(started)
	if err != nil {
		reason := ReasonWorkerFailed
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonWorkerTimeout
		}
		g.metrics.ObserveGeneration(reason, elapsed)
		log.Warn().Err(err).Str("reason", reason).Dur("elapsed", elapsed).Msg("gateway: generation failed")
		return g.fail(ctx, log, jobID, domain.Failure{
			Reason:  reason,
			Details: map[string]any{"error": err.Error(), "elapsedMs": elapsed.Milliseconds()},
		}), nil
	}

	g.metrics.ObserveGeneration("completed", elapsed)
	ok, err := g.jobs.CompareAndSetStatus(ctx, jobID, domain.JobStatusProcessing, domain.JobStatusCompleted, domain.JobPatch{Result: &result})
	if err != nil {
		return Outcome{}, fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if !ok {
		return g.lost(ctx, log, jobID), nil
	}
	log.Info().Int("images", len(result.Images)).Dur("elapsed", elapsed).Msg("gateway: job completed")
	return Outcome{JobID: jobID, Status: domain.JobStatusCompleted}, nil
}

// generate calls the worker under the configured deadline. A worker that
// ignores its context is abandoned at the deadline and its late result
// dropped.
func (g *Gateway) generate(ctx context.Context, job *domain.GenerationJob) (domain.Result, error) {
	wctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type generated struct {
		result domain.Result
		err    error
	}
	done := make(chan generated, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- generated{err: fmt.Errorf("%w: worker panic: %v", domain.ErrWorkerFailure, r)}
			}
		}()
		result, err := g.worker.Generate(wctx, job)
		done <- generated{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return domain.Result{}, fmt.Errorf("%w: %w", domain.ErrWorkerFailure, out.err)
		}
		return out.result, nil
	case <-wctx.Done():
		return domain.Result{}, fmt.Errorf("%w: %w", domain.ErrWorkerFailure, wctx.Err())
	}
}

func (g *Gateway) fail(ctx context.Context, log infra.Logger, jobID string, failure domain.Failure) Outcome {
	ok, err := g.jobs.CompareAndSetStatus(ctx, jobID, domain.JobStatusProcessing, domain.JobStatusFailed, domain.JobPatch{Failure: &failure})
	if err != nil {
		log.Error().Err(err).Msg("gateway: could not record failure")
		return Outcome{JobID: jobID, Status: domain.JobStatusProcessing, Failure: &failure}
	}
	if !ok {
		return g.lost(ctx, log, jobID)
	}
	return Outcome{JobID: jobID, Status: domain.JobStatusFailed, Failure: &failure}
}

// lost handles a job that left PROCESSING while the worker ran, which only
// the reconciler does after PROCESSING_TIMEOUT.
func (g *Gateway) lost(ctx context.Context, log infra.Logger, jobID string) Outcome {
	out := Outcome{JobID: jobID}
	if job, err := g.jobs.Get(ctx, jobID); err == nil {
		out.Status = job.Status()
		if f, ok := job.Failed(); ok {
			failure := f.Failure
			out.Failure = &failure
		}
	}
	log.Warn().Str("status", string(out.Status)).Msg("gateway: job left PROCESSING before the worker finished")
	return out
}
