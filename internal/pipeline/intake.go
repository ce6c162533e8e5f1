package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"tryon/internal/domain"
	"tryon/internal/events"
	"tryon/internal/infra"
	"tryon/internal/metrics"
)

// DefaultProvider generates when a request names none.
const DefaultProvider = "gemini"

// Intake reserves credit and records a new PENDING job. No job exists
// without a reservation.
type Intake struct {
	ledger    domain.CreditLedger
	jobs      domain.JobStore
	publisher events.Publisher
	cost      int64
	providers map[string]bool
	metrics   metrics.Pipeline
	logger    infra.Logger
	now       func() time.Time
}

// NewIntake creates the submission path. Each job reserves cost credits.
func NewIntake(ledger domain.CreditLedger, jobs domain.JobStore, publisher events.Publisher, cost int64, providers []string, m metrics.Pipeline, logger infra.Logger) *Intake {
	if cost <= 0 {
		cost = 1
	}
	if m == nil {
		m = metrics.Noop{}
	}
	allowed := map[string]bool{DefaultProvider: true}
	for _, p := range providers {
		allowed[strings.ToLower(strings.TrimSpace(p))] = true
	}
	return &Intake{
		ledger:    ledger,
		jobs:      jobs,
		publisher: publisher,
		cost:      cost,
		providers: allowed,
		metrics:   m,
		logger:    infra.Component(logger, "intake"),
		now:       time.Now,
	}
}

// Submit validates req, reserves credit, stores the job and announces it.
// If the job cannot be stored the reservation is released again. A failed
// announcement is only logged; the sweep dispatches the job later.
func (in *Intake) Submit(ctx context.Context, tenantID string, req domain.TryOnRequest) (*domain.GenerationJob, error) {
	req, err := in.normalize(tenantID, req)
	if err != nil {
		return nil, err
	}

	reservationID, err := in.ledger.Reserve(ctx, tenantID, in.cost)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) || errors.Is(err, domain.ErrInvalidRequest) {
			in.metrics.IncCredit("reserve", "rejected")
			return nil, err
		}
		in.metrics.IncCredit("reserve", "error")
		return nil, fmt.Errorf("%w: %w", domain.ErrLedger, err)
	}
	in.metrics.IncCredit("reserve", "ok")

	job := domain.NewPendingJob(uuid.NewString(), tenantID, reservationID, in.cost, req, in.now().UTC())
	log := in.logger.With().Str("job_id", job.ID).Str("tenant_id", tenantID).Logger()

	if err := in.jobs.Create(ctx, job); err != nil {
		if rerr := in.ledger.Release(context.WithoutCancel(ctx), tenantID, reservationID); rerr != nil {
			in.metrics.IncCredit("release", "error")
			log.Error().Err(rerr).Str("reservation_id", reservationID).Msg("intake: could not release reservation after failed create")
		} else {
			in.metrics.IncCredit("release", "ok")
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := in.publisher.PublishJobCreated(ctx, events.JobCreated{JobID: job.ID, TenantID: tenantID, CreatedAt: job.CreatedAt}); err != nil {
		log.Warn().Err(err).Msg("intake: job created event not published, sweep will dispatch")
	}
	log.Info().Str("provider", req.Provider).Msg("intake: job accepted")
	return job, nil
}

func (in *Intake) normalize(tenantID string, req domain.TryOnRequest) (domain.TryOnRequest, error) {
	if strings.TrimSpace(tenantID) == "" {
		return req, fmt.Errorf("%w: tenant required", domain.ErrInvalidRequest)
	}
	req.PersonImageURL = strings.TrimSpace(req.PersonImageURL)
	req.GarmentImageURL = strings.TrimSpace(req.GarmentImageURL)
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.Provider == "" {
		req.Provider = DefaultProvider
	}
	if !in.providers[req.Provider] {
		return req, fmt.Errorf("%w: unsupported provider %q", domain.ErrInvalidRequest, req.Provider)
	}
	if !validImageURL(req.PersonImageURL) {
		return req, fmt.Errorf("%w: personImageUrl must be an http(s) url", domain.ErrInvalidRequest)
	}
	if !validImageURL(req.GarmentImageURL) {
		return req, fmt.Errorf("%w: garmentImageUrl must be an http(s) url", domain.ErrInvalidRequest)
	}
	if len(req.Prompt) > 2000 {
		return req, fmt.Errorf("%w: prompt too long", domain.ErrInvalidRequest)
	}
	return req, nil
}

func validImageURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
