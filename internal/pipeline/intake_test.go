package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"tryon/internal/domain"
	"tryon/internal/events"
	"tryon/internal/metrics"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.JobCreated
	err    error
}

func (p *recordingPublisher) PublishJobCreated(ctx context.Context, evt events.JobCreated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

type failingCreateStore struct {
	domain.JobStore
}

func (failingCreateStore) Create(ctx context.Context, job *domain.GenerationJob) error {
	return errBoom
}

func validRequest() domain.TryOnRequest {
	return domain.TryOnRequest{
		PersonImageURL:  "https://cdn.example.com/person.jpg",
		GarmentImageURL: "https://cdn.example.com/garment.jpg",
	}
}

func TestIntakeSubmitReservesAndPublishes(t *testing.T) {
	h := newHarness(t)
	pub := &recordingPublisher{}
	in := NewIntake(h.ledger, h.jobs, pub, 2, nil, metrics.Noop{}, zerolog.Nop())

	job, err := in.Submit(context.Background(), testTenant, validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status() != domain.JobStatusPending || job.Credits != 2 || job.ReservationID == "" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Request.Provider != DefaultProvider {
		t.Fatalf("expected default provider, got %q", job.Request.Provider)
	}
	if acct := h.account(t); acct.Held != 2 || acct.Balance != 98 {
		t.Fatalf("unexpected account %+v", acct)
	}
	if len(pub.events) != 1 || pub.events[0].JobID != job.ID {
		t.Fatalf("expected one event for the job, got %+v", pub.events)
	}
}

func TestIntakeInsufficientCreditsCreatesNoJob(t *testing.T) {
	h := newHarness(t)
	pub := &recordingPublisher{}
	in := NewIntake(h.ledger, h.jobs, pub, 1, nil, metrics.Noop{}, zerolog.Nop())

	_, err := in.Submit(context.Background(), "broke-tenant", validRequest())
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("nothing should be published")
	}
	if jobs, _ := h.jobs.List(context.Background(), domain.JobQuery{Status: domain.JobStatusPending}); len(jobs) != 0 {
		t.Fatalf("no job may exist without a reservation, found %d", len(jobs))
	}
}

func TestIntakeReleasesWhenCreateFails(t *testing.T) {
	h := newHarness(t)
	in := NewIntake(h.ledger, failingCreateStore{h.jobs}, &recordingPublisher{}, 1, nil, metrics.Noop{}, zerolog.Nop())

	if _, err := in.Submit(context.Background(), testTenant, validRequest()); !errors.Is(err, errBoom) {
		t.Fatalf("expected create error, got %v", err)
	}
	if h.ledger.releases.Load() != 1 {
		t.Fatalf("reservation should be released")
	}
	if acct := h.account(t); acct.Balance != 100 || acct.Held != 0 {
		t.Fatalf("credit should be back, got %+v", acct)
	}
}

func TestIntakePublishFailureKeepsJob(t *testing.T) {
	h := newHarness(t)
	in := NewIntake(h.ledger, h.jobs, &recordingPublisher{err: errBoom}, 1, nil, metrics.Noop{}, zerolog.Nop())

	job, err := in.Submit(context.Background(), testTenant, validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h.job(t, job.ID).Status() != domain.JobStatusPending {
		t.Fatalf("job should wait for the sweep")
	}
}

func TestIntakeValidation(t *testing.T) {
	h := newHarness(t)
	in := NewIntake(h.ledger, h.jobs, &recordingPublisher{}, 1, []string{"Qwen"}, metrics.Noop{}, zerolog.Nop())

	cases := map[string]func(*domain.TryOnRequest){
		"missing person":   func(r *domain.TryOnRequest) { r.PersonImageURL = "" },
		"relative garment": func(r *domain.TryOnRequest) { r.GarmentImageURL = "/garment.jpg" },
		"ftp scheme":       func(r *domain.TryOnRequest) { r.PersonImageURL = "ftp://cdn.example.com/p.jpg" },
		"unknown provider": func(r *domain.TryOnRequest) { r.Provider = "dalle" },
		"oversized prompt": func(r *domain.TryOnRequest) { r.Prompt = string(make([]byte, 2001)) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			if _, err := in.Submit(context.Background(), testTenant, req); !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if h.ledger.commits.Load() != 0 {
		t.Fatalf("ledger must not be touched")
	}
	if acct := h.account(t); acct.Held != 0 {
		t.Fatalf("invalid requests must not reserve, got %+v", acct)
	}

	req := validRequest()
	req.Provider = " QWEN "
	job, err := in.Submit(context.Background(), testTenant, req)
	if err != nil {
		t.Fatalf("configured provider should be accepted: %v", err)
	}
	if job.Request.Provider != "qwen" {
		t.Fatalf("provider should be normalised, got %q", job.Request.Provider)
	}
}

func TestIntakeToDispatchViaLocalBus(t *testing.T) {
	h := newHarness(t)
	bus := events.NewLocalBus(zerolog.Nop())
	bus.Subscribe(h.dispatcher.OnJobCreated)
	in := NewIntake(h.ledger, h.jobs, bus, 1, nil, metrics.Noop{}, zerolog.Nop())

	job, err := in.Submit(context.Background(), testTenant, validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	bus.Wait()
	if got := h.job(t, job.ID).Status(); got != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED after event delivery, got %s", got)
	}
}
