package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tryon/internal/adapter/repo"
	"tryon/internal/domain"
	"tryon/internal/metrics"
)

const (
	testSigningKey = "test-signing-key"
	testSecret     = "test-processing-secret"
	testTenant     = "tenant-1"
)

var errBoom = errors.New("boom")

type fakeWorker struct {
	calls atomic.Int32
	delay time.Duration
	// ignoreCtx makes the worker sleep through its deadline.
	ignoreCtx bool
	err       error
}

func (w *fakeWorker) Generate(ctx context.Context, job *domain.GenerationJob) (domain.Result, error) {
	w.calls.Add(1)
	if w.delay > 0 {
		if w.ignoreCtx {
			time.Sleep(w.delay)
		} else {
			select {
			case <-time.After(w.delay):
			case <-ctx.Done():
				return domain.Result{}, ctx.Err()
			}
		}
	}
	if w.err != nil {
		return domain.Result{}, w.err
	}
	return domain.Result{Provider: "fake", Images: []domain.ResultImage{{StorageKey: job.ID + ".png", URL: "http://cdn/" + job.ID + ".png", MIME: "image/png"}}}, nil
}

// countingLedger counts ledger calls on top of the in-memory ledger.
type countingLedger struct {
	*repo.LedgerRepositoryMemory
	commits    atomic.Int32
	releases   atomic.Int32
	mu         sync.Mutex
	commitErr  error
	commitWait time.Duration
}

func (l *countingLedger) Commit(ctx context.Context, tenantID, reservationID string) error {
	l.commits.Add(1)
	l.mu.Lock()
	err := l.commitErr
	l.mu.Unlock()
	if l.commitWait > 0 {
		time.Sleep(l.commitWait)
	}
	if err != nil {
		return err
	}
	return l.LedgerRepositoryMemory.Commit(ctx, tenantID, reservationID)
}

func (l *countingLedger) Release(ctx context.Context, tenantID, reservationID string) error {
	l.releases.Add(1)
	return l.LedgerRepositoryMemory.Release(ctx, tenantID, reservationID)
}

func (l *countingLedger) setCommitErr(err error) {
	l.mu.Lock()
	l.commitErr = err
	l.mu.Unlock()
}

// transitionLog records every status change that won its compare-and-set.
type transitionLog struct {
	domain.JobStore
	mu   sync.Mutex
	seen map[string][]domain.JobStatus
}

func newTransitionLog(store domain.JobStore) *transitionLog {
	return &transitionLog{JobStore: store, seen: map[string][]domain.JobStatus{}}
}

func (t *transitionLog) Create(ctx context.Context, job *domain.GenerationJob) error {
	if err := t.JobStore.Create(ctx, job); err != nil {
		return err
	}
	t.mu.Lock()
	t.seen[job.ID] = []domain.JobStatus{job.Status()}
	t.mu.Unlock()
	return nil
}

func (t *transitionLog) CompareAndSetStatus(ctx context.Context, jobID string, expected, next domain.JobStatus, patch domain.JobPatch) (bool, error) {
	ok, err := t.JobStore.CompareAndSetStatus(ctx, jobID, expected, next, patch)
	if ok {
		t.mu.Lock()
		t.seen[jobID] = append(t.seen[jobID], next)
		t.mu.Unlock()
	}
	return ok, err
}

func (t *transitionLog) history(jobID string) []domain.JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.JobStatus(nil), t.seen[jobID]...)
}

type harness struct {
	jobs       *transitionLog
	ledger     *countingLedger
	locker     *repo.LockerMemory
	worker     *fakeWorker
	auth       *Authorizer
	gateway    *Gateway
	dispatcher *Dispatcher
	sweeper    *Sweeper
	confirmer  *Confirmer
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		jobs:   newTransitionLog(repo.NewJobRepositoryMemory()),
		ledger: &countingLedger{LedgerRepositoryMemory: repo.NewLedgerRepositoryMemory()},
		locker: repo.NewLockerMemory(),
		worker: &fakeWorker{},
		auth:   NewAuthorizer(testSigningKey, testSecret),
	}
	if _, err := h.ledger.TopUp(context.Background(), testTenant, 100); err != nil {
		t.Fatalf("top up: %v", err)
	}
	m := metrics.Noop{}
	h.gateway = NewGateway(h.jobs, h.worker, h.auth, GatewayConfig{WorkerTimeout: time.Second}, m, logger)
	h.dispatcher = NewDispatcher(h.jobs, h.gateway, h.auth, m, logger)
	h.sweeper = NewSweeper(h.jobs, h.dispatcher, h.locker, SweeperConfig{Interval: time.Minute, Grace: 2 * time.Minute, Batch: 10}, m, logger)
	h.gateway.SetBatchRunner(h.sweeper)
	h.confirmer = NewConfirmer(h.jobs, h.ledger, h.locker, m, logger)
	h.reconciler = NewReconciler(h.jobs, h.ledger, h.locker, ReconcilerConfig{}, m, logger)
	return h
}

// newJob reserves credit and stores a PENDING job created age ago.
func (h *harness) newJob(t *testing.T, age time.Duration) *domain.GenerationJob {
	t.Helper()
	ctx := context.Background()
	reservationID, err := h.ledger.Reserve(ctx, testTenant, 1)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	job := domain.NewPendingJob(uuid.NewString(), testTenant, reservationID, 1, domain.TryOnRequest{
		PersonImageURL:  "https://cdn.example.com/p.png",
		GarmentImageURL: "https://cdn.example.com/g.png",
		Provider:        "gemini",
	}, time.Now().Add(-age).UTC())
	if err := h.jobs.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	return job
}

func (h *harness) job(t *testing.T, jobID string) *domain.GenerationJob {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return job
}

func (h *harness) mustComplete(t *testing.T, jobID string) {
	t.Helper()
	if err := h.dispatcher.HandleCreated(context.Background(), jobID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := h.job(t, jobID).Status(); got != domain.JobStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
}

func (h *harness) account(t *testing.T) domain.CreditAccount {
	t.Helper()
	acct, err := h.ledger.Account(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	return acct
}
