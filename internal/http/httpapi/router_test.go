package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"tryon/internal/adapter/repo"
	"tryon/internal/domain"
	"tryon/internal/events"
	"tryon/internal/http/handlers"
	"tryon/internal/metrics"
	"tryon/internal/middleware"
	"tryon/internal/pipeline"
)

const (
	jwtSecret  = "tenant-jwt-secret"
	signingKey = "internal-signing-key"
	opSecret   = "operator-secret"
	tenant     = "shop-1"
)

type stubWorker struct {
	err error
}

func (w stubWorker) Generate(ctx context.Context, job *domain.GenerationJob) (domain.Result, error) {
	if w.err != nil {
		return domain.Result{}, w.err
	}
	return domain.Result{Provider: "stub", Images: []domain.ResultImage{{
		StorageKey: "tryon/" + job.ID + "/00.png",
		URL:        "http://localhost/static/tryon/" + job.ID + "/00.png",
		MIME:       "image/png",
	}}}, nil
}

type fixture struct {
	handler http.Handler
	jobs    *repo.JobRepositoryMemory
	ledger  *repo.LedgerRepositoryMemory
	bus     *events.LocalBus
	static  string
}

func newFixture(t *testing.T, worker pipeline.Worker) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	prom := metrics.NewProm("tryon_test", prometheus.NewRegistry())

	jobs := repo.NewJobRepositoryMemory()
	ledger := repo.NewLedgerRepositoryMemory()
	locker := repo.NewLockerMemory()
	bus := events.NewLocalBus(logger)
	auth := pipeline.NewAuthorizer(signingKey, opSecret)

	gateway := pipeline.NewGateway(jobs, worker, auth, pipeline.GatewayConfig{WorkerTimeout: time.Second}, prom, logger)
	dispatcher := pipeline.NewDispatcher(jobs, gateway, auth, prom, logger)
	sweeper := pipeline.NewSweeper(jobs, dispatcher, locker, pipeline.SweeperConfig{Grace: time.Nanosecond}, prom, logger)
	gateway.SetBatchRunner(sweeper)
	bus.Subscribe(dispatcher.OnJobCreated)

	app := &handlers.App{
		Intake:     pipeline.NewIntake(ledger, jobs, bus, 2, nil, prom, logger),
		Jobs:       jobs,
		Confirmer:  pipeline.NewConfirmer(jobs, ledger, locker, prom, logger),
		Gateway:    gateway,
		Dispatcher: dispatcher,
		Auth:       auth,
		Logger:     logger,
	}

	static := t.TempDir()
	h := NewRouter(app, Options{
		JWTSecret:       jwtSecret,
		DefaultLocale:   "en",
		RateLimiter:     middleware.NewMemoryCounter(),
		RateLimitPerMin: 100,
		Metrics:         prom,
		MetricsHandler:  prom.Handler(),
		StaticDir:       static,
		Logger:          logger,
	})
	return &fixture{handler: h, jobs: jobs, ledger: ledger, bus: bus, static: static}
}

func tenantToken(t *testing.T, tenantID string) string {
	t.Helper()
	token, err := middleware.SignTenantToken(jwtSecret, middleware.TenantClaims{TenantID: tenantID}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

var validJob = map[string]string{
	"personImageUrl":  "https://cdn.example.com/person.jpg",
	"garmentImageUrl": "https://cdn.example.com/shirt.jpg",
}

func TestTryOnFlow(t *testing.T) {
	f := newFixture(t, stubWorker{})
	ctx := context.Background()
	if _, err := f.ledger.TopUp(ctx, tenant, 10); err != nil {
		t.Fatalf("topup: %v", err)
	}
	token := tenantToken(t, tenant)

	rec := f.do(t, http.MethodPost, "/v1/tryon/jobs", token, validJob)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	submitted := decodeBody(t, rec)
	jobID, _ := submitted["jobId"].(string)
	if jobID == "" || submitted["status"] != string(domain.JobStatusPending) {
		t.Fatalf("unexpected submit body %v", submitted)
	}
	f.bus.Wait()

	rec = f.do(t, http.MethodGet, "/v1/tryon/jobs/"+jobID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	status := decodeBody(t, rec)
	if status["status"] != string(domain.JobStatusCompleted) || status["result"] == nil {
		t.Fatalf("job should be completed with a result: %v", status)
	}
	if status["creditCommitted"] != false {
		t.Fatalf("credit must not be committed before viewing: %v", status)
	}

	rec = f.do(t, http.MethodPost, "/v1/tryon/jobs/"+jobID+"/view", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("view: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["success"] != true || body["alreadyCommitted"] != false {
		t.Fatalf("unexpected first view body %v", body)
	}

	rec = f.do(t, http.MethodPost, "/v1/tryon/jobs/"+jobID+"/view", token, map[string]string{"tenantId": tenant})
	if body := decodeBody(t, rec); rec.Code != http.StatusOK || body["alreadyCommitted"] != true {
		t.Fatalf("second view should report alreadyCommitted: %d %v", rec.Code, body)
	}

	account, err := f.ledger.Account(ctx, tenant)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if account.Balance != 8 || account.Spent != 2 || account.Held != 0 {
		t.Fatalf("unexpected account after one commit: %+v", account)
	}
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t, stubWorker{})
	token := tenantToken(t, tenant)

	rec := f.do(t, http.MethodPost, "/v1/tryon/jobs", token, validJob)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 without credits, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "insufficient_credits" {
		t.Fatalf("unexpected body %v", body)
	}

	_, _ = f.ledger.TopUp(context.Background(), tenant, 10)
	rec = f.do(t, http.MethodPost, "/v1/tryon/jobs", token, map[string]string{"personImageUrl": "ftp://x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid urls, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/tryon/jobs", "", validJob)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestJobOfOtherTenantIsHidden(t *testing.T) {
	f := newFixture(t, stubWorker{})
	_, _ = f.ledger.TopUp(context.Background(), tenant, 10)

	rec := f.do(t, http.MethodPost, "/v1/tryon/jobs", tenantToken(t, tenant), validJob)
	jobID, _ := decodeBody(t, rec)["jobId"].(string)
	f.bus.Wait()

	other := tenantToken(t, "shop-2")
	if rec := f.do(t, http.MethodGet, "/v1/tryon/jobs/"+jobID, other, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status of foreign job: expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/tryon/jobs/"+jobID+"/view", other, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("view of foreign job: expected 404, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/v1/tryon/jobs/"+jobID+"/view", tenantToken(t, tenant), map[string]string{"tenantId": "shop-2"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("body tenant mismatch: expected 404, got %d", rec.Code)
	}
}

func TestViewBeforeCompletion(t *testing.T) {
	f := newFixture(t, stubWorker{err: errors.New("model refused")})
	_, _ = f.ledger.TopUp(context.Background(), tenant, 10)
	token := tenantToken(t, tenant)

	rec := f.do(t, http.MethodPost, "/v1/tryon/jobs", token, validJob)
	jobID, _ := decodeBody(t, rec)["jobId"].(string)
	f.bus.Wait()

	rec = f.do(t, http.MethodPost, "/v1/tryon/jobs/"+jobID+"/view", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for failed job, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "not_ready" || body["status"] != string(domain.JobStatusFailed) {
		t.Fatalf("unexpected not ready body %v", body)
	}
}

func TestInternalProcessRequiresCredentials(t *testing.T) {
	f := newFixture(t, stubWorker{})
	rec := f.do(t, http.MethodPost, pipeline.ProcessPath, "nope", map[string]string{"jobId": "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/internal/events/job-created", "", map[string]string{"jobId": "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on webhook, got %d", rec.Code)
	}
}

func TestInternalProcessChecksCredentialsBeforeBody(t *testing.T) {
	f := newFixture(t, stubWorker{})
	for _, token := range []string{"", "nope"} {
		req := httptest.NewRequest(http.MethodPost, pipeline.ProcessPath, strings.NewReader("{not json"))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401 for malformed body, got %d", token, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, pipeline.ProcessPath, strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+opSecret)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("authorized malformed body: expected 400, got %d", rec.Code)
	}
}

func TestInternalProcessSingleAndBatch(t *testing.T) {
	f := newFixture(t, stubWorker{})
	ctx := context.Background()
	for _, id := range []string{"job-a", "job-b"} {
		job := domain.NewPendingJob(id, tenant, "res-"+id, 1, domain.TryOnRequest{Provider: "gemini"}, time.Now().Add(-time.Hour))
		if err := f.jobs.Create(ctx, job); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	rec := f.do(t, http.MethodPost, pipeline.ProcessPath, opSecret, map[string]string{"jobId": "job-a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("process: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["status"] != string(domain.JobStatusCompleted) || body["skipped"] != false {
		t.Fatalf("unexpected process body %v", body)
	}

	rec = f.do(t, http.MethodPost, pipeline.ProcessPath, opSecret, map[string]string{"jobId": "job-a"})
	if body := decodeBody(t, rec); body["skipped"] != true {
		t.Fatalf("second process must be skipped: %v", body)
	}

	rec = f.do(t, http.MethodPost, pipeline.ProcessPath, opSecret, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch: expected 200, got %d", rec.Code)
	}
	report := decodeBody(t, rec)
	if report["total"] != float64(1) || report["processed"] != float64(1) {
		t.Fatalf("unexpected batch report %v", report)
	}

	rec = f.do(t, http.MethodPost, pipeline.ProcessPath, opSecret, map[string]string{"jobId": "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: expected 404, got %d", rec.Code)
	}
}

func TestJobCreatedWebhook(t *testing.T) {
	f := newFixture(t, stubWorker{})
	ctx := context.Background()
	job := domain.NewPendingJob("job-w", tenant, "res-w", 1, domain.TryOnRequest{Provider: "gemini"}, time.Now())
	if err := f.jobs.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/internal/events/job-created", opSecret, events.JobCreated{JobID: "job-w"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	stored, err := f.jobs.Get(ctx, "job-w")
	if err != nil || stored.Status() != domain.JobStatusCompleted {
		t.Fatalf("webhook should complete the job: %v %v", stored, err)
	}

	rec = f.do(t, http.MethodPost, "/internal/events/job-created", opSecret, map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing jobId: expected 400, got %d", rec.Code)
	}
}

func TestLocalizedErrors(t *testing.T) {
	f := newFixture(t, stubWorker{})
	req := httptest.NewRequest(http.MethodGet, "/v1/tryon/jobs/x", nil)
	req.Header.Set("Accept-Language", "id-ID,id;q=0.9")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	body := decodeBody(t, rec)
	if rec.Code != http.StatusUnauthorized || body["message"] != "otorisasi tidak ditemukan" {
		t.Fatalf("expected indonesian 401, got %d %v", rec.Code, body)
	}
	if rec.Header().Get("Content-Language") != "id" {
		t.Fatalf("expected Content-Language id, got %q", rec.Header().Get("Content-Language"))
	}
}

func TestHealthMetricsAndStatic(t *testing.T) {
	f := newFixture(t, stubWorker{})

	if rec := f.do(t, http.MethodGet, "/v1/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tryon_test_http_requests") {
		t.Fatalf("metrics should expose request metrics: %d", rec.Code)
	}

	if err := os.MkdirAll(filepath.Join(f.static, "tryon"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.static, "tryon", "a.png"), []byte("png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec = f.do(t, http.MethodGet, "/static/tryon/a.png", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "png" {
		t.Fatalf("static: %d %q", rec.Code, rec.Body.String())
	}
}

func TestInternalRouterHidesTenantAPI(t *testing.T) {
	f := newFixture(t, stubWorker{})
	f.handler = NewInternalRouter(&handlers.App{Logger: zerolog.Nop()}, Options{Logger: zerolog.Nop()})

	if rec := f.do(t, http.MethodGet, "/v1/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/v1/tryon/jobs", tenantToken(t, tenant), validJob); rec.Code != http.StatusNotFound {
		t.Fatalf("tenant api must not be served, got %d", rec.Code)
	}
}

func TestReadinessProbes(t *testing.T) {
	f := newFixture(t, stubWorker{})
	down := errors.New("connection refused")
	app := &handlers.App{Logger: zerolog.Nop(), Probes: map[string]handlers.Probe{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return down },
	}}
	f.handler = NewInternalRouter(app, Options{Logger: zerolog.Nop()})

	rec := f.do(t, http.MethodGet, "/v1/readyz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with a failing probe: %d", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Checks["postgres"] != "ok" || body.Checks["redis"] != "down" {
		t.Fatalf("unexpected readiness body %+v", body)
	}

	delete(app.Probes, "redis")
	if rec := f.do(t, http.MethodGet, "/v1/readyz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}
}
