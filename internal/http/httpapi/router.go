package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"tryon/internal/http/handlers"
	"tryon/internal/infra"
	"tryon/internal/metrics"
	"tryon/internal/middleware"
	"tryon/internal/pipeline"
)

// Options configures the router around the handlers.
type Options struct {
	JWTSecret       string
	CORSOrigins     []string
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
	RateLimiter     middleware.CounterStore
	RateLimitPerMin int
	Metrics         metrics.Pipeline
	MetricsHandler  http.Handler
	// StaticDir is served under /static when set.
	StaticDir string
	Logger    infra.Logger
}

// NewRouter serves the tenant API, the internal endpoints and the stored
// images.
func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := base(app, opts)
	if dir := strings.TrimSpace(opts.StaticDir); dir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(dir))))
	}

	r.Route("/v1/tryon", func(r chi.Router) {
		r.Use(middleware.CORS(opts.CORSOrigins))
		r.Use(middleware.AuthJWT(opts.JWTSecret))
		if opts.RateLimiter != nil && opts.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(opts.RateLimiter, opts.RateLimitPerMin, time.Minute, opts.Logger))
		}
		r.Post("/jobs", app.SubmitJob)
		r.Get("/jobs/{jobID}", app.JobStatus)
		r.Post("/jobs/{jobID}/view", app.ConfirmView)
		r.Get("/jobs/{jobID}/archive", app.ResultArchive)
	})

	mountInternal(r, app)
	return r
}

// NewInternalRouter serves only health, metrics and the internal endpoints,
// for gateway-only processes.
func NewInternalRouter(app *handlers.App, opts Options) http.Handler {
	r := base(app, opts)
	mountInternal(r, app)
	return r
}

func base(app *handlers.App, opts Options) chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger, opts.Metrics),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/readyz", app.Ready)
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}
	return r
}

func mountInternal(r chi.Router, app *handlers.App) {
	r.Route("/internal", func(r chi.Router) {
		r.Post(strings.TrimPrefix(pipeline.ProcessPath, "/internal"), app.Process)
		r.Post("/events/job-created", app.JobCreated)
	})
}
