// Package bootstrap assembles the pipeline from configuration. The API,
// worker and operator binaries share it so they agree on backends.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tryon/internal/adapter/repo"
	"tryon/internal/domain"
	"tryon/internal/events"
	"tryon/internal/generation"
	"tryon/internal/http/handlers"
	"tryon/internal/http/httpapi"
	"tryon/internal/infra"
	"tryon/internal/infra/credentials"
	"tryon/internal/infra/geoip"
	"tryon/internal/metrics"
	"tryon/internal/middleware"
	"tryon/internal/pipeline"
	"tryon/internal/providers/genai"
	"tryon/internal/providers/image"
	"tryon/internal/providers/qwen"
	"tryon/internal/storage"
)

// Ledger is the credit ledger together with its operator side.
type Ledger interface {
	domain.CreditLedger
	domain.CreditAccounts
}

// Stack holds every wired component.
type Stack struct {
	Config      *infra.Config
	Logger      infra.Logger
	Metrics     *metrics.Prom
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Jobs        domain.JobStore
	Ledger      Ledger
	Locker      domain.Locker
	Credentials *credentials.Store
	GeoIP       *geoip.Resolver
	Auth        *pipeline.Authorizer
	Files       *storage.FileStore
	Gateway     *pipeline.Gateway
	Processor   pipeline.Processor
	Dispatcher  *pipeline.Dispatcher
	Sweeper     *pipeline.Sweeper
	Reconciler  *pipeline.Reconciler
	Confirmer   *pipeline.Confirmer
	Intake      *pipeline.Intake

	publisher events.Publisher
	local     *events.LocalBus
	nats      *events.NatsBus
	closers   []func()
}

// Open connects the configured backends and builds the pipeline. Close
// releases whatever Open acquired, also when Open fails halfway.
func Open(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Stack, error) {
	s := &Stack{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewProm("tryon", prometheus.NewRegistry()),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.openBackends(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openEvents(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.buildPipeline(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stack) openBackends(ctx context.Context) error {
	cfg := s.Config
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return err
		}
		s.Pool = pool
		s.closers = append(s.closers, pool.Close)
	}
	if cfg.RedisURL != "" {
		client, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		s.Redis = client
		s.closers = append(s.closers, func() { _ = client.Close() })
	}

	if cfg.GeoIPDBPath != "" {
		resolver, err := geoip.Open(cfg.GeoIPDBPath)
		if err != nil {
			return err
		}
		s.GeoIP = resolver
		s.closers = append(s.closers, func() { _ = resolver.Close() })
	}

	var runner *infra.SQLRunner
	if s.Pool != nil {
		runner = infra.NewSQLRunner(s.Pool, s.Logger)
		s.Credentials = credentials.NewStore(runner)
	}

	switch cfg.JobStore {
	case infra.StorePostgres:
		s.Jobs = repo.NewJobRepository(runner)
	case infra.StoreRedis:
		s.Jobs = repo.NewJobRepositoryRedis(s.Redis)
	default:
		s.Jobs = repo.NewJobRepositoryMemory()
	}

	// The ledger must be shared by every instance that sees the same jobs,
	// otherwise a job reserved on one instance cannot be settled on another.
	switch {
	case runner != nil:
		s.Ledger = repo.NewLedgerRepository(runner)
	case cfg.JobStore == infra.StoreRedis:
		s.Ledger = repo.NewLedgerRepositoryRedis(s.Redis)
	default:
		s.Logger.Warn().Msg("bootstrap: single process mode, credit ledger is in memory")
		s.Ledger = repo.NewLedgerRepositoryMemory()
	}

	switch {
	case runner != nil:
		s.Locker = repo.NewLockerPG(runner)
	case s.Redis != nil:
		s.Locker = repo.NewLockerRedis(s.Redis)
	default:
		s.Locker = repo.NewLockerMemory()
	}
	return nil
}

func (s *Stack) openEvents() error {
	if s.Config.NatsURL == "" {
		s.local = events.NewLocalBus(s.Logger)
		s.publisher = s.local
		return nil
	}
	bus, err := events.NewNatsBus(s.Config.NatsURL, s.Logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	s.nats = bus
	s.publisher = bus
	s.closers = append(s.closers, bus.Close)
	return nil
}

func (s *Stack) buildPipeline(ctx context.Context) error {
	cfg := s.Config
	files, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		return err
	}
	s.Files = files

	registry, err := s.imageProviders(ctx)
	if err != nil {
		return err
	}
	worker := generation.NewWorker(registry, files, s.Logger)
	worker.ThrottleProviders(cfg.ProviderRPS, cfg.ProviderBurst)

	s.Auth = pipeline.NewAuthorizer(cfg.InternalSigningKey, cfg.ProcessingSecret)
	s.Gateway = pipeline.NewGateway(s.Jobs, worker, s.Auth, pipeline.GatewayConfig{WorkerTimeout: cfg.WorkerTimeout}, s.Metrics, s.Logger)
	s.Processor = s.Gateway
	if cfg.GatewayURL != "" {
		s.Processor = pipeline.NewGatewayClient(cfg.GatewayURL, cfg.WorkerTimeout+30*time.Second)
		s.Logger.Info().Str("gateway_url", cfg.GatewayURL).Msg("bootstrap: dispatching to remote gateway")
	}

	s.Dispatcher = pipeline.NewDispatcher(s.Jobs, s.Processor, s.Auth, s.Metrics, s.Logger)
	s.Sweeper = pipeline.NewSweeper(s.Jobs, s.Dispatcher, s.Locker, pipeline.SweeperConfig{
		Interval: cfg.SweepInterval,
		Grace:    cfg.SweepGrace,
		Batch:    cfg.SweepBatch,
	}, s.Metrics, s.Logger)
	s.Gateway.SetBatchRunner(s.Sweeper)

	s.Reconciler = pipeline.NewReconciler(s.Jobs, s.Ledger, s.Locker, pipeline.ReconcilerConfig{
		Interval:          cfg.ReconcileInterval,
		AbandonAfter:      cfg.AbandonAfter,
		ProcessingTimeout: cfg.ProcessingTimeout,
		ViewWindow:        cfg.ViewWindow,
	}, s.Metrics, s.Logger)
	s.Confirmer = pipeline.NewConfirmer(s.Jobs, s.Ledger, s.Locker, s.Metrics, s.Logger)
	s.Intake = pipeline.NewIntake(s.Ledger, s.Jobs, s.publisher, cfg.GenerationCost, registry.Names(), s.Metrics, s.Logger)
	return nil
}

// imageProviders resolves provider keys from the environment first and the
// integration_tokens table second.
func (s *Stack) imageProviders(ctx context.Context) (image.Registry, error) {
	cfg := s.Config
	geminiKey, err := credentials.Resolve(ctx, cfg.GeminiAPIKey, s.Credentials, credentials.ProviderGemini)
	if err != nil {
		return nil, fmt.Errorf("resolve gemini key: %w", err)
	}
	qwenKey, err := credentials.Resolve(ctx, cfg.QwenAPIKey, s.Credentials, credentials.ProviderQwen)
	if err != nil {
		return nil, fmt.Errorf("resolve qwen key: %w", err)
	}

	providerLogger := s.Logger
	geminiClient, err := genai.NewClient(genai.Options{
		APIKey:  geminiKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Logger:  &providerLogger,
	})
	if err != nil {
		return nil, err
	}
	if !geminiClient.HasCredentials() {
		s.Logger.Warn().Msg("bootstrap: no gemini key, generating synthetic previews")
	}
	qwenClient, err := qwen.NewClient(qwen.Options{
		APIKey:  qwenKey,
		BaseURL: cfg.QwenBaseURL,
		Model:   cfg.QwenModel,
		Logger:  &providerLogger,
	})
	if err != nil {
		return nil, err
	}

	gemini := image.NewGeminiGenerator(geminiClient)
	return image.Registry{
		"gemini": gemini,
		"qwen":   image.NewQwenGenerator(qwenClient, gemini),
	}, nil
}

// SubscribeDispatcher routes job-created events to the dispatcher.
func (s *Stack) SubscribeDispatcher() error {
	if s.local != nil {
		s.local.Subscribe(s.Dispatcher.OnJobCreated)
		return nil
	}
	if _, err := s.nats.SubscribeJobCreated(s.Dispatcher.OnJobCreated); err != nil {
		return fmt.Errorf("subscribe job created: %w", err)
	}
	return nil
}

// RunLoops starts the sweep and reconcile loops until ctx ends.
func (s *Stack) RunLoops(ctx context.Context) {
	go s.Sweeper.Run(ctx)
	go s.Reconciler.Run(ctx)
}

// Handler builds the HTTP API over the stack.
func (s *Stack) Handler() http.Handler {
	return httpapi.NewRouter(s.app(), s.routerOptions())
}

// InternalHandler serves the gateway endpoints without the tenant API.
func (s *Stack) InternalHandler() http.Handler {
	return httpapi.NewInternalRouter(s.app(), s.routerOptions())
}

func (s *Stack) app() *handlers.App {
	return &handlers.App{
		Intake:     s.Intake,
		Jobs:       s.Jobs,
		Confirmer:  s.Confirmer,
		Gateway:    s.Gateway,
		Dispatcher: s.Dispatcher,
		Auth:       s.Auth,
		Files:      s.Files,
		Probes:     s.probes(),
		Logger:     infra.Component(s.Logger, "http"),
	}
}

func (s *Stack) probes() map[string]handlers.Probe {
	probes := map[string]handlers.Probe{}
	if s.Pool != nil {
		probes["postgres"] = s.Pool.Ping
	}
	if s.Redis != nil {
		probes["redis"] = func(ctx context.Context) error { return s.Redis.Ping(ctx).Err() }
	}
	if s.nats != nil {
		probes["nats"] = func(context.Context) error {
			if !s.nats.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}
	return probes
}

func (s *Stack) routerOptions() httpapi.Options {
	var counters middleware.CounterStore = middleware.NewMemoryCounter()
	if s.Redis != nil {
		counters = middleware.NewRedisCounter(s.Redis)
	}
	var lookup middleware.CountryLookup
	if s.GeoIP != nil {
		lookup = s.GeoIP.CountryCode
	}
	return httpapi.Options{
		JWTSecret:       s.Config.JWTSecret,
		CORSOrigins:     s.Config.CORSAllowedOrigins,
		DefaultLocale:   s.Config.DefaultLocale,
		CountryLookup:   lookup,
		RateLimiter:     counters,
		RateLimitPerMin: s.Config.RateLimitPerMin,
		Metrics:         s.Metrics,
		MetricsHandler:  s.Metrics.Handler(),
		StaticDir:       s.Files.BasePath(),
		Logger:          s.Logger,
	}
}

// Close releases connections in reverse order of acquisition.
func (s *Stack) Close() {
	if s.local != nil {
		s.local.Wait()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
