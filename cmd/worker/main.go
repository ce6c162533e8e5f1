package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tryon/internal/bootstrap"
	"tryon/internal/infra"
)

// The worker serves the internal generation gateway for API instances
// started with GATEWAY_URL, and joins the NATS dispatcher queue group when
// NATS_URL is set. Sweep and reconcile loops stay with the API.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	// A worker always generates in process.
	cfg.GatewayURL = ""

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: bootstrap failed")
	}
	defer stack.Close()

	if cfg.NatsURL != "" {
		if err := stack.SubscribeDispatcher(); err != nil {
			logger.Fatal().Err(err).Msg("worker: event subscription failed")
		}
		logger.Info().Msg("worker: consuming job-created events")
	}

	server := infra.NewHTTPServer(cfg, stack.InternalHandler())
	go func() {
		logger.Info().Msgf("worker: gateway listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("worker: http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WorkerTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker: failed to shutdown server")
	}
	logger.Info().Msg("worker: stopped")
}
