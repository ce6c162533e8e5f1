package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tryon/internal/bootstrap"
	"tryon/internal/infra"
)

func main() {
	// Muat .env (opsional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: bootstrap failed")
	}
	defer stack.Close()

	if err := stack.SubscribeDispatcher(); err != nil {
		logger.Fatal().Err(err).Msg("api: event subscription failed")
	}
	stack.RunLoops(ctx)

	server := infra.NewHTTPServer(cfg, stack.Handler())
	go func() {
		logger.Info().Str("job_store", cfg.JobStore).Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
