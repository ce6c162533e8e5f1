package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tryon/internal/infra"
)

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

var (
	gatewayURL string
	secret     string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "tryonctl",
	Short: "Operator tool for the try-on generation pipeline",
	Long: `tryonctl drives the processing gateway with the shared processing secret,
inspects jobs and manages tenant credits and provider keys.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", getEnvOrDefault("GATEWAY_URL", "http://localhost:"+getEnvOrDefault("PORT", "8080")), "Base URL of the processing gateway")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "Processing secret (default $PROCESSING_SECRET)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 3*time.Minute, "Timeout for the whole command")
}

func processingSecret() (string, error) {
	if s := strings.TrimSpace(secret); s != "" {
		return s, nil
	}
	if s := strings.TrimSpace(os.Getenv("PROCESSING_SECRET")); s != "" {
		return s, nil
	}
	return "", errors.New("processing secret required via --secret or PROCESSING_SECRET")
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// openRunner connects to DATABASE_URL for commands that work on Postgres
// directly.
func openRunner(ctx context.Context, name string) (*infra.SQLRunner, func(), error) {
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect database: %w", err)
	}
	logger := infra.NewLogger("cli").With().Str("cmd", name).Logger()
	return infra.NewSQLRunner(pool, logger), pool.Close, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
