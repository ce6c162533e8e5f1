package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tryon/internal/adapter/repo"
	"tryon/internal/domain"
	"tryon/internal/infra"
)

// openLedger picks the ledger the server uses: Postgres when DATABASE_URL is
// set, else Redis for JOB_STORE=redis.
func openLedger(ctx context.Context) (domain.CreditAccounts, func(), error) {
	if strings.TrimSpace(os.Getenv("DATABASE_URL")) != "" {
		runner, closeFn, err := openRunner(ctx, "credits")
		if err != nil {
			return nil, nil, err
		}
		return repo.NewLedgerRepository(runner), closeFn, nil
	}
	if backend := strings.ToLower(getEnvOrDefault("JOB_STORE", infra.StorePostgres)); backend != infra.StoreRedis {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	client, err := infra.NewRedisClient(ctx, os.Getenv("REDIS_URL"))
	if err != nil {
		return nil, nil, err
	}
	return repo.NewLedgerRepositoryRedis(client), func() { _ = client.Close() }, nil
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and top up tenant credit accounts",
}

var creditsTopUpCmd = &cobra.Command{
	Use:   "topup <tenantID> <amount>",
	Short: "Add credits to a tenant balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer, got %q", args[1])
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		ledger, closeFn, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		balance, err := ledger.TopUp(ctx, args[0], amount)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tenant %s balance: %d\n", args[0], balance)
		return nil
	},
}

var creditsShowCmd = &cobra.Command{
	Use:   "show <tenantID>",
	Short: "Show balance, held and spent credits of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		ledger, closeFn, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		account, err := ledger.Account(ctx, args[0])
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("tenant %s has no credit account", args[0])
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), account)
	},
}

func init() {
	creditsCmd.AddCommand(creditsTopUpCmd)
	creditsCmd.AddCommand(creditsShowCmd)
	rootCmd.AddCommand(creditsCmd)
}
