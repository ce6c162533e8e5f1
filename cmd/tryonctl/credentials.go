package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tryon/internal/infra/credentials"
)

var keyFlag string

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage provider API keys stored in integration_tokens",
}

var setKeyCmd = &cobra.Command{
	Use:       "set <gemini|qwen>",
	Short:     "Store the API key of an image provider",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{credentials.ProviderGemini, credentials.ProviderQwen},
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := parseProvider(args[0])
		if err != nil {
			return err
		}
		key := strings.TrimSpace(keyFlag)
		if key == "" {
			key = strings.TrimSpace(os.Getenv(providerEnv(provider)))
		}
		if key == "" {
			return fmt.Errorf("%s API key is required via --key or %s", strings.ToUpper(provider), providerEnv(provider))
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		runner, closeFn, err := openRunner(ctx, "credentials")
		if err != nil {
			return err
		}
		defer closeFn()

		if err := credentials.NewStore(runner).Set(ctx, provider, key, map[string]any{"source": "tryonctl"}); err != nil {
			return fmt.Errorf("failed to persist %s api key: %w", provider, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s API key stored successfully\n", strings.ToUpper(provider))
		return nil
	},
}

var setGeminiKeyCmd = &cobra.Command{
	Use:   "set-gemini-key",
	Short: "Store the Gemini API key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setKeyCmd.RunE(cmd, []string{credentials.ProviderGemini})
	},
}

var deleteKeyCmd = &cobra.Command{
	Use:   "delete <gemini|qwen>",
	Short: "Remove a stored provider API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := parseProvider(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		runner, closeFn, err := openRunner(ctx, "credentials")
		if err != nil {
			return err
		}
		defer closeFn()
		if err := credentials.NewStore(runner).Delete(ctx, provider); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s API key removed\n", strings.ToUpper(provider))
		return nil
	},
}

func parseProvider(raw string) (string, error) {
	switch p := strings.ToLower(strings.TrimSpace(raw)); p {
	case credentials.ProviderGemini, credentials.ProviderQwen:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", raw)
	}
}

func providerEnv(provider string) string {
	if provider == credentials.ProviderQwen {
		return "DASHSCOPE_API_KEY"
	}
	return "GEMINI_API_KEY"
}

func init() {
	setKeyCmd.Flags().StringVar(&keyFlag, "key", "", "API key (default from the provider's environment variable)")
	setGeminiKeyCmd.Flags().StringVar(&keyFlag, "key", "", "API key (default $GEMINI_API_KEY)")
	credentialsCmd.AddCommand(setKeyCmd, setGeminiKeyCmd, deleteKeyCmd)
	rootCmd.AddCommand(credentialsCmd)
}
