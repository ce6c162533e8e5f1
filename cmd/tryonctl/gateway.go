package main

import (
	"github.com/spf13/cobra"

	"tryon/internal/pipeline"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one sweep of stale PENDING jobs through the gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := processingSecret()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		report, err := pipeline.NewGatewayClient(gatewayURL, timeout).ProcessBatch(ctx, token)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var processCmd = &cobra.Command{
	Use:   "process <jobID>",
	Short: "Process one PENDING job through the gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := processingSecret()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		out, err := pipeline.NewGatewayClient(gatewayURL, timeout).Process(ctx, token, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(processCmd)
}
