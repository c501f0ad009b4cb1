package cmd

import (
	"context"
	"log/slog"

	"payment-webhook-service/internal/config"
	"payment-webhook-service/internal/logging"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "payment-webhook-service",
	Short:        "Payment provider webhook receiver",
	Long:         "Receives signed payment provider webhooks and keeps orders, tickets and refunds in sync with them.",
	SilenceUsage: true,
}

// Execute runs the command line. It is called once from main.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "Directory containing config.yaml")
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.GetLogger(cfg.Logs), nil
}
