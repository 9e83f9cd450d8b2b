// Command sellctl is a terminal sell panel for the liquidation engine: it
// quotes a sale, asks for confirmation when the price impact is large,
// submits it and keeps a local history of submissions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atmx/liquidation-engine/internal/client"
	"github.com/atmx/liquidation-engine/internal/config"
)

var (
	configPath string
	baseURL    string
	userID     string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "sellctl",
	Short:         "Quote and sell prediction market positions",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if baseURL != "" {
			cfg.Client.BaseURL = baseURL
		}
		if userID != "" {
			cfg.Client.UserID = userID
		}
		logger = config.NewLogger(cfg.Log, os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "sellctl.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "settlement service URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user id to act as (overrides config)")

	rootCmd.AddCommand(quoteCmd, sellCmd, watchCmd, historyCmd, positionsCmd)
}

// newClient builds the API client for the configured user.
func newClient() (*client.Client, error) {
	if cfg.Client.UserID == "" {
		return nil, fmt.Errorf("no user configured: pass --user or set SELLCTL_USER_ID")
	}
	return client.New(cfg.Client.BaseURL, cfg.Client.UserID,
		client.WithRateLimit(cfg.Client.RatePerSec, 5),
		client.WithLogger(logger),
	), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
