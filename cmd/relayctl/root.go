package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"roomrelay/pkg/config"
	"roomrelay/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig    string
	flagSignalURL string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Test client and operator tool for roomrelay",
	Long: `relayctl joins rooms as a publisher or subscriber, and drives the
mediator admin API.

Examples:
  relayctl publish --room lobby
  relayctl subscribe --room lobby --exclude 0
  relayctl forward lobby
  relayctl forward --all`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&flagSignalURL, "signal-url", "", "signaling websocket URL (overrides mediator.signal_url)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (overrides logging.level)")

	rootCmd.AddCommand(publishCmd, subscribeCmd, forwardCmd, tokenCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// settings is the resolved configuration shared by every subcommand.
type settings struct {
	cfg *config.Config
	log *zap.SugaredLogger
}

func loadSettings() (*settings, error) {
	var (
		cfg *config.Config
		err error
	)
	if flagConfig != "" {
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg, _, _ = config.LoadFirst("configs/config.yaml", "config.yaml")
	}

	if flagSignalURL != "" {
		cfg.Mediator.SignalURL = flagSignalURL
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}

	return &settings{
		cfg: cfg,
		log: logger.NewWithFormat(cfg.Logging.Level, "console").Sugar(),
	}, nil
}
