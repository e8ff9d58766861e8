package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/tmarek/chatmux/pkg/chatmux/engine"
	"github.com/tmarek/chatmux/pkg/chatmux/gateway"
	"github.com/tmarek/chatmux/pkg/chatmux/store"
)

// newServeCmd creates the `chatmux serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway daemon",
		Long: `Start chatmux as a daemon serving the HTTP API: conversation
management and streaming chat exchanges.

Examples:
  chatmux serve
  chatmux serve --config ./config.yaml
  chatmux serve --address :9090`,
		RunE: runServe,
	}

	cmd.Flags().String("address", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)
	engine.AuditSecrets(cfg, logger)

	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Gateway.Address = addr
	}

	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	controller, err := engine.NewController(cfg, st, logger)
	if err != nil {
		return fmt.Errorf("building controller: %w", err)
	}
	registry := engine.NewRegistry(cfg.Session, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry.StartPruner(ctx)

	// Retention sweeper: purge soft-deleted conversations on a cron
	// schedule.
	sweeper := cron.New()
	retention := time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour
	_, err = sweeper.AddFunc(cfg.Store.PurgeSchedule, func() {
		n, err := st.PurgeDeleted(ctx, retention)
		if err != nil {
			logger.Error("retention sweep failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("retention sweep complete", "purged", n)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid purge schedule %q: %w", cfg.Store.PurgeSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	gw := gateway.New(controller, registry, st, cfg.Gateway, logger)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	logger.Info("chatmux running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"address", cfg.Gateway.Address,
		"providers", len(cfg.Providers),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	return nil
}

// resolveConfig loads the config from the --config flag or standard
// locations.
func resolveConfig(cmd *cobra.Command) (*engine.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := engine.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := engine.FindConfigFile(); found != "" {
		cfg, err := engine.LoadConfigFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	return nil, fmt.Errorf("no configuration file found; run 'chatmux setup' to create one")
}

// newLogger builds the slog logger from flags and config.
func newLogger(cmd *cobra.Command, cfg *engine.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
