package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/itemchat-server/internal/app"
	"github.com/vovakirdan/itemchat-server/internal/config"
	"github.com/vovakirdan/itemchat-server/internal/log"
	"github.com/vovakirdan/itemchat-server/internal/store/sqlite"
)

var (
	configPath string
	overrides  config.Config
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "itemchat-server",
		Short:         "Item-scoped direct messaging server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	root.PersistentFlags().StringVar(&overrides.DatabasePath, "db", "", "SQLite database path")
	root.PersistentFlags().StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&overrides.LogFormat, "log-format", "", "log output format (console, json)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE:  runServe,
	}
	for _, cmd := range []*cobra.Command{root, serve} {
		cmd.Flags().StringVar(&overrides.Addr, "addr", "", "HTTP listen address")
		cmd.Flags().DurationVar(&overrides.ReadHeaderTimeout, "read-header-timeout", 0, "HTTP read header timeout")
		cmd.Flags().DurationVar(&overrides.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
		cmd.Flags().StringVar(&overrides.Cache.Backend, "cache", "", "conversation list cache backend (memory, redis)")
		cmd.Flags().StringVar(&overrides.Cache.RedisURL, "redis-url", "", "redis URL for the redis cache backend")
	}

	root.AddCommand(serve, migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves file and env configuration, then applies command line overrides.
func loadConfig() (*config.Config, *zerolog.Logger, error) {
	bootstrap := log.New("info", overrides.LogFormat)

	cfg, path, err := config.Load(bootstrap, configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.UpdateFrom(overrides)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("config", path).Msg("configuration loaded")
	return &cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Msg("starting itemchat server")
	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := sqlite.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info().Str("db_path", cfg.DatabasePath).Msg("schema applied")
			return st.Close()
		},
	}
}
