package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"webllm-chat/config"
	"webllm-chat/web"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ServeFlags struct {
	PersistentWorker bool
}

func (f *ServeFlags) BindFlags(fs *pflag.FlagSet) {
	fs.String("port", "8080", "Port the web server listens on")
	fs.String("store-backend", config.StoreMemory, "Persistence backend (memory, sqlite, postgres, redis)")
	fs.String("store-dsn", "", "SQLite path or Postgres connection string")
	fs.String("redis-addr", "localhost:6379", "Redis address for the redis backend")
	fs.BoolVar(&f.PersistentWorker, "persistent-worker", f.PersistentWorker,
		"host the engine in a persistent worker instead of a per-page one")
	bindFlag(fs, "port", "WEB_PORT")
	bindFlag(fs, "store-backend", "STORE_BACKEND")
	bindFlag(fs, "store-dsn", "STORE_DSN")
	bindFlag(fs, "redis-addr", "REDIS_ADDR")
}

func serve(f *ServeFlags) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer config.Cleanup()

	// Create context that listens for interrupt signals
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, cfg, f.PersistentWorker, logger)
	if err != nil {
		logger.Error("Failed to start", zap.Error(err))
		return err
	}
	defer a.close(logger)

	cleanupService := web.NewCleanupService(a.sessions, logger)
	if _, err := cleanupService.CleanupStaleStreams(ctx); err != nil {
		logger.Warn("Initial stale stream sweep failed", zap.Error(err))
	}
	webServer := web.NewServer(a.deps(), logger, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return webServer.Start(gctx, ":"+cfg.WebPort)
	})
	g.Go(func() error {
		return cleanupService.Run(gctx, cfg.StaleSweepInterval)
	})

	logger.Info("webllm-chat started",
		zap.String("port", cfg.WebPort),
		zap.String("model_client", cfg.ModelClient),
		zap.String("store", cfg.StoreBackend))
	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("webllm-chat stopped")
	return nil
}

func init() {
	f := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat web server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(f)
		},
	}

	f.BindFlags(cmd.Flags())
	rootCmd.AddCommand(cmd)
}
