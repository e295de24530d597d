// Command api serves the Ledger API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/swiftpay/internal/config"
	"github.com/congo-pay/swiftpay/internal/infra"
	"github.com/congo-pay/swiftpay/internal/logging"
	"github.com/congo-pay/swiftpay/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("app", cfg.AppName, "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("server exited cleanly")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := infra.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		db = pool
	} else {
		logger.Warn("DATABASE_URL not set, using the in-memory ledger")
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		client, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		cache = client
	} else {
		logger.Warn("REDIS_URL not set, idempotency and rate limiting disabled")
	}

	srv, err := server.New(cfg, db, cache, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Listen)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "grace", cfg.ShutdownPeriod)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
