package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicolasdb/time-tracker-webapp/internal/config"
	"github.com/nicolasdb/time-tracker-webapp/internal/outbox"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, logger)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("dlq manager metrics listening", "address", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("dlq manager started", "interval", cfg.DLQPollInterval, "max_retries", cfg.DLQMaxRetries)
	ticker := time.NewTicker(cfg.DLQPollInterval)
	defer ticker.Stop()

	for {
		drain(ctx, manager, cfg.DLQBatchSize, logger)
		select {
		case <-ctx.Done():
			logger.Info("dlq manager stopping")
		case <-ticker.C:
			continue
		}
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", "error", err)
	}
}

// drain requeues due entries until a batch comes back short.
func drain(ctx context.Context, manager *outbox.DLQManager, batch int, logger *slog.Logger) {
	total := 0
	for ctx.Err() == nil {
		n, err := manager.RunOnce(ctx, batch)
		total += n
		if err != nil {
			logger.Error("dlq pass failed", "requeued", total, "error", err)
			return
		}
		if n < batch {
			break
		}
	}
	if total > 0 {
		logger.Info("dlq entries requeued", "count", total)
	}
}
