package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicolasdb/time-tracker-webapp/internal/api"
	"github.com/nicolasdb/time-tracker-webapp/internal/auth"
	"github.com/nicolasdb/time-tracker-webapp/internal/config"
	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/ingest"
	"github.com/nicolasdb/time-tracker-webapp/internal/mqttbridge"
	"github.com/nicolasdb/time-tracker-webapp/internal/outbox"
	"github.com/nicolasdb/time-tracker-webapp/internal/persistence/memory"
	"github.com/nicolasdb/time-tracker-webapp/internal/persistence/postgres"
	"github.com/nicolasdb/time-tracker-webapp/internal/persistence/sqlite"
	"github.com/nicolasdb/time-tracker-webapp/internal/reconstruct"
	httptransport "github.com/nicolasdb/time-tracker-webapp/internal/transport/http"
)

var version = "dev"

type store interface {
	domain.EventStore
	domain.CredentialRegistry
	domain.TagMetadataResolver
	domain.EventBrowser
}

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile, cfg.MinValidDuration)
	if err != nil {
		logger.Error("invalid reconstruction policy", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		st         store
		dispatcher *outbox.Dispatcher
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		st = postgres.NewRepository(pool)

		if cfg.OutboxEnabled {
			producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
			defer producer.Close()
			registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
			dispatcher = outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
				outbox.WithLogger(logger), outbox.WithClaimLease(cfg.OutboxClaimLease))
			go dispatcher.Start(ctx)
		}
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			logger.Error("failed to open sqlite", "path", cfg.SQLitePath, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			logger.Error("failed to init sqlite schema", "error", err)
			os.Exit(1)
		}
		st = db
	case config.DriverMemory:
		logger.Warn("using in-memory store, events are lost on restart")
		st = memory.NewStore()
	}

	gate := ingest.NewGate(st, st,
		ingest.WithRelaxedMode(cfg.IngestRelaxedMode),
		ingest.WithTimeout(cfg.IngestTimeout),
		ingest.WithLogger(logger),
	)
	reconstructor := reconstruct.New(st, st, policy,
		reconstruct.WithLogger(logger),
		reconstruct.WithParallelism(cfg.ReconstructParallelism),
	)

	handler := api.NewHandler(gate, reconstructor, st, api.WithLogger(logger), api.WithVersion(version))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux, httptransport.BodyLimit(cfg.MaxBodyBytes))
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, auth.SkipUnlessPrefix("/v1/"))
	authMiddleware.OnError = api.WriteAuthError

	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), httptransport.Chain(mux,
		httptransport.RequestLogger(logger),
		httptransport.CORS(cfg.CORSOrigin),
		authMiddleware.Wrap,
	))

	bridgeDone := make(chan struct{})
	if cfg.MQTTBrokerURL != "" {
		bridge := mqttbridge.NewBridge(mqttbridge.Config{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			QoS:       1,
		}, gate, mqttbridge.WithLogger(logger))
		go func() {
			defer close(bridgeDone)
			if err := bridge.Run(ctx); err != nil {
				logger.Error("mqtt bridge stopped", "error", err)
			}
		}()
	} else {
		close(bridgeDone)
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("presence api listening", "address", cfg.HTTPAddress, "store", cfg.StoreDriver, "relaxed", cfg.IngestRelaxedMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			shutdownCh <- syscall.SIGTERM
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	<-bridgeDone
	gate.Wait()
	if dispatcher != nil {
		dispatcher.Wait()
	}
}
