// coldtraced is the custody core daemon: sensor bindings, telemetry
// aggregation, violation detection, the stage guard, and the ledger commit
// orchestrator behind one HTTP surface, with an optional Kafka intake.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coldtrace-labs/coldtrace/core/pkg/api"
	"github.com/coldtrace-labs/coldtrace/core/pkg/audit"
	"github.com/coldtrace-labs/coldtrace/core/pkg/binding"
	"github.com/coldtrace-labs/coldtrace/core/pkg/chain"
	"github.com/coldtrace-labs/coldtrace/core/pkg/commit"
	"github.com/coldtrace-labs/coldtrace/core/pkg/config"
	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
	"github.com/coldtrace-labs/coldtrace/core/pkg/ingest"
	"github.com/coldtrace-labs/coldtrace/core/pkg/observability"
	"github.com/coldtrace-labs/coldtrace/core/pkg/stage"
	"github.com/coldtrace-labs/coldtrace/core/pkg/telemetry"
	"github.com/coldtrace-labs/coldtrace/core/pkg/violation"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "coldtrace-core",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// storage
	readingDB, err := sql.Open("sqlite", cfg.ReadingDBPath)
	if err != nil {
		return err
	}
	defer func() { _ = readingDB.Close() }()
	readingLog, err := telemetry.NewSQLiteReadingLog(readingDB)
	if err != nil {
		return err
	}

	outbox, closeOutbox, err := openOutbox(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeOutbox()

	// the pipeline
	registry := binding.NewRegistry()
	aggregator := telemetry.NewAggregator(registry,
		telemetry.WithReadingLog(readingLog),
		telemetry.WithLogger(logger),
	)

	catalog := violation.NewCatalog()
	if cfg.ProfilePath != "" {
		if err := catalog.LoadProfiles(cfg.ProfilePath); err != nil {
			return err
		}
	}
	detector := violation.NewDetector(catalog, violation.Config{}, logger)

	// no external ledger endpoint is configured in this build; the in-process
	// chain keeps the full commit path exercised end to end
	ledger := chain.NewBreakerClient(chain.NewMemChain(), 5, 10*time.Second)

	orchestrator := commit.NewOrchestrator(ledger, outbox, commit.Config{
		Account:        cfg.LedgerAccount,
		GasBuffer:      cfg.GasBuffer,
		GasCeiling:     cfg.GasCeiling,
		MaxAttempts:    cfg.MaxAttempts,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Metrics:        obs,
	}, logger)
	defer orchestrator.Close()

	if n, err := orchestrator.RecoverPending(ctx); err != nil {
		logger.Warn("outbox recovery incomplete", "error", err)
	} else if n > 0 {
		logger.Info("recovered pending intents", "count", n)
	}

	var cache commit.ViewCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		cache = commit.NewRedisViewCache(rdb, commit.DefaultViewTTL, logger)
	} else {
		cache = commit.NewMemoryViewCache(commit.DefaultViewTTL)
	}
	hydrator := commit.NewHydrator(ledger, cache, logger)

	authorizer, err := stage.NewCELAuthorizer(stage.DefaultPolicy())
	if err != nil {
		return err
	}
	guard := stage.NewGuard(hydrator, authorizer, orchestrator, logger)

	trail := audit.NewLogger(os.Stderr, logger)
	svc := api.NewService(registry, aggregator, detector, guard, orchestrator, hydrator, trail, logger)
	svc.SetMetrics(obs)

	// optional stream intake
	if len(cfg.KafkaBrokers) > 0 {
		consumer := ingest.NewConsumer(ingest.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, readingSink{svc}, logger)
		defer func() { _ = consumer.Close() }()
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("stream consumer stopped", "error", err)
			}
		}()
	}

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(svc, logger).Handler(limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// readingSink adapts the service to the stream consumer's contract.
type readingSink struct {
	svc *api.Service
}

func (s readingSink) SubmitReading(ctx context.Context, sensorID string, r contracts.Reading) error {
	_, err := s.svc.SubmitReading(ctx, sensorID, r)
	return err
}

func openOutbox(ctx context.Context, cfg *config.Config) (commit.Outbox, func(), error) {
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		outbox := commit.NewPostgresOutbox(db)
		if err := outbox.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return outbox, func() { _ = db.Close() }, nil
	}

	db, err := sql.Open("sqlite", cfg.OutboxDBPath)
	if err != nil {
		return nil, nil, err
	}
	outbox, err := commit.NewSQLiteOutbox(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return outbox, func() { _ = db.Close() }, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
