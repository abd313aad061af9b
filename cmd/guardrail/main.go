// Command guardrail runs the adaptive control plane: the control loop, the
// operator API, and the admission-gated intake routes.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/facturaops/guardrail/pkg/api"
	"github.com/facturaops/guardrail/pkg/config"
	"github.com/facturaops/guardrail/pkg/controller"
	"github.com/facturaops/guardrail/pkg/events"
	"github.com/facturaops/guardrail/pkg/gate"
	"github.com/facturaops/guardrail/pkg/guard"
	"github.com/facturaops/guardrail/pkg/hysteresis"
	"github.com/facturaops/guardrail/pkg/observability"
	"github.com/facturaops/guardrail/pkg/override"
	"github.com/facturaops/guardrail/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("guardrail exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "guardrail.yaml", "path to the control-plane config")
		listenAddr = flag.String("listen", ":8080", "HTTP listen address")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, closeStore, err := openEventStore(logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer closeStore()
	if err := store.VerifyChain(); err != nil {
		return fmt.Errorf("audit chain failed verification at startup: %w", err)
	}
	recorder := events.NewRecorder(store, logger)

	manager, err := config.NewManager(cfg, recorder)
	if err != nil {
		return fmt.Errorf("install config: %w", err)
	}
	registry, err := override.NewRegistry(cfg.CooldownPeriod(), recorder)
	if err != nil {
		return fmt.Errorf("create override registry: %w", err)
	}

	collector := telemetry.NewCollector(cfg.BudgetWindow())
	filter := hysteresis.NewFilter(cfg.DwellTime(), cfg.CooldownPeriod(),
		cfg.OscillationWindow(), cfg.OscillationLimit, logger)
	admission := gate.NewGate(cfg.CooldownPeriod())
	enforcement := buildGuard(logger)

	obs, err := observability.New(ctx, observabilityConfig())
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	ctrl, err := controller.New(controller.Options{
		Manager:        manager,
		Collector:      collector,
		Overrides:      registry,
		Filter:         filter,
		Recorder:       recorder,
		Guard:          enforcement,
		Gate:           admission,
		Observability:  obs,
		Logger:         logger,
		ErrorQueryName: os.Getenv("GUARDRAIL_ERROR_QUERY"),
	})
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	server, err := api.NewServer(api.ServerOptions{
		Manager:       manager,
		Collector:     collector,
		Overrides:     registry,
		Controller:    ctrl,
		Gate:          admission,
		Guard:         enforcement,
		Events:        store,
		Logger:        logger,
		Limiter:       buildLimiter(logger),
		LimiterPolicy: limiterPolicy(),
		Rejections:    obs,
	})
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	validator := api.NewHMACValidator([]byte(os.Getenv("GUARDRAIL_JWT_SECRET")))
	if validator == nil {
		logger.Warn("GUARDRAIL_JWT_SECRET is not set; all authenticated routes will be rejected")
	}
	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           server.Handler(api.AuthMiddleware(validator)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("http server listening", "addr", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("control loop: %w", err)
		}
	}()
	if archive, interval := buildArchive(ctx, logger); archive != nil {
		go runArchiver(ctx, logger, store, archive, interval)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// openEventStore picks the audit backend: Postgres when a database URL is
// set, SQLite when a path is set, in-memory otherwise.
func openEventStore(logger *slog.Logger) (events.Store, func(), error) {
	if url := os.Getenv("GUARDRAIL_DATABASE_URL"); url != "" {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		store, err := events.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("audit store ready", "backend", "postgres")
		return store, func() { _ = db.Close() }, nil
	}
	if path := os.Getenv("GUARDRAIL_SQLITE_PATH"); path != "" {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		store, err := events.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("audit store ready", "backend", "sqlite", "path", path)
		return store, func() { _ = db.Close() }, nil
	}
	logger.Warn("audit store ready", "backend", "memory",
		"detail", "the audit trail will not survive a restart")
	return events.NewMemoryStore(), func() {}, nil
}

// buildGuard selects the enforcement switch: the real HTTP client when the
// validation layer's URL is set, in-process memory otherwise.
func buildGuard(logger *slog.Logger) guard.Switch {
	if url := os.Getenv("GUARDRAIL_GUARD_URL"); url != "" {
		logger.Info("enforcement switch ready", "backend", "http", "url", url)
		return guard.NewHTTPSwitch(url, 5*time.Second)
	}
	logger.Info("enforcement switch ready", "backend", "memory")
	return guard.NewMemorySwitch()
}

// buildLimiter selects the intake limiter backend: Redis when configured so
// multiple replicas share buckets, in-process memory otherwise.
func buildLimiter(logger *slog.Logger) gate.LimiterStore {
	if addr := os.Getenv("GUARDRAIL_REDIS_ADDR"); addr != "" {
		logger.Info("intake limiter ready", "backend", "redis", "addr", addr)
		return gate.NewRedisLimiterStore(addr, os.Getenv("GUARDRAIL_REDIS_PASSWORD"), 0)
	}
	logger.Info("intake limiter ready", "backend", "memory")
	return gate.NewMemoryLimiterStore()
}

func limiterPolicy() gate.Policy {
	policy := gate.Policy{RPS: 50, Burst: 100}
	if v := os.Getenv("GUARDRAIL_INTAKE_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil && rps > 0 {
			policy.RPS = rps
		}
	}
	if v := os.Getenv("GUARDRAIL_INTAKE_BURST"); v != "" {
		if burst, err := strconv.Atoi(v); err == nil && burst > 0 {
			policy.Burst = burst
		}
	}
	return policy
}

func observabilityConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	cfg.Environment = envOr("GUARDRAIL_ENV", cfg.Environment)
	if endpoint := os.Getenv("GUARDRAIL_OTLP_ENDPOINT"); endpoint != "" {
		cfg.OTLPEndpoint = endpoint
		cfg.Insecure = os.Getenv("GUARDRAIL_OTLP_INSECURE") == "true"
	} else {
		cfg.Enabled = false
	}
	return cfg
}

// buildArchive wires long-term evidence archiving when a bucket is
// configured: gs://bucket for GCS, s3://bucket for S3.
func buildArchive(ctx context.Context, logger *slog.Logger) (events.ObjectStore, time.Duration) {
	bucket := os.Getenv("GUARDRAIL_ARCHIVE_BUCKET")
	if bucket == "" {
		return nil, 0
	}
	interval := 24 * time.Hour
	if v := os.Getenv("GUARDRAIL_ARCHIVE_INTERVAL_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			interval = time.Duration(hours) * time.Hour
		}
	}

	switch {
	case len(bucket) > 5 && bucket[:5] == "gs://":
		client, err := storage.NewClient(ctx)
		if err != nil {
			logger.Error("gcs archive disabled", "error", err)
			return nil, 0
		}
		logger.Info("evidence archive ready", "backend", "gcs", "bucket", bucket[5:])
		return events.NewGCSArchive(client, bucket[5:]), interval
	case len(bucket) > 5 && bucket[:5] == "s3://":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("s3 archive disabled", "error", err)
			return nil, 0
		}
		logger.Info("evidence archive ready", "backend", "s3", "bucket", bucket[5:])
		return events.NewS3Archive(s3.NewFromConfig(awsCfg), bucket[5:]), interval
	}
	logger.Error("archive bucket must start with gs:// or s3://", "bucket", bucket)
	return nil, 0
}

// runArchiver periodically exports the full chain as an evidence pack and
// uploads it. A failed upload is retried at the next interval; the chain
// itself is the source of truth.
func runArchiver(ctx context.Context, logger *slog.Logger, store events.Store, archive events.ObjectStore, interval time.Duration) {
	exporter := events.NewExporter(store)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pack, manifest, err := exporter.GeneratePack(events.Filter{})
			if err != nil {
				logger.Error("evidence export failed", "error", err)
				continue
			}
			key := fmt.Sprintf("evidence/%s/%s.zip", now.UTC().Format("2006/01/02"), manifest.PackID)
			if err := archive.Put(ctx, key, pack); err != nil {
				logger.Error("evidence upload failed", "key", key, "error", err)
				continue
			}
			logger.Info("evidence pack archived",
				"key", key, "entries", manifest.EntryCount, "chain_head", manifest.ChainHead)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
