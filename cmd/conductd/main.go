// Package main is the entry point for the conduct orchestration server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mazwell/conduct/internal/config"
	"github.com/mazwell/conduct/internal/definition"
	"github.com/mazwell/conduct/internal/engine"
	"github.com/mazwell/conduct/internal/invoker"
	"github.com/mazwell/conduct/internal/observability"
	"github.com/mazwell/conduct/internal/store"
	"github.com/mazwell/conduct/internal/transport"
	"github.com/mazwell/conduct/internal/trigger"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "conductd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load definitions, validate, build registry.
	loader := definition.NewLoader()
	defs, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	verrs := definition.NewValidator().Validate(defs)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Error("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}

	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(len(registry.AllProcesses())))

	// Step 5: Initialize the process state store.
	st, storeCloser, err := buildStateStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("state store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Build service clients from configuration.
	endpoints := make(map[string]invoker.ServiceOptions, len(cfg.Services))
	entities := invoker.NewRegistry()
	for name, sc := range cfg.Services {
		opts := invoker.ServiceOptions{
			BaseURL:                 sc.BaseURL,
			Path:                    sc.Path,
			Timeout:                 sc.Timeout,
			Headers:                 sc.Headers,
			Metrics:                 metrics,
			BreakerFailureThreshold: sc.CircuitBreaker.FailureThreshold,
			BreakerSuccessThreshold: sc.CircuitBreaker.SuccessThreshold,
			BreakerCooldown:         sc.CircuitBreaker.Cooldown,
		}
		endpoints[name] = opts
		for _, entity := range sc.Entities {
			entities.Register(entity, invoker.NewHTTPEntityService(entity, opts, logger))
		}
	}
	operations := invoker.NewHTTPOperationInvoker(endpoints, logger)

	// Step 7: Build the execution adapter and register all processes.
	adapter, err := engine.New(ctx, engine.Options{
		Backend:            cfg.Engine.Backend,
		Store:              st,
		Services:           entities,
		Operations:         operations,
		Logger:             logger,
		Metrics:            metrics,
		DefaultTaskTimeout: cfg.Engine.DefaultTaskTimeout,
		Temporal: engine.TemporalOptions{
			HostPort:  cfg.Engine.Temporal.HostPort,
			Namespace: cfg.Engine.Temporal.Namespace,
			TaskQueue: cfg.Engine.Temporal.TaskQueue,
		},
	})
	if err != nil {
		logger.Error("engine initialization failed", zap.Error(err))
		return 1
	}

	for _, spec := range registry.AllProcesses() {
		spec := spec
		if err := adapter.RegisterProcess(ctx, &spec); err != nil {
			logger.Error("process registration failed",
				zap.String("process", spec.Name), zap.Error(err))
			return 1
		}
	}

	// Step 8: Start background loops.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if lite, ok := adapter.(*engine.LiteAdapter); ok {
		if err := lite.ResumeInterrupted(ctx); err != nil {
			logger.Warn("resume of interrupted runs failed", zap.Error(err))
		}
		go lite.RunTaskSweeper(bgCtx, cfg.Engine.TaskSweepInterval)
	}

	triggers := trigger.NewManager(registry, adapter, logger, metrics)
	scheduler := trigger.NewScheduler(registry, adapter, st, logger, metrics)
	go scheduler.Run(bgCtx, cfg.Engine.SchedulePollInterval)

	// Step 9: Build the HTTP router.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.AllProcesses()) > 0 },
	}
	if hc, ok := st.(observability.HealthChecker); ok {
		readiness.StateStore = hc
	}
	if durable, ok := adapter.(*engine.DurableAdapter); ok {
		readiness.DurableBackend = durable
	}

	reload := func(rctx context.Context) error {
		bundles, err := loader.LoadAll(cfg.Definitions.Directories)
		if err != nil {
			metrics.RecordDefinitionReload("failure")
			return err
		}
		if verrs := definition.NewValidator().Validate(bundles); len(verrs) > 0 {
			metrics.RecordDefinitionReload("failure")
			return fmt.Errorf("definition validation failed: %v", verrs[0])
		}
		registry.Replace(bundles)
		for _, spec := range registry.AllProcesses() {
			spec := spec
			if err := adapter.RegisterProcess(rctx, &spec); err != nil {
				metrics.RecordDefinitionReload("failure")
				return err
			}
		}
		metrics.SetDefinitionsLoaded(float64(len(registry.AllProcesses())))
		metrics.RecordDefinitionReload("success")
		logger.Info("definitions reloaded",
			zap.Int("processes", len(registry.AllProcesses())),
			zap.String("checksum", registry.Checksum()))
		return nil
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:            cfg,
		Adapter:           adapter,
		Store:             st,
		Registry:          registry,
		Triggers:          triggers,
		Logger:            logger,
		Metrics:           metrics,
		Readiness:         readiness,
		ReloadDefinitions: reload,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("backend", cfg.Engine.Backend),
		zap.Int("processes", len(registry.AllProcesses())),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	type shutdowner interface {
		Shutdown(ctx context.Context) error
	}
	if s, ok := adapter.(shutdowner); ok {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error("engine shutdown error", zap.Error(err))
		}
	}

	if storeCloser != nil {
		storeCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStateStore creates the process state store based on config.
func buildStateStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.StateStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory state store")
		return store.NewMemoryStore(), nil, nil

	case "redis":
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("state store: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("state store: redis ping: %w", err)
		}
		return store.NewRedisStore(client), func() { client.Close() }, nil

	case "postgres":
		dsn := os.Getenv(cfg.Postgres.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("state store: %s environment variable not set", cfg.Postgres.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("state store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		poolCfg.MaxConnLifetime = cfg.Postgres.ConnLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("state store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("state store: ping: %w", err)
		}
		return store.NewPgStore(pool), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported state store driver: %q", cfg.Driver)
	}
}
