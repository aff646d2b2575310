// pipeline-service is the HTTP API server that runs continuous-delivery pipelines.
package main

import (
	"cdpipeline/internal/api"
	"cdpipeline/internal/artifact/objectstore"
	"cdpipeline/internal/build"
	"cdpipeline/internal/changeset"
	"cdpipeline/internal/config"
	"cdpipeline/internal/dispatcher"
	"cdpipeline/internal/health"
	"cdpipeline/internal/notify"
	"cdpipeline/internal/observability"
	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/run"
	"cdpipeline/internal/runstore"
	"cdpipeline/internal/source"
	"cdpipeline/internal/stacklock"
	"cdpipeline/internal/topology"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := serve(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func serve() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	buildCfg := build.LoadConfigFromEnv()
	sourceCfg := source.LoadConfigFromEnv()
	artifactCfg := objectstore.LoadConfigFromEnv()

	definitions, err := config.LoadDefinitions(svcCfg.DefinitionsFile)
	if err != nil {
		return fmt.Errorf("load pipeline definitions: %w", err)
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	healthChecker := health.NewChecker()
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				slog.Warn("Close failed", "error", err)
			}
		}
	}()

	// Redis backs the distributed stack lock and redis: notification topics.
	var redisClient *goredis.Client
	if svcCfg.RedisURL != "" {
		opts, err := goredis.ParseURL(svcCfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = goredis.NewClient(opts)
		closers = append(closers, redisClient)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		healthChecker.Register("redis", health.CheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}), svcCfg.LockBackend == config.BackendRedis)
		slog.Info("Connected to Redis", "addr", opts.Addr)
	}

	locker, err := newLocker(svcCfg, redisClient)
	if err != nil {
		return err
	}
	store, err := newRunStore(ctx, svcCfg, healthChecker, &closers)
	if err != nil {
		return err
	}

	artifacts, err := objectstore.New(ctx, artifactCfg)
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}
	if checker, ok := artifacts.(health.ReadinessChecker); ok {
		healthChecker.Register("artifacts", checker, true)
	}
	slog.Info("Artifact store ready", "backend", artifactCfg.Kind)

	// Create webhook dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	publisher, err := notify.Setup(definitions, notify.Transports{
		Dispatcher: eventDispatcher,
		Redis:      redisClient,
	})
	if err != nil {
		return err
	}
	pipelines, err := topology.Build(definitions, publisher)
	if err != nil {
		return fmt.Errorf("build pipelines: %w", err)
	}

	runner, err := build.NewDockerRunner(buildCfg, metrics)
	if err != nil {
		return err
	}
	closers = append(closers, runner)
	healthChecker.Register("docker", runner, true)
	if removed, err := runner.Sweep(ctx); err != nil {
		slog.Warn("Failed to sweep stale build containers", "error", err)
	} else if removed > 0 {
		slog.Info("Removed stale build containers", "count", removed)
	}
	slog.Info("Connected to Docker daemon")

	provisioner := changeset.NewMemoryProvisioner()
	orphans := changeset.NewOrphanRegistry(provisioner)

	executors := map[pipeline.ActionKind]pipeline.Executor{
		pipeline.KindSourceFetch: source.NewGitHubFetcher(sourceCfg, source.SecretResolver{Dir: sourceCfg.SecretsDir}),
		pipeline.KindBuild:       build.NewExecutor(runner, buildCfg.Images),
	}
	maps.Copy(executors, changeset.Executors(provisioner))

	engine, err := pipeline.NewEngine(pipeline.EngineConfig{
		Store:     artifacts,
		Executors: executors,
		Locker:    locker,
		Observers: []pipeline.Observer{
			observability.NewRunObserver(metrics),
			runstore.NewRecorder(store),
			orphans,
		},
		ActionTimeout: svcCfg.ActionTimeout,
		LockWait:      svcCfg.LockWait,
		NotifyTimeout: svcCfg.NotifyTimeout,
	})
	if err != nil {
		return err
	}

	runService, err := run.NewService(engine, pipelines, store, orphans, run.Config{
		Retention:           svcCfg.RunRetention,
		MaintenanceInterval: svcCfg.MaintenanceInterval,
		HistoryRetention:    svcCfg.HistoryRetention,
		MaxActiveRuns:       svcCfg.MaxActiveRuns,
	})
	if err != nil {
		return err
	}
	for _, p := range pipelines {
		slog.Info("Pipeline registered", "pipeline", p.Name(), "stages", len(p.Stages()))
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		RunService:    runService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Dispatcher:    eventDispatcher,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Let running pipelines finish; cancel the rest at the deadline.
	// In-flight change-set executions always run to completion.
	slog.Info("Waiting for active runs", "runs", runService.Active(), "timeout", svcCfg.ShutdownTimeout)
	runsCtx, runsCancel := context.WithTimeout(context.Background(), svcCfg.ShutdownTimeout)
	defer runsCancel()
	if err := runService.Close(runsCtx); err != nil {
		slog.Warn("Active runs cancelled at shutdown", "error", err)
	}

	// Phase 4: Drain webhook dispatcher
	slog.Info("Draining webhook dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	if n := len(runService.Orphans()); n > 0 {
		slog.Warn("Orphaned change sets remain", "count", n)
	}
	slog.Info("Shutdown complete")
	return nil
}

func newLocker(cfg *config.ServiceConfig, client *goredis.Client) (pipeline.StackLocker, error) {
	switch cfg.LockBackend {
	case config.BackendMemory, "":
		slog.Warn("Using in-process stack locks; run a single service instance")
		return stacklock.NewMemory(), nil
	case config.BackendRedis:
		if client == nil {
			return nil, errors.New("STACK_LOCK_BACKEND=redis requires REDIS_URL")
		}
		return stacklock.NewRedis(client, stacklock.RedisConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown STACK_LOCK_BACKEND %q (supported: memory, redis)", cfg.LockBackend)
	}
}

func newRunStore(ctx context.Context, cfg *config.ServiceConfig, checker *health.Checker, closers *[]io.Closer) (runstore.Store, error) {
	switch cfg.RunStoreBackend {
	case config.BackendMemory, "":
		return runstore.NewMemory(), nil
	case config.BackendPostgres:
		pgCfg := runstore.PostgresConfigFromEnv()
		if err := pgCfg.Validate(); err != nil {
			return nil, err
		}
		db, err := runstore.OpenPostgres(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, db)
		store := runstore.NewPostgres(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate run store: %w", err)
		}
		checker.Register("runstore", health.CheckFunc(store.Ping), false)
		slog.Info("Run history stored in Postgres")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown RUNSTORE_BACKEND %q (supported: memory, postgres)", cfg.RunStoreBackend)
	}
}
