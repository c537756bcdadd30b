package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/activities"
	"github.com/fathomlab/fathom/internal/compute"
	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/health"
	"github.com/fathomlab/fathom/internal/httpapi"
	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/processors"
	"github.com/fathomlab/fathom/internal/router"
	"github.com/fathomlab/fathom/internal/search"
	"github.com/fathomlab/fathom/internal/streaming"
	temporallog "github.com/fathomlab/fathom/internal/temporal"
	"github.com/fathomlab/fathom/internal/tracing"
	"github.com/fathomlab/fathom/internal/workflows"
)

const taskQueue = "fathom-research"

func main() {
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("configuration load failed", zap.Error(err))
	}

	shutdownTracing, err := tracing.Init(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		logger.Warn("tracing init failed, continuing without traces", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	// Hot reload for feature flags; the initial snapshot comes from cfg.
	// Consumers read through the FeatureSource so a reload takes effect on
	// the next request without a restart.
	var features config.FeatureSource = config.StaticFeatures{Features: cfg.Features}
	featuresPath := os.Getenv("CONFIG_PATH")
	if featuresPath == "" {
		featuresPath = "config/features.yaml"
	}
	watcher, err := config.NewWatcher(featuresPath, cfg.Features, logger)
	if err != nil {
		logger.Warn("feature flag watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("feature flag watch not started", zap.Error(err))
		}
		defer watcher.Stop()
		features = watcher
	}

	llmClient, err := llm.NewClient(cfg, logger)
	if err != nil {
		logger.Fatal("no usable LLM provider", zap.Error(err))
	}
	fetcher := search.NewHTTPFetcher(logger)
	searchExec := search.NewExecutor(cfg.Search, search.NewProviders(cfg, llmClient), fetcher, logger)
	logger.Info("search chain resolved", zap.Strings("providers", searchExec.Chain()))

	// Chart planning always runs; only rendering needs the sandbox.
	var sandbox compute.Sandbox
	if cfg.SandboxURL != "" {
		sandbox = compute.NewHTTPSandbox(cfg.SandboxURL, cfg.SandboxComputeTimeout)
	} else {
		logger.Info("sandbox not configured, reports will have no figures")
	}
	engine := compute.NewEngine(llmClient, sandbox, cfg.SandboxMaxChartFailures, logger)

	recorder, err := db.NewRecorder(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Warn("run recorder unavailable", zap.Error(err))
	}
	defer recorder.Close()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("invalid REDIS_URL, event mirror disabled", zap.Error(err))
		} else {
			redisClient = redis.NewClient(opts)
			streaming.Get().SetMirror(streaming.NewRedisMirror(redisClient, logger))
		}
	}

	temporalClient, err := client.Dial(client.Options{
		HostPort: cfg.TemporalHostPort,
		Logger:   temporallog.NewZapAdapter(logger),
	})
	if err != nil {
		logger.Fatal("temporal connection failed", zap.Error(err))
	}
	defer temporalClient.Close()

	acts := activities.NewActivities(llmClient, searchExec, engine, recorder, cfg, logger)
	w := worker.New(temporalClient, taskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ResearchWorkflow)
	w.RegisterActivity(acts)
	go func() {
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Fatal("worker stopped", zap.Error(err))
		}
	}()

	healthMgr := health.NewManager(logger)
	healthMgr.Register(health.TemporalChecker(temporalClient))
	if recorder != nil {
		healthMgr.Register(health.DatabaseChecker(recorder.DB()))
	}
	if redisClient != nil {
		healthMgr.Register(health.RedisChecker(redisClient))
	}

	proc := processors.NewProcessor(llmClient, searchExec, features, logger)
	rt := router.NewRouter(features, logger)
	gateway := httpapi.NewServer(cfg, rt, proc, temporalClient, recorder, healthMgr, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           gateway.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("gateway server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", zap.Error(err))
	}
}
