package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reelgen/reelgen-backend/internal/data/db"
	"github.com/reelgen/reelgen-backend/internal/data/repos/jobs"
	"github.com/reelgen/reelgen-backend/internal/data/repos/videos"
	httpx "github.com/reelgen/reelgen-backend/internal/http"
	httpH "github.com/reelgen/reelgen-backend/internal/http/handlers"
	httpMW "github.com/reelgen/reelgen-backend/internal/http/middleware"
	"github.com/reelgen/reelgen-backend/internal/observability"
	"github.com/reelgen/reelgen-backend/internal/pipeline"
	"github.com/reelgen/reelgen-backend/internal/pkg/envutil"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
	"github.com/reelgen/reelgen-backend/internal/platform/gcs"
	"github.com/reelgen/reelgen-backend/internal/platform/scorer"
	"github.com/reelgen/reelgen-backend/internal/platform/veo"
	"github.com/reelgen/reelgen-backend/internal/queue"
	"github.com/reelgen/reelgen-backend/internal/realtime"
	"github.com/reelgen/reelgen-backend/internal/realtime/bus"
	"github.com/reelgen/reelgen-backend/internal/services/auth"
	"github.com/reelgen/reelgen-backend/internal/services/jobsvc"
	"github.com/reelgen/reelgen-backend/internal/services/notifier"
	"github.com/reelgen/reelgen-backend/internal/services/projector"
)

func main() {
	// Logger
	log, err := logger.New(envutil.String("LOG_MODE", ""))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	otelShutdown := observability.InitOTel(rootCtx, log, observability.OtelConfig{
		ServiceName: "reelgen-backend",
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", "dev"),
	})

	// Metrics
	metrics := observability.NewMetrics()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	videoRepo := videos.NewVideoRepo(thePG, log)
	jobRepo := jobs.NewGenerationJobRepo(thePG, log)
	taskRepo := jobs.NewQueueTaskRepo(thePG, log)

	// SSE hub + event bus. Redis fans events out across nodes; without it
	// the local bus keeps everything in-process.
	hub := realtime.NewHub(log, metrics)
	hubStop := make(chan struct{})
	hub.StartJanitor(hubStop)

	var eventBus bus.Bus
	if envutil.String("REDIS_ADDR", "") != "" {
		eventBus, err = bus.NewRedisBus(log)
		if err != nil {
			log.Error("Redis bus init failed", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("REDIS_ADDR not set, using in-process event bus")
		eventBus = bus.NewLocalBus()
	}
	if err := eventBus.StartForwarder(rootCtx, func(m realtime.SSEMessage) {
		hub.Broadcast(m)
	}); err != nil {
		log.Error("Event bus forwarder failed", "error", err)
		os.Exit(1)
	}

	// Platform clients
	artifactStore, err := gcs.NewArtifactStore(log)
	if err != nil {
		log.Error("Artifact store init failed", "error", err)
		os.Exit(1)
	}
	providerClient, err := veo.NewClient(log)
	if err != nil {
		log.Error("Provider client init failed", "error", err)
		os.Exit(1)
	}
	scorerClient, err := scorer.NewClient(log)
	if err != nil {
		log.Error("Scorer client init failed", "error", err)
		os.Exit(1)
	}

	// Pipeline + queue
	pipelineNotifier := notifier.NewPipelineNotifier(eventBus, log)
	statusProjector := projector.NewStatusProjector(thePG, jobRepo, videoRepo, pipelineNotifier, log)

	registry := queue.NewRegistry()
	policies := queue.DefaultPolicies()

	var pipe *pipeline.Pipeline
	onExhausted := func(ctx context.Context, task *queue.Task, err error) {
		pipe.OnExhausted(ctx, task, err)
	}

	var workQueue queue.Queue
	queueMode := envutil.String("QUEUE_MODE", "db")
	switch queueMode {
	case "local":
		workQueue = queue.NewLocalQueue(registry, policies, onExhausted, metrics, log)
	default:
		workQueue = queue.NewDBQueue(taskRepo, registry, policies, onExhausted, metrics, log)
	}

	pipe = pipeline.New(jobRepo, videoRepo, statusProjector, providerClient, artifactStore, scorerClient, workQueue, log)
	if err := pipe.Register(registry); err != nil {
		log.Error("Stage registration failed", "error", err)
		os.Exit(1)
	}
	workQueue.Start(rootCtx)
	log.Info("Work queue started", "mode", queueMode)

	// Services + HTTP
	tokenService, err := auth.NewTokenService(log)
	if err != nil {
		log.Error("Token service init failed", "error", err)
		os.Exit(1)
	}
	jobService := jobsvc.NewJobService(thePG, jobRepo, videoRepo, workQueue, statusProjector, log)

	server := httpx.NewServer(httpx.RouterConfig{
		Log:             log,
		Metrics:         metrics,
		AuthMiddleware:  httpMW.NewAuthMiddleware(log, tokenService),
		JobHandler:      httpH.NewJobHandler(log, jobService),
		VideoHandler:    httpH.NewVideoHandler(log, jobService),
		RealtimeHandler: httpH.NewRealtimeHandler(log, hub),
		HealthHandler:   httpH.NewHealthHandler(),
	})

	addr := ":" + envutil.String("PORT", "8080")
	go func() {
		log.Info("HTTP server listening", "addr", addr)
		if err := server.Run(addr); err != nil {
			log.Error("HTTP server exited", "error", err)
			cancel()
		}
	}()

	// Shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("Shutting down", "signal", s.String())
	case <-rootCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown failed", "error", err)
	}
	cancel()
	close(hubStop)
	if err := eventBus.Close(); err != nil {
		log.Warn("Event bus close failed", "error", err)
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Warn("Tracer shutdown failed", "error", err)
		}
	}
	log.Info("Shutdown complete")
}
