package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/retracehq/retrace/config"
	"github.com/retracehq/retrace/internal/api/handlers"
	"github.com/retracehq/retrace/internal/api/middleware"
	"github.com/retracehq/retrace/internal/api/routes"
	"github.com/retracehq/retrace/internal/cache"
	"github.com/retracehq/retrace/internal/logger"
	"github.com/retracehq/retrace/internal/orchestrator"
	"github.com/retracehq/retrace/internal/providers/analytics"
	"github.com/retracehq/retrace/internal/providers/capture"
	"github.com/retracehq/retrace/internal/providers/llm"
	"github.com/retracehq/retrace/internal/providers/secrets"
	"github.com/retracehq/retrace/internal/recorder"
	"github.com/retracehq/retrace/internal/repositories/postgres"
	"github.com/retracehq/retrace/internal/synthesis"
	"github.com/retracehq/retrace/internal/workers"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	db, err := config.OpenPostgres(cfg.PostgresURI)
	if err != nil {
		log.WithError(err).Fatal("postgres init failed")
	}
	if err := config.Migrate(db); err != nil {
		log.WithError(err).Fatal("migration failed")
	}
	log.Info("postgres connected")

	var timelineCache cache.Cache = cache.Noop{}
	var sink analytics.Sink = analytics.Noop{}
	if cfg.RedisAddr != "" {
		rdb, err := config.OpenRedis(cfg.RedisAddr)
		if err != nil {
			log.WithError(err).Warn("redis unavailable; cache and analytics disabled")
		} else {
			timelineCache = cache.NewRedisCache(rdb, logger.Component(log, "cache"))
			sink = analytics.NewRedisSink(rdb, logger.Component(log, "analytics"))
			log.Info("redis connected")
		}
	}

	secretStore, err := secrets.NewFileStore(cfg.SecretsDir())
	if err != nil {
		log.WithError(err).Fatal("secrets store init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiKey, err := secretStore.Get(cfg.LLMProvider)
	if err != nil {
		log.WithError(err).Fatal("no LLM API key configured")
	}
	provider, err := llm.NewGemini(ctx, apiKey, logger.Component(log, "gemini"))
	if err != nil {
		log.WithError(err).Fatal("llm provider init failed")
	}

	chunkRepo := postgres.NewChunkRepo(db, logger.Component(log, "chunks"))
	batchRepo := postgres.NewBatchRepo(db)
	cardRepo := postgres.NewCardRepo(db, logger.Component(log, "cards"))
	obsRepo := postgres.NewObservationRepo(db)
	callRepo := postgres.NewLLMCallRepo(db)

	orch := orchestrator.New(provider, callRepo, orchestrator.Options{
		PrimaryModel:  cfg.PrimaryModel,
		FallbackModel: cfg.FallbackModel,
		MaxAttempts:   cfg.MaxAttempts,
	}, logger.Component(log, "orchestrator"))

	merger := synthesis.NewMerger(provider, cfg.PrimaryModel, synthesis.DefaultMergePolicy(),
		logger.Component(log, "merger"))

	ctrl := recorder.NewController(
		capture.NewFFmpegProvider("", logger.Component(log, "capture")),
		chunkRepo,
		sink,
		recorder.Config{
			SegmentsDir:   cfg.SegmentsDir(),
			SegmentLength: time.Duration(cfg.SegmentSeconds) * time.Second,
			DisplayID:     cfg.DisplayID,
			Stream: capture.StreamConfig{
				FrameRate:    cfg.FrameRate,
				TargetHeight: cfg.TargetHeight,
			},
		},
		logger.Component(log, "recorder"),
	)
	// The recorder outlives the signal context so shutdown can still
	// drain the open segment through the run loop.
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	go ctrl.Run(recorderCtx)

	worker := &workers.BatchWorker{
		Chunks:            chunkRepo,
		Batches:           batchRepo,
		Cards:             cardRepo,
		Observations:      obsRepo,
		Orchestrator:      orch,
		Merger:            merger,
		Cache:             timelineCache,
		Analytics:         sink,
		Logger:            logger.Component(log, "worker"),
		Interval:          cfg.AnalysisInterval,
		SettleDelay:       time.Duration(cfg.ChunkSettleSeconds) * time.Second,
		ObservationWindow: cfg.ObservationWindow,
		VideoDir:          cfg.VideosDir(),
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Start(workerCtx)
	}()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))

	routes.RegisterRoutes(r, routes.Deps{
		Recorder: handlers.NewRecorderHandler(ctrl, chunkRepo),
		Timeline: handlers.NewTimelineHandler(cardRepo, timelineCache, logger.Component(log, "timeline")),
		Batches:  handlers.NewBatchHandler(batchRepo, worker, time.Local),
		Settings: handlers.NewSettingsHandler(secretStore),
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.WithField("port", cfg.Port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// Drain order matters: the recorder finishes its open segment first so
	// the chunk row is consistent, then the worker stops, then HTTP.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctrl.Stop(drainCtx); err != nil {
		log.WithError(err).Warn("recorder drain timed out")
	}
	stopRecorder()
	stopWorker()
	<-workerDone
	if err := srv.Shutdown(drainCtx); err != nil {
		log.WithError(err).Warn("server shutdown failed")
	}

	if closer, err := db.DB(); err == nil {
		_ = closer.Close()
	}
	log.Info("shutdown complete")
}
