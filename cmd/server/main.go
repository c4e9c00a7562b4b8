package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/room"
	"github.com/stemsi/exstem-engine/internal/router"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
	"github.com/stemsi/exstem-engine/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Assessment Engine")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	assessmentService := service.NewAssessmentService(repository.NewAssessmentRepository(pool), rdb, log)
	proctor := room.NewProctor(rdb, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	wsHandler := handler.NewWSHandler(rdb, assessmentService, cfg.Engine, log, cfg.AllowedOrigins)
	handlers := &router.Handlers{
		WS:      wsHandler,
		Proctor: handler.NewProctorHandler(proctor, assessmentService, log),
		Monitor: handler.NewMonitorHandler(proctor, log),
		System:  handler.NewSystemHandler(rdb, wsHandler, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	for _, w := range []interface{ Start(context.Context) }{
		worker.NewProgressWorker(pool, rdb, log),
		worker.NewViolationWorker(pool, rdb, log),
		worker.NewSubmissionWorker(pool, rdb, log),
	} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			w.Start(workerCtx)
		}()
	}

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published assessments into Redis BEFORE accepting traffic.
	if err := assessmentService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	streamLimiter := middleware.NewRateLimiter(cfg.Engine.StreamReconnectLimit, time.Minute, middleware.ByTokenSubject)
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				streamLimiter.Cleanup()
			}
		}
	}()
	r := router.SetupRouter(authService, handlers, streamLimiter, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// 1. Stop accepting new HTTP requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Tear down running attempts; each leaves an unload save behind.
	wsHandler.Close(shutdownCtx)

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Workers did not drain before shutdown deadline")
	}

	log.Info().Msg("Shutdown complete")
}
