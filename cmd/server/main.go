package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dandantas/dispatchengine/internal/batchworker"
	"github.com/dandantas/dispatchengine/internal/breaker"
	"github.com/dandantas/dispatchengine/internal/config"
	"github.com/dandantas/dispatchengine/internal/controller"
	"github.com/dandantas/dispatchengine/internal/handler"
	"github.com/dandantas/dispatchengine/internal/httpexec"
	"github.com/dandantas/dispatchengine/internal/metrics"
	"github.com/dandantas/dispatchengine/internal/pipeline"
	"github.com/dandantas/dispatchengine/internal/pool"
	"github.com/dandantas/dispatchengine/internal/queue"
	"github.com/dandantas/dispatchengine/internal/ratelimit"
	"github.com/dandantas/dispatchengine/internal/store"
)

const version = "1.0.0"

// slogSink adapts the package-level slog logger to store.LogSink.
type slogSink struct{}

func (slogSink) Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func (slogSink) Error(msg string, args ...any) { slog.Error(msg, args...) }

func poolSize() int {
	n := runtime.NumCPU() - 1
	if n < 2 {
		return 2
	}
	if n > 4 {
		return 4
	}
	return n
}

func main() {
	cfg := config.Load()
	config.InitLogger(cfg)

	slog.Info("Starting dispatch engine", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, slogSink{})
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close redis connection", "error", err)
		}
	}()

	q, err := queue.New(ctx, st.RedisClient(), hostnameOrFallback())
	if err != nil {
		slog.Error("failed to initialize job queue", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New()
	exec := httpexec.New()
	cb := breaker.New(cfg.CBResetTimeout)
	agg := metrics.New(st)
	pl := pipeline.New(limiter, exec, cb, st, agg)

	size := cfg.PoolSize
	if size <= 0 {
		size = poolSize()
	}
	wp := pool.New(size)
	defer wp.Stop()

	worker := batchworker.New(cfg, q, pl, wp, st, cfg.MinConcurrency)
	worker.Start(ctx)

	ctl := controller.New(cfg, cb, agg, q, st, worker)
	ctl.Start(ctx)

	healthHandler := handler.NewHealthHandler(st, version)
	router := handler.NewRouter(healthHandler)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	go func() {
		slog.Info("starting HTTP server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("received shutdown signal, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	slog.Info("stopping batch worker...")
	worker.Stop()

	slog.Info("stopping adaptive controller...")
	ctl.Stop()

	slog.Info("stopping worker pool...")
	wp.Stop()

	slog.Info("shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("dispatch engine stopped")
}

func hostnameOrFallback() string {
	h, err := os.Hostname()
	if err != nil {
		return "dispatch-engine"
	}
	return h
}
