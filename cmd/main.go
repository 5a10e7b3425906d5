package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avoronova/clipline/internal/broadcast"
	appconfig "github.com/avoronova/clipline/internal/config"
	"github.com/avoronova/clipline/internal/pipeline"
	"github.com/avoronova/clipline/internal/scheduler"
	"github.com/avoronova/clipline/internal/server"
	"github.com/avoronova/clipline/internal/service"
	"github.com/avoronova/clipline/internal/storage"
	"github.com/avoronova/clipline/internal/store"
	httpapi "github.com/avoronova/clipline/internal/transport/http"
	"github.com/avoronova/clipline/internal/worker"
)

func main() {
	cfg := appconfig.Load()
	slog.Info("starting clipline", "addr", cfg.HTTPAddr, "workers", cfg.MaxConcurrentJobs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize job store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	storageService, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	slog.Info("storage initialized", "mode", cfg.StorageMode)

	backend, err := scheduler.NewBackend(cfg.QueueBackend, cfg.RedisURL, cfg.QueuePollInterval)
	if err != nil {
		slog.Error("failed to initialize queue backend", "err", err)
		os.Exit(1)
	}

	bc := broadcast.New(st, cfg.SubscriberBuffer)
	sched := scheduler.New(st, backend, bc)

	analyzer := pipeline.NewAnalyzer(cfg.OpenAIAPIKey)
	exec := pipeline.NewMediaExecutor(cfg.OutputDir, cfg.WhisperModel, analyzer, storageService)

	weights := pipeline.MergeWeights(cfg.StageWeights)
	pool := worker.NewPool(st, sched, exec, bc, cfg.MaxConcurrentJobs, cfg.JobTimeout, weights)
	pool.Run(ctx)

	svc := service.NewJobService(st, sched, pool, bc, cfg.MaxRetries, cfg.MaxConcurrentJobs)
	if err := svc.Recover(ctx); err != nil {
		slog.Error("failed to recover jobs from previous run", "err", err)
		os.Exit(1)
	}

	handlers := &httpapi.Handlers{
		Svc:       svc,
		Broadcast: bc,
		Config:    cfg,
	}
	r := server.NewRouter(handlers)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	slog.Info("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)

	sched.Stop()
	cancel()
	pool.Wait()
}
