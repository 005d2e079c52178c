package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"pricing-pipeline/internal/blob"
	"pricing-pipeline/internal/config"
	"pricing-pipeline/internal/governance"
	"pricing-pipeline/internal/grading"
	"pricing-pipeline/internal/ingest"
	"pricing-pipeline/internal/store"
	"pricing-pipeline/internal/telemetry"
	workerproc "pricing-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFile, slog.LevelInfo)
	defer func() { _ = closeLog() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	limiter := governance.NewRateLimiter(redisClient, time.Hour)
	governor := governance.New(st, limiter, cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.DefaultRatePerMinute, logger)

	var archive *blob.Client
	if cfg.ArchivePayloads || cfg.GraderURL != "" {
		archive, err = blob.New(ctx, cfg)
		if err != nil {
			logger.Error("init object storage", "error", err)
			os.Exit(1)
		}
	}
	var payloadArchive *blob.Client
	if cfg.ArchivePayloads {
		payloadArchive = archive
	}

	ingester := ingest.NewEngine(st, payloadArchive, logger)
	grader := grading.NewHandler(cfg.GraderURL, archive, cfg.GraderTimeout, cfg.PhotoMaxDim, logger)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	maintenance := workerproc.NewMaintenance(cfg, st, logger)
	if err := maintenance.Start(); err != nil {
		logger.Error("start maintenance sweeps", "error", err)
		os.Exit(1)
	}
	defer maintenance.Stop()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	processor := workerproc.NewProcessor(cfg, st, governor, ingester, grader, workerID, logger)
	if err := processor.Run(ctx); err != nil {
		logger.Info("worker stopped", "reason", err)
	}
}
