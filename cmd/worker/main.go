package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"

	"judge-console/internal/config"
	"judge-console/internal/gateway"
	"judge-console/internal/metrics"
	"judge-console/internal/storage"
	"judge-console/internal/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		clog.FatalContextf(ctx, "loading config: %v", err)
	}
	if cfg.RedisAddr == "" {
		clog.FatalContextf(ctx, "REDIS_ADDR is required")
	}

	// Start services
	gw, err := gateway.New(cfg.APIBaseURL, gateway.WithToken(cfg.APIToken), gateway.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		clog.FatalContextf(ctx, "creating gateway: %v", err)
	}
	s3c, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		clog.FatalContextf(ctx, "creating storage client: %v", err)
	}
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsPort); err != nil {
			clog.ErrorContextf(ctx, "metrics server: %v", err)
		}
	}()

	if err := worker.Run(ctx, cfg.RedisAddr, gw, s3c); err != nil {
		clog.FatalContextf(ctx, "worker: %v", err)
	}
}
