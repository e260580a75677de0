// Command stubapi serves the in-memory judge evaluation API for local use.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"

	"judge-console/internal/config"
	httpSrv "judge-console/internal/http"
	"judge-console/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	step := flag.Int("step", 1, "evaluations processed per run status read")
	flag.Parse()

	cfg, err := config.Load(ctx)
	if err != nil {
		clog.FatalContextf(ctx, "loading config: %v", err)
	}

	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsPort); err != nil {
			clog.ErrorContextf(ctx, "metrics server: %v", err)
		}
	}()

	srv := httpSrv.NewServer(fmt.Sprintf(":%d", cfg.Port), httpSrv.New(httpSrv.WithToken(cfg.APIToken), httpSrv.WithStep(*step)))
	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdown)
	}()

	clog.InfoContextf(ctx, "stub API listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		clog.FatalContextf(ctx, "serving: %v", err)
	}
}
