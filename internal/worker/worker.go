// Package worker archives finished runs. It consumes run:completed tasks,
// gathers the run's evaluations from the API and stores them with a summary
// in object storage.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/hibiken/asynq"

	"judge-console/internal/gateway"
	"judge-console/internal/metrics"
	"judge-console/internal/notify"
	"judge-console/internal/report"
	"judge-console/internal/schemas"
	"judge-console/internal/storage"
)

// API is the part of the gateway the worker reads from.
type API interface {
	GetRun(ctx context.Context, runID string) (schemas.Run, error)
	ListEvaluations(ctx context.Context, f schemas.EvaluationFilter) ([]schemas.Evaluation, error)
}

type ObjectStore interface {
	PutJSON(ctx context.Context, key string, v any) (string, error)
}

type Server struct {
	API   API
	Store ObjectStore
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(notify.TypeRunCompleted, s.handleRunCompleted)
	return mux
}

func (s *Server) handleRunCompleted(ctx context.Context, t *asynq.Task) (err error) {
	defer func() {
		outcome := metrics.OK
		if err != nil {
			outcome = metrics.Error
		}
		metrics.ArchivedRuns.WithLabelValues(outcome).Inc()
	}()

	p, err := notify.ParseRunCompleted(t)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	log := clog.FromContext(ctx).With("run", p.RunID).With("queue", p.QueueID)
	log.Info("archiving run")

	run, err := s.API.GetRun(ctx, p.RunID)
	if errors.Is(err, gateway.ErrNotFound) {
		return fmt.Errorf("run %s no longer exists: %w", p.RunID, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("get run %s: %w", p.RunID, err)
	}
	if !run.Status.Terminal() {
		// The task is only enqueued for terminal runs; retry in case the read
		// raced the server's own update.
		return fmt.Errorf("run %s is still %s", run.RunID, run.Status)
	}

	evals, err := s.API.ListEvaluations(ctx, schemas.EvaluationFilter{QueueID: run.QueueID})
	if err != nil {
		return fmt.Errorf("list evaluations for queue %s: %w", run.QueueID, err)
	}
	archive := report.ForRun(run, evals)

	ref, err := s.Store.PutJSON(ctx, storage.RunKey(run.RunID), archive)
	if err != nil {
		return err
	}
	log.Info("run archived", "ref", ref, "evaluations", len(archive.Evaluations), "pass_rate", archive.Summary.PassRate)
	return nil
}

// Run serves run:completed tasks from redisAddr until the process is
// signalled.
func Run(ctx context.Context, redisAddr string, api API, store ObjectStore) error {
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: 5,
		BaseContext: func() context.Context { return ctx },
	})
	w := &Server{API: api, Store: store}
	return srv.Run(w.mux())
}
