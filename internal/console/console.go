// Package console wires the assignment matrix, run watcher and evaluation
// cache over one gateway, so that finished runs and confirmed assignment
// changes invalidate cached results.
package console

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"

	"judge-console/internal/assignments"
	"judge-console/internal/evalcache"
	"judge-console/internal/notify"
	"judge-console/internal/report"
	"judge-console/internal/runs"
	"judge-console/internal/schemas"
)

// Gateway is everything the console calls on the remote API.
type Gateway interface {
	assignments.Gateway
	runs.Fetcher
	evalcache.Fetcher
	ListQuestions(ctx context.Context, queueID string) ([]schemas.Question, error)
	StartRun(ctx context.Context, queueID string) (string, error)
}

type Option func(*Console)

// WithNotifier hands every finished run to n. Defaults to notify.Log.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Console) { c.notifier = n }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Console) { c.pollOpts = append(c.pollOpts, runs.WithInterval(d)) }
}

type Console struct {
	gw       Gateway
	cache    *evalcache.Cache
	poller   *runs.Poller
	notifier notify.Notifier
	pollOpts []runs.Option
}

func New(gw Gateway, opts ...Option) *Console {
	c := &Console{gw: gw, notifier: notify.Log{}}
	for _, o := range opts {
		o(c)
	}
	c.cache = evalcache.New(gw)
	c.poller = runs.NewPoller(gw, c.pollOpts...)
	return c
}

// OpenMatrix loads the assignment matrix for queueID.
func (c *Console) OpenMatrix(ctx context.Context, queueID string) (*assignments.Matrix, error) {
	questions, err := c.gw.ListQuestions(ctx, queueID)
	if err != nil {
		return nil, fmt.Errorf("list questions for %s: %w", queueID, err)
	}
	m, err := assignments.New(c.gw, queueID, questions, assignments.WithOnChange(c.cache.OnAssignmentChanged))
	if err != nil {
		return nil, err
	}
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// StartRun starts a run for queueID and watches it. h.OnComplete is called
// after the cache has been invalidated and the notifier has seen the run.
func (c *Console) StartRun(ctx context.Context, queueID string, h runs.Handlers) (*runs.Watch, error) {
	runID, err := c.gw.StartRun(ctx, queueID)
	if err != nil {
		return nil, fmt.Errorf("start run for %s: %w", queueID, err)
	}
	clog.FromContext(ctx).Info("run started", "queue", queueID, "run", runID)
	return c.Watch(ctx, runID, h)
}

// Watch follows an existing run with the same completion wiring as StartRun.
// If the run is already watched or has already finished, the existing watch is
// returned and h is not installed; use the returned Watch's Wait or Snapshot.
// A finished run is neither notified nor invalidated a second time.
func (c *Console) Watch(ctx context.Context, runID string, h runs.Handlers) (*runs.Watch, error) {
	// The completion hand-off must not be cut short by the watch ending.
	hctx := context.WithoutCancel(ctx)
	user := h.OnComplete
	h.OnComplete = func(run schemas.Run) {
		c.cache.OnRunTerminal(hctx, run)
		if err := c.notifier.RunCompleted(hctx, run); err != nil {
			clog.FromContext(hctx).Warn("run completion notification failed", "run", run.RunID, "error", err)
		}
		if user != nil {
			user(run)
		}
	}
	return c.poller.Watch(ctx, runID, h)
}

// Evaluations returns the evaluations matching f, from cache when possible.
func (c *Console) Evaluations(ctx context.Context, f schemas.EvaluationFilter) ([]schemas.Evaluation, error) {
	return c.cache.Get(ctx, f)
}

// Summary aggregates the evaluations matching f overall and per judge.
func (c *Console) Summary(ctx context.Context, f schemas.EvaluationFilter) (report.Summary, []report.JudgeSummary, error) {
	evals, err := c.cache.Get(ctx, f)
	if err != nil {
		return report.Summary{}, nil, err
	}
	return report.Summarize(evals), report.ByJudge(evals), nil
}

// Invalidate drops every cached evaluation query.
func (c *Console) Invalidate(ctx context.Context) {
	c.cache.Invalidate(ctx, evalcache.ReasonManual)
}

// Close stops every watch and waits for them to exit.
func (c *Console) Close() {
	c.poller.Close()
}
