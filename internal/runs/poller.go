// Package runs tracks server-side evaluation runs to a terminal state by
// polling.
//
// Each watched run has its own goroutine that fetches the run immediately and
// then every interval while it is RUNNING. Once COMPLETED or FAILED is
// observed the watch stops for good and the completion handler fires exactly
// once. A failed fetch is reported and the next poll still happens on
// schedule; polling never gives up on its own.
package runs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"

	"judge-console/internal/metrics"
	"judge-console/internal/schemas"
)

// DefaultInterval is the fixed delay between polls of a RUNNING run.
const DefaultInterval = 2 * time.Second

var (
	ErrStopped = errors.New("watch stopped")
	ErrClosed  = errors.New("poller closed")
)

type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

func stateOf(s schemas.RunStatus) State {
	switch s {
	case schemas.RunCompleted:
		return StateCompleted
	case schemas.RunFailed:
		return StateFailed
	}
	return StateRunning
}

// Fetcher reads the current status of a run.
type Fetcher interface {
	GetRun(ctx context.Context, runID string) (schemas.Run, error)
}

// Handlers are optional callbacks for one watch. Scheduled polls call them
// from the watch goroutine; Refresh calls them from its caller's goroutine.
type Handlers struct {
	OnUpdate   func(Snapshot)
	OnError    func(error)
	OnComplete func(schemas.Run)
}

type Snapshot struct {
	RunID     string
	State     State
	Run       schemas.Run
	Processed int
	Percent   float64
	LastErr   error
	Polls     int
}

type Option func(*Poller)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

type Poller struct {
	fetch    Fetcher
	interval time.Duration

	mu      sync.Mutex
	watches map[string]*Watch
	closed  bool
	wg      sync.WaitGroup
}

func NewPoller(f Fetcher, opts ...Option) *Poller {
	p := &Poller{fetch: f, interval: DefaultInterval, watches: map[string]*Watch{}}
	for _, o := range opts {
		o(p)
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	return p
}

// Watch starts polling runID. If the run is already being watched, or was
// already seen finishing, the existing watch is returned and h is ignored. A
// finished run is never fetched again and its completion never fires twice.
func (p *Poller) Watch(ctx context.Context, runID string, h Handlers) (*Watch, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if w, ok := p.watches[runID]; ok {
		return w, nil
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		p:        p,
		runID:    runID,
		h:        h,
		parent:   ctx,
		ctx:      wctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		terminal: make(chan struct{}),
		snap:     Snapshot{RunID: runID, State: StatePending},
	}
	p.watches[runID] = w
	p.wg.Add(1)
	metrics.ActiveWatches.Inc()
	go w.loop()
	return w, nil
}

// Cancel stops the watch for runID, if any.
func (p *Poller) Cancel(runID string) {
	p.mu.Lock()
	w := p.watches[runID]
	p.mu.Unlock()
	if w != nil {
		w.Cancel()
	}
}

// Close cancels every watch and waits for their goroutines to exit. It must
// not be called from a handler.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	ws := make([]*Watch, 0, len(p.watches))
	for _, w := range p.watches {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	for _, w := range ws {
		w.Cancel()
	}
	p.wg.Wait()
}

// forget drops a watch that stopped without a terminal observation. Finished
// watches stay registered for the life of the Poller.
func (p *Poller) forget(w *Watch) {
	if w.final() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watches[w.runID] == w {
		delete(p.watches, w.runID)
	}
}

const (
	completionOpen int32 = iota
	completionFired
	completionCancelled
)

// Watch is the client-side state machine for one run.
type Watch struct {
	p     *Poller
	runID string
	h     Handlers

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	terminal chan struct{}

	// completion is decided once, by whichever of the terminal poll and
	// Cancel gets there first.
	completion atomic.Int32

	mu        sync.Mutex
	stopped   bool
	issued    uint64
	applied   uint64
	snap      Snapshot
	finalized bool
}

func (w *Watch) RunID() string { return w.runID }

func (w *Watch) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap
}

// Done is closed once the watch goroutine has exited, after a terminal
// state or a cancellation.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Wait blocks until the run is terminal and returns it. It returns
// ErrStopped if the watch is cancelled first.
func (w *Watch) Wait(ctx context.Context) (schemas.Run, error) {
	select {
	case <-w.terminal:
		return w.Snapshot().Run, nil
	case <-w.done:
		select {
		case <-w.terminal:
			return w.Snapshot().Run, nil
		default:
		}
		return schemas.Run{}, ErrStopped
	case <-ctx.Done():
		return schemas.Run{}, ctx.Err()
	}
}

// Cancel stops polling. Once it returns no further fetch is issued, and the
// completion handler will not fire unless a terminal poll already claimed it;
// in that case a handler in progress may still finish after Cancel returns.
// Cancel does not wait for the watch goroutine; use Done for that.
func (w *Watch) Cancel() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.completion.CompareAndSwap(completionOpen, completionCancelled)
	w.cancel()
}

// Refresh fetches the run now, outside the schedule. Overlapping fetches are
// ordered by issuance: a response older than the one already applied is
// dropped.
func (w *Watch) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(w.ctx, cancel)()
	return w.poll(ctx)
}

func (w *Watch) final() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalized
}

func (w *Watch) cancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped || w.parent.Err() != nil
}

func (w *Watch) loop() {
	defer w.p.wg.Done()
	defer metrics.ActiveWatches.Dec()
	defer close(w.done)
	defer w.p.forget(w)
	defer w.cancel()

	log := clog.FromContext(w.parent).With("run", w.runID)
	log.Debug("watching run")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-w.ctx.Done():
			log.Debug("run watch cancelled")
			return
		case <-w.terminal:
			return
		case <-timer.C:
		}
		if err := w.poll(w.ctx); errors.Is(err, ErrStopped) {
			return
		}
		timer.Reset(w.p.interval)
	}
}

// issue reserves the next generation for a fetch, or reports that no more
// fetches may start.
func (w *Watch) issue() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.finalized || w.parent.Err() != nil {
		return 0, false
	}
	w.issued++
	w.snap.Polls++
	return w.issued, true
}

func (w *Watch) poll(ctx context.Context) error {
	gen, ok := w.issue()
	if !ok {
		return ErrStopped
	}
	run, err := w.p.fetch.GetRun(ctx, w.runID)
	w.apply(ctx, gen, run, err)
	return err
}

func (w *Watch) apply(ctx context.Context, gen uint64, run schemas.Run, err error) {
	log := clog.FromContext(ctx).With("run", w.runID)

	w.mu.Lock()
	if w.stopped || w.parent.Err() != nil {
		w.mu.Unlock()
		return
	}
	// Terminal state is permanent, and an older response never replaces a
	// newer one.
	if w.finalized || gen <= w.applied {
		w.mu.Unlock()
		metrics.PollTicks.WithLabelValues("stale").Inc()
		metrics.StaleResponses.WithLabelValues("runs").Inc()
		return
	}
	if err != nil {
		w.snap.LastErr = err
		w.mu.Unlock()
		metrics.PollTicks.WithLabelValues(metrics.Error).Inc()
		log.Warn("run poll failed", "error", err)
		if w.h.OnError != nil && !w.cancelled() {
			w.h.OnError(err)
		}
		return
	}

	w.applied = gen
	w.snap.Run = run
	w.snap.State = stateOf(run.Status)
	w.snap.Processed = run.Processed()
	w.snap.Percent = run.ProgressPercent()
	w.snap.LastErr = nil
	final := w.snap.State.Terminal()
	if final {
		w.finalized = true
		close(w.terminal)
	}
	snap := w.snap
	w.mu.Unlock()
	metrics.PollTicks.WithLabelValues(metrics.OK).Inc()

	if w.h.OnUpdate != nil && !w.cancelled() {
		w.h.OnUpdate(snap)
	}
	if !final {
		return
	}
	log.Info("run finished", "status", run.Status, "processed", snap.Processed, "planned", run.PlannedCount)
	if w.cancelled() || !w.completion.CompareAndSwap(completionOpen, completionFired) {
		return
	}
	if w.h.OnComplete != nil {
		w.h.OnComplete(run)
	}
}
