package runs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"judge-console/internal/gateway"
	"judge-console/internal/schemas"
)

const tick = 5 * time.Millisecond

type step struct {
	run  schemas.Run
	err  error
	gate chan struct{} // when set, the response waits for the gate to close
}

// scripted answers GetRun with its steps in order, repeating the last one.
type scripted struct {
	mu    sync.Mutex
	calls int
	steps []step
}

func (s *scripted) GetRun(_ context.Context, runID string) (schemas.Run, error) {
	s.mu.Lock()
	st := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	s.mu.Unlock()
	if st.gate != nil {
		<-st.gate
	}
	return st.run, st.err
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func run(status schemas.RunStatus, planned, completed, failed int) schemas.Run {
	return schemas.Run{
		RunID:          "R1",
		QueueID:        "queue-1",
		Status:         status,
		PlannedCount:   planned,
		CompletedCount: completed,
		FailedCount:    failed,
		StartedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

type recorder struct {
	mu        sync.Mutex
	states    []State
	errs      []error
	completed []schemas.Run
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnUpdate: func(s Snapshot) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s.State)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnComplete: func(run schemas.Run) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed = append(r.completed, run)
		},
	}
}

func (r *recorder) completions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func waitDone(t *testing.T, w *Watch) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchRunsToCompletion(t *testing.T) {
	f := &scripted{steps: []step{
		{run: run(schemas.RunRunning, 10, 2, 0)},
		{run: run(schemas.RunRunning, 10, 7, 1)},
		{run: run(schemas.RunCompleted, 10, 9, 1)},
	}}
	p := NewPoller(f, WithInterval(tick))
	defer p.Close()

	var rec recorder
	w, err := p.Watch(context.Background(), "R1", rec.handlers())
	require.NoError(t, err)

	got, err := w.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, schemas.RunCompleted, got.Status)
	waitDone(t, w)

	snap := w.Snapshot()
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, 10, snap.Processed)
	require.InDelta(t, 100.0, snap.Percent, 1e-9)
	require.Equal(t, 3, snap.Polls)
	require.Equal(t, []State{StateRunning, StateRunning, StateCompleted}, rec.states)
	require.Equal(t, 1, rec.completions())
}

func TestProgressWhileRunning(t *testing.T) {
	gate := make(chan struct{})
	f := &scripted{steps: []step{
		{run: run(schemas.RunRunning, 10, 7, 1)},
		{run: run(schemas.RunCompleted, 10, 9, 1), gate: gate},
	}}
	p := NewPoller(f, WithInterval(tick))
	defer p.Close()

	w, err := p.Watch(context.Background(), "R1", Handlers{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return w.Snapshot().State == StateRunning }, time.Second, time.Millisecond)
	snap := w.Snapshot()
	require.Equal(t, 8, snap.Processed)
	require.InDelta(t, 80.0, snap.Percent, 1e-9)

	close(gate)
	_, err = w.Wait(context.Background())
	require.NoError(t, err)
}

func TestSnapshotStartsPending(t *testing.T) {
	gate := make(chan struct{})
	f := &scripted{steps: []step{{run: run(schemas.RunCompleted, 0, 0, 0), gate: gate}}}
	p := NewPoller(f, WithInterval(tick))
	defer p.Close()

	w, err := p.Watch(context.Background(), "R1", Handlers{})
	require.NoError(t, err)
	snap := w.Snapshot()
	require.Equal(t, StatePending, snap.State)
	require.Zero(t, snap.Percent)

	close(gate)
	waitDone(t, w)
	require.Zero(t, w.Snapshot().Percent, "nothing planned reports zero")
}

// Two fetches in flight both observe the terminal status; completion fires
// once.
func TestCompletionFiresOnceForRepeatedTerminal(t *testing.T) {
	gate := make(chan struct{})
	f := &scripted{steps: []step{
		{run: run(schemas.RunCompleted, 4, 4, 0), gate: gate},
		{run: run(schemas.RunCompleted, 4, 4, 0)},
	}}
	p := NewPoller(f, WithInterval(time.Hour))
	defer p.Close()

	var rec recorder
	w, err := p.Watch(context.Background(), "R1", rec.handlers())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, w.Refresh(context.Background()))
	require.Equal(t, 1, rec.completions())

	close(gate)
	waitDone(t, w)
	require.Equal(t, 1, rec.completions())
	require.ErrorIs(t, w.Refresh(context.Background()), ErrStopped)
	require.Equal(t, 2, f.count(), "no fetch after terminal")
}

func TestStatusNeverLeavesTerminal(t *testing.T) {
	f := &scripted{steps: []step{
		{run: run(schemas.RunRunning, 3, 1, 0)},
		{run: run(schemas.RunFailed, 3, 0, 3)},
		{run: run(schemas.RunRunning, 3, 1, 0)},
	}}
	p := NewPoller(f, WithInterval(tick))
	defer p.Close()

	var rec recorder
	w, err := p.Watch(context.Background(), "R1", rec.handlers())
	require.NoError(t, err)
	waitDone(t, w)

	calls := f.count()
	time.Sleep(10 * tick)
	require.Equal(t, calls, f.count(), "polling stops after terminal")
	require.Equal(t, []State{StateRunning, StateFailed}, rec.states)
	require.Equal(t, StateFailed, w.Snapshot().State)
}

func TestPollingSurvivesErrors(t *testing.T) {
	boom := &gateway.Error{Kind: gateway.KindServer, Op: "get_run", Status: 502}
	f := &scripted{steps: []step{
		{err: boom},
		{err: &gateway.Error{Kind: gateway.KindTransport, Op: "get_run", Err: errors.New("reset")}},
		{run: run(schemas.RunRunning, 2, 1, 0)},
		{err: boom},
		{run: run(schemas.RunCompleted, 2, 2, 0)},
	}}
	p := NewPoller(f, WithInterval(tick))
	defer p.Close()

	var rec recorder
	w, err := p.Watch(context.Background(), "R1", rec.handlers())
	require.NoError(t, err)
	_, err = w.Wait(context.Background())
	require.NoError(t, err)
	waitDone(t, w)

	require.Len(t, rec.errs, 3)
	require.ErrorIs(t, rec.errs[0], gateway.ErrServer)
	require.ErrorIs(t, rec.errs[1], gateway.ErrTransport)
	require.NoError(t, w.Snapshot().LastErr)
	require.Equal(t, 1, rec.completions())
}

func TestCancelStopsPolling(t *testing.T) {
	f := &scripted{steps: []step{{run: run(schemas.RunRunning, 5, 1, 0)}}}
	p := NewPoller(f, WithInterval(tick))
	defer p.Close()

	var rec recorder
	w, err := p.Watch(context.Background(), "R1", rec.handlers())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.count() >= 2 }, time.Second, time.Millisecond)

	p.Cancel("R1")
	waitDone(t, w)
	calls := f.count()
	require.Equal(t, w.Snapshot().Polls, calls)
	time.Sleep(10 * tick)
	require.Equal(t, calls, f.count())
	require.Zero(t, rec.completions())

	_, err = w.Wait(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}

// A terminal response that lands after Cancel must not fire completion.
func TestCancelDuringInflightPoll(t *testing.T) {
	gate := make(chan struct{})
	f := &scripted{steps: []step{{run: run(schemas.RunCompleted, 1, 1, 0), gate: gate}}}
	p := NewPoller(f, WithInterval(tick))
	defer p.Close()

	var rec recorder
	w, err := p.Watch(context.Background(), "R1", rec.handlers())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)

	w.Cancel()
	close(gate)
	waitDone(t, w)

	require.Zero(t, rec.completions())
	require.Empty(t, rec.states)
	require.Equal(t, StatePending, w.Snapshot().State)
}

func TestParentContextCancelsWatch(t *testing.T) {
	f := &scripted{steps: []step{{run: run(schemas.RunRunning, 5, 1, 0)}}}
	p := NewPoller(f, WithInterval(tick))
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w, err := p.Watch(ctx, "R1", Handlers{})
	require.NoError(t, err)
	cancel()
	waitDone(t, w)
}

// An older fetch resolving after a newer one is dropped.
func TestStaleResponseDiscarded(t *testing.T) {
	gate := make(chan struct{})
	f := &scripted{steps: []step{
		{run: run(schemas.RunRunning, 10, 1, 0), gate: gate},
		{run: run(schemas.RunRunning, 10, 5, 0)},
	}}
	p := NewPoller(f, WithInterval(time.Hour))
	defer p.Close()

	w, err := p.Watch(context.Background(), "R1", Handlers{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, w.Refresh(context.Background()))
	require.Equal(t, 5, w.Snapshot().Processed)

	close(gate)
	require.Eventually(t, func() bool { return w.Snapshot().Polls == 2 }, time.Second, time.Millisecond)
	time.Sleep(5 * tick)
	require.Equal(t, 5, w.Snapshot().Processed)
}

func TestWatchIsPerRun(t *testing.T) {
	f := &scripted{steps: []step{{run: run(schemas.RunRunning, 1, 0, 0)}}}
	p := NewPoller(f, WithInterval(tick))

	a, err := p.Watch(context.Background(), "R1", Handlers{})
	require.NoError(t, err)
	b, err := p.Watch(context.Background(), "R1", Handlers{})
	require.NoError(t, err)
	require.Same(t, a, b)

	_, err = p.Watch(context.Background(), "", Handlers{})
	require.Error(t, err)

	p.Close()
	waitDone(t, a)
	_, err = p.Watch(context.Background(), "R2", Handlers{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestFinishedRunIsNotWatchedAgain(t *testing.T) {
	f := &scripted{steps: []step{{run: run(schemas.RunCompleted, 2, 2, 0)}}}
	p := NewPoller(f, WithInterval(tick))
	defer p.Close()

	var rec recorder
	first, err := p.Watch(context.Background(), "R1", rec.handlers())
	require.NoError(t, err)
	waitDone(t, first)
	require.Equal(t, 1, rec.completions())

	var again recorder
	second, err := p.Watch(context.Background(), "R1", again.handlers())
	require.NoError(t, err)
	require.Same(t, first, second)
	waitDone(t, second)

	got, err := second.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, schemas.RunCompleted, got.Status)

	time.Sleep(5 * tick)
	require.Equal(t, 1, f.count())
	require.Equal(t, 1, rec.completions())
	require.Zero(t, again.completions())
}

func TestCancelledRunCanBeWatchedAgain(t *testing.T) {
	f := &scripted{steps: []step{{run: run(schemas.RunRunning, 2, 0, 0)}}}
	p := NewPoller(f, WithInterval(tick))
	defer p.Close()

	first, err := p.Watch(context.Background(), "R1", Handlers{})
	require.NoError(t, err)
	first.Cancel()
	waitDone(t, first)

	second, err := p.Watch(context.Background(), "R1", Handlers{})
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Eventually(t, func() bool { return second.Snapshot().Polls >= 1 }, time.Second, time.Millisecond)
}

func TestCancelFromCompletionHandler(t *testing.T) {
	f := &scripted{steps: []step{{run: run(schemas.RunCompleted, 1, 1, 0)}}}
	p := NewPoller(f, WithInterval(tick))
	defer p.Close()

	var fired atomic.Int32
	var w *Watch
	ready := make(chan struct{})
	w, err := p.Watch(context.Background(), "R1", Handlers{OnComplete: func(schemas.Run) {
		<-ready
		fired.Add(1)
		w.Cancel()
	}})
	require.NoError(t, err)
	close(ready)
	waitDone(t, w)
	require.EqualValues(t, 1, fired.Load())
}
