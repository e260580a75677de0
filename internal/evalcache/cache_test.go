package evalcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"judge-console/internal/schemas"
)

type fakeFetcher struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
	evals []schemas.Evaluation
}

func (f *fakeFetcher) ListEvaluations(ctx context.Context, filter schemas.EvaluationFilter) ([]schemas.Evaluation, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []schemas.Evaluation
	for _, e := range f.evals {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func sample() []schemas.Evaluation {
	return []schemas.Evaluation{
		{EvaluationID: "e1", RunID: "R1", QueueID: "queue-1", QuestionTemplateID: "Q1", JudgeID: "J1", Verdict: schemas.VerdictPass},
		{EvaluationID: "e2", RunID: "R1", QueueID: "queue-1", QuestionTemplateID: "Q2", JudgeID: "J1", Verdict: schemas.VerdictFail},
		{EvaluationID: "e3", RunID: "R1", QueueID: "queue-1", QuestionTemplateID: "Q1", JudgeID: "J2", Verdict: schemas.VerdictPass},
	}
}

func TestStructurallyEqualFiltersShareEntry(t *testing.T) {
	f := &fakeFetcher{evals: sample()}
	c := New(f)
	ctx := context.Background()

	a := Filter{QueueID: "queue-1", Verdict: schemas.VerdictPass}
	b := Filter{Verdict: schemas.VerdictPass, QueueID: "queue-1"}

	first, err := c.Get(ctx, a)
	require.NoError(t, err)
	second, err := c.Get(ctx, b)
	require.NoError(t, err)

	require.EqualValues(t, 1, f.calls.Load())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached result (-first +second):\n%s", diff)
	}
	require.Len(t, first, 2)
	require.Equal(t, 1, c.Len())
}

func TestDistinctFiltersFetchSeparately(t *testing.T) {
	f := &fakeFetcher{evals: sample()}
	c := New(f)
	ctx := context.Background()

	all, err := c.Get(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	j2, err := c.Get(ctx, Filter{JudgeID: "J2"})
	require.NoError(t, err)
	require.Len(t, j2, 1)
	require.EqualValues(t, 2, f.calls.Load())
}

func TestInvalidateForcesRefetch(t *testing.T) {
	f := &fakeFetcher{evals: sample()}
	c := New(f)
	ctx := context.Background()
	filter := Filter{QueueID: "queue-1"}

	_, err := c.Get(ctx, filter)
	require.NoError(t, err)

	c.OnRunTerminal(ctx, schemas.Run{RunID: "R1", Status: schemas.RunCompleted})
	require.Zero(t, c.Len())
	_, err = c.Get(ctx, filter)
	require.NoError(t, err)
	require.EqualValues(t, 2, f.calls.Load())

	c.OnAssignmentChanged(ctx, "queue-1", "Q1")
	_, err = c.Get(ctx, filter)
	require.NoError(t, err)
	require.EqualValues(t, 3, f.calls.Load())
}

// A fetch that began before an invalidation must not repopulate the cache.
func TestFetchFromOlderEpochNotStored(t *testing.T) {
	f := &fakeFetcher{evals: sample(), gate: make(chan struct{})}
	c := New(f)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, Filter{})
		done <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Invalidate(ctx, ReasonManual)
	close(f.gate)
	require.NoError(t, <-done)
	require.Zero(t, c.Len())
}

func TestConcurrentMissesShareOneRequest(t *testing.T) {
	f := &fakeFetcher{evals: sample(), gate: make(chan struct{})}
	c := New(f)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]schemas.Evaluation, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evals, err := c.Get(ctx, Filter{QueueID: "queue-1"})
			if err == nil {
				results[i] = evals
			}
		}()
	}
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	require.EqualValues(t, 1, f.calls.Load())
	for _, r := range results {
		require.Len(t, r, 3)
	}
}

func TestCallerCancelDoesNotFailSharedFetch(t *testing.T) {
	f := &fakeFetcher{evals: sample(), gate: make(chan struct{})}
	c := New(f)
	filter := Filter{QueueID: "queue-1"}

	actx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Get(actx, filter)
		first <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		evals []schemas.Evaluation
		err   error
	}
	second := make(chan result, 1)
	go func() {
		evals, err := c.Get(context.Background(), filter)
		second <- result{evals, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(f.gate)
	got := <-second
	require.NoError(t, got.err)
	require.Len(t, got.evals, 3)
	require.EqualValues(t, 1, f.calls.Load())
	require.Equal(t, 1, c.Len())
}

func TestErrorsAreNotCached(t *testing.T) {
	f := &fakeFetcher{err: errors.New("unavailable")}
	c := New(f)
	ctx := context.Background()

	_, err := c.Get(ctx, Filter{})
	require.Error(t, err)
	f.err = nil
	f.evals = sample()
	evals, err := c.Get(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, evals, 3)
	require.EqualValues(t, 2, f.calls.Load())
}

func TestInvalidFilterRejected(t *testing.T) {
	f := &fakeFetcher{}
	c := New(f)
	_, err := c.Get(context.Background(), Filter{Verdict: "MAYBE"})
	require.Error(t, err)
	require.Zero(t, f.calls.Load())
}

func TestCallerCannotMutateEntry(t *testing.T) {
	c := New(&fakeFetcher{evals: sample()})
	ctx := context.Background()

	evals, err := c.Get(ctx, Filter{})
	require.NoError(t, err)
	evals[0].Verdict = schemas.VerdictFail

	again, err := c.Get(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, schemas.VerdictPass, again[0].Verdict)
}
