// Package evalcache memoizes evaluation queries by filter.
//
// Entries are keyed by the canonical form of the filter, so structurally
// equal filters share one entry. The cache is dropped whole on invalidation;
// evaluations only change when a run finishes or the assignment set that
// drives runs changes.
package evalcache

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/singleflight"

	"judge-console/internal/metrics"
	"judge-console/internal/schemas"
)

type Filter = schemas.EvaluationFilter

// Invalidation reasons.
const (
	ReasonRunTerminal       = "run_terminal"
	ReasonAssignmentChanged = "assignment_changed"
	ReasonManual            = "manual"
)

type Fetcher interface {
	ListEvaluations(ctx context.Context, f schemas.EvaluationFilter) ([]schemas.Evaluation, error)
}

type Cache struct {
	fetch Fetcher
	group singleflight.Group

	mu      sync.RWMutex
	epoch   uint64
	entries map[string][]schemas.Evaluation
}

func New(f Fetcher) *Cache {
	return &Cache{fetch: f, entries: map[string][]schemas.Evaluation{}}
}

// Get returns the evaluations matching f, fetching them on a miss.
// Concurrent misses for the same key share one request, which is not
// cancelled when one of its callers gives up. A fetch that started before an
// invalidation is returned to its callers but not stored.
func (c *Cache) Get(ctx context.Context, f Filter) ([]schemas.Evaluation, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	key := f.Key()

	c.mu.RLock()
	evals, ok := c.entries[key]
	epoch := c.epoch
	c.mu.RUnlock()
	if ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return slices.Clone(evals), nil
	}

	// The shared fetch outlives any one caller; each caller waits on its own
	// context.
	fctx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fmt.Sprintf("%d|%s", epoch, key), func() (any, error) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		evals, err := c.fetch.ListEvaluations(fctx, f)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch == epoch {
			c.entries[key] = evals
		} else {
			metrics.StaleResponses.WithLabelValues("evalcache").Inc()
		}
		return evals, nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			metrics.CacheLookups.WithLabelValues("shared").Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]schemas.Evaluation)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops every entry.
func (c *Cache) Invalidate(ctx context.Context, reason string) {
	c.mu.Lock()
	c.epoch++
	n := len(c.entries)
	c.entries = map[string][]schemas.Evaluation{}
	c.mu.Unlock()

	metrics.CacheInvalidations.WithLabelValues(reason).Inc()
	clog.FromContext(ctx).Debug("evaluation cache invalidated", "reason", reason, "entries", n)
}

// OnRunTerminal is the hook for a run reaching COMPLETED or FAILED.
func (c *Cache) OnRunTerminal(ctx context.Context, run schemas.Run) {
	c.Invalidate(ctx, ReasonRunTerminal)
}

// OnAssignmentChanged is the hook for a confirmed assignment replace.
func (c *Cache) OnAssignmentChanged(ctx context.Context, queueID, questionTemplateID string) {
	c.Invalidate(ctx, ReasonAssignmentChanged)
}

// Len reports the number of cached filters.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
