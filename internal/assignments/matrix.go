// Package assignments keeps the judge-to-question assignment matrix of one
// queue in step with the server.
//
// Each row is a cached copy of the server's judge set for one question.
// Toggles derive the new full set from the last fetched copy and replace it
// on the server; after a confirmed write the row is re-fetched. Requests are
// ordered per question by a generation counter taken at issuance, so a
// response is applied only if no newer request for that question was issued
// in the meantime. Rows are independent: no lock is held across network calls
// and no row ever reads another row's cache.
package assignments

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"judge-console/internal/gateway"
	"judge-console/internal/metrics"
	"judge-console/internal/schemas"
)

var (
	ErrUnknownQuestion = errors.New("question is not part of this matrix")
	ErrQueueMismatch   = errors.New("question belongs to a different queue")
	ErrDuplicate       = errors.New("duplicate question in matrix")
	ErrNotLoaded       = errors.New("row has not been loaded")
)

// Gateway is the subset of the remote API the matrix needs.
type Gateway interface {
	ListJudges(ctx context.Context) ([]schemas.Judge, error)
	GetAssignment(ctx context.Context, queueID, questionTemplateID string) ([]string, error)
	ReplaceAssignment(ctx context.Context, queueID, questionTemplateID string, judgeIDs []string) error
}

// ChangeFunc is called after the server confirms a replace for one question.
type ChangeFunc func(ctx context.Context, queueID, questionTemplateID string)

type Option func(*Matrix)

func WithOnChange(fn ChangeFunc) Option {
	return func(m *Matrix) { m.onChange = fn }
}

// WithConcurrency bounds the number of per-question fetches Load runs at once.
func WithConcurrency(n int) Option {
	return func(m *Matrix) { m.concurrency = n }
}

type row struct {
	question schemas.Question
	judgeIDs []string
	loaded   bool
	stale    bool

	// issued is bumped for every fetch or write touching this row.
	issued uint64
}

type Matrix struct {
	gw          Gateway
	queueID     string
	onChange    ChangeFunc
	concurrency int

	mu     sync.Mutex
	judges []schemas.Judge
	loaded bool
	order  []string
	rows   map[string]*row
}

func New(gw Gateway, queueID string, questions []schemas.Question, opts ...Option) (*Matrix, error) {
	if queueID == "" {
		return nil, errors.New("queue id is required")
	}
	m := &Matrix{
		gw:          gw,
		queueID:     queueID,
		concurrency: 8,
		rows:        make(map[string]*row, len(questions)),
	}
	for _, q := range questions {
		if q.QueueID != queueID {
			return nil, fmt.Errorf("%w: %s is in %q, not %q", ErrQueueMismatch, q.QuestionTemplateID, q.QueueID, queueID)
		}
		if _, ok := m.rows[q.QuestionTemplateID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, q.QuestionTemplateID)
		}
		m.rows[q.QuestionTemplateID] = &row{question: q, judgeIDs: []string{}}
		m.order = append(m.order, q.QuestionTemplateID)
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Matrix) QueueID() string { return m.queueID }

// Load fetches the judges and every question's assignment. A question whose
// fetch fails renders as an empty set rather than failing the load; a judges
// failure is returned.
func (m *Matrix) Load(ctx context.Context) error {
	log := clog.FromContext(ctx).With("queue", m.queueID)

	g, gctx := errgroup.WithContext(ctx)
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency + 1)
	}

	var judges []schemas.Judge
	g.Go(func() error {
		js, err := m.gw.ListJudges(gctx)
		if err != nil {
			return fmt.Errorf("list judges: %w", err)
		}
		judges = js
		return nil
	})

	for _, qid := range m.order {
		gen := m.issue(qid)
		g.Go(func() error {
			ids, err := m.gw.GetAssignment(gctx, m.queueID, qid)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				log.Warn("assignment fetch failed, rendering as empty", "question", qid, "error", err)
				metrics.AssignmentFallbacks.Inc()
				ids = []string{}
			}
			m.apply(qid, gen, ids, false)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	m.judges = judges
	m.loaded = true
	m.mu.Unlock()
	return nil
}

// Toggle adds judgeID to the question's set if absent, otherwise removes it,
// and replaces the whole set on the server. It returns the set that was sent.
//
// The new set is derived from the last fetched copy of the row, never from a
// write still in flight, so two toggles on the same question that overlap
// both start from the same base and the later write wins. On failure the row
// is left as it was.
func (m *Matrix) Toggle(ctx context.Context, questionTemplateID, judgeID string) ([]string, error) {
	if judgeID == "" {
		return nil, errors.New("judge id is required")
	}

	m.mu.Lock()
	r, ok := m.rows[questionTemplateID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionTemplateID)
	}
	if !r.loaded {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, questionTemplateID)
	}
	next := toggled(r.judgeIDs, judgeID)
	r.issued++
	m.mu.Unlock()

	log := clog.FromContext(ctx).With("queue", m.queueID).With("question", questionTemplateID)
	if err := m.gw.ReplaceAssignment(ctx, m.queueID, questionTemplateID, next); err != nil {
		log.Warn("replace assignment failed", "judge", judgeID, "error", err)
		return nil, err
	}
	log.Info("assignment replaced", "judges", next)

	if m.onChange != nil {
		m.onChange(ctx, m.queueID, questionTemplateID)
	}

	// The write is confirmed; the cached row is no longer trusted until
	// re-fetched.
	gen := m.issue(questionTemplateID)
	ids, err := m.gw.GetAssignment(ctx, m.queueID, questionTemplateID)
	if err != nil {
		log.Warn("re-fetch after replace failed, showing confirmed set", "error", err)
		m.apply(questionTemplateID, gen, next, true)
		return next, nil
	}
	m.apply(questionTemplateID, gen, ids, false)
	return next, nil
}

// Refresh re-fetches one question. Unlike Load, a failure is returned and the
// row keeps its previous value.
func (m *Matrix) Refresh(ctx context.Context, questionTemplateID string) error {
	m.mu.Lock()
	_, ok := m.rows[questionTemplateID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionTemplateID)
	}
	gen := m.issue(questionTemplateID)
	ids, err := m.gw.GetAssignment(ctx, m.queueID, questionTemplateID)
	if err != nil {
		return err
	}
	m.apply(questionTemplateID, gen, ids, false)
	return nil
}

type Row struct {
	Question schemas.Question `json:"question" yaml:"question"`
	JudgeIDs []string         `json:"judgeIds" yaml:"judgeIds"`
	// Loaded is false until the first fetch for the row resolves.
	Loaded bool `json:"loaded" yaml:"loaded"`
	// Stale marks a row showing a confirmed write whose re-fetch failed.
	Stale bool `json:"stale,omitempty" yaml:"stale,omitempty"`
}

func (r Row) Has(judgeID string) bool { return slices.Contains(r.JudgeIDs, judgeID) }

// Snapshot is a point-in-time copy of the matrix. Judges holds only active
// judges; they are the matrix columns.
type Snapshot struct {
	QueueID string          `json:"queueId" yaml:"queueId"`
	Judges  []schemas.Judge `json:"judges" yaml:"judges"`
	Rows    []Row           `json:"rows" yaml:"rows"`
	Loaded  bool            `json:"loaded" yaml:"loaded"`
}

func (s Snapshot) Row(questionTemplateID string) (Row, bool) {
	for _, r := range s.Rows {
		if r.Question.QuestionTemplateID == questionTemplateID {
			return r, true
		}
	}
	return Row{}, false
}

func (m *Matrix) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{QueueID: m.queueID, Loaded: m.loaded, Judges: []schemas.Judge{}, Rows: make([]Row, 0, len(m.order))}
	for _, j := range m.judges {
		if j.Active {
			s.Judges = append(s.Judges, j)
		}
	}
	for _, qid := range m.order {
		r := m.rows[qid]
		s.Rows = append(s.Rows, Row{
			Question: r.question,
			JudgeIDs: slices.Clone(r.judgeIDs),
			Loaded:   r.loaded,
			Stale:    r.stale,
		})
	}
	return s
}

// Assigned reports the cached set for one question.
func (m *Matrix) Assigned(questionTemplateID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[questionTemplateID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionTemplateID)
	}
	return slices.Clone(r.judgeIDs), nil
}

func (m *Matrix) issue(qid string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[qid]
	r.issued++
	return r.issued
}

// apply stores ids for qid only if gen is still the newest request issued
// for that question.
func (m *Matrix) apply(qid string, gen uint64, ids []string, stale bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[qid]
	if gen != r.issued {
		metrics.StaleResponses.WithLabelValues("assignments").Inc()
		return false
	}
	r.judgeIDs = gateway.Distinct(ids)
	r.loaded = true
	r.stale = stale
	return true
}

func toggled(current []string, judgeID string) []string {
	if slices.Contains(current, judgeID) {
		out := make([]string, 0, len(current))
		for _, id := range current {
			if id != judgeID {
				out = append(out, id)
			}
		}
		return out
	}
	out := make([]string, 0, len(current)+1)
	out = append(out, current...)
	return append(out, judgeID)
}
