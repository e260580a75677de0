package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"judge-console/internal/gateway"
	"judge-console/internal/notify"
	"judge-console/internal/report"
	"judge-console/internal/schemas"
)

type fakeAPI struct {
	run     schemas.Run
	runErr  error
	evals   []schemas.Evaluation
	filters []schemas.EvaluationFilter
}

func (f *fakeAPI) GetRun(context.Context, string) (schemas.Run, error) {
	return f.run, f.runErr
}

func (f *fakeAPI) ListEvaluations(_ context.Context, filter schemas.EvaluationFilter) ([]schemas.Evaluation, error) {
	f.filters = append(f.filters, filter)
	return f.evals, nil
}

type memStore struct {
	objects map[string]any
	err     error
}

func (m *memStore) PutJSON(_ context.Context, key string, v any) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if m.objects == nil {
		m.objects = map[string]any{}
	}
	m.objects[key] = v
	return "s3://test/" + key, nil
}

func task(t *testing.T, run schemas.Run) *asynq.Task {
	t.Helper()
	tk, err := notify.NewRunCompletedTask(run)
	require.NoError(t, err)
	return tk
}

func finished() schemas.Run {
	return schemas.Run{RunID: "R2", QueueID: "queue-1", Status: schemas.RunCompleted, PlannedCount: 2, CompletedCount: 2}
}

func TestArchivesOnlyTheRunsEvaluations(t *testing.T) {
	api := &fakeAPI{run: finished(), evals: []schemas.Evaluation{
		{EvaluationID: "e1", RunID: "R1", JudgeID: "J1", Verdict: schemas.VerdictFail},
		{EvaluationID: "e2", RunID: "R2", JudgeID: "J1", Verdict: schemas.VerdictPass},
		{EvaluationID: "e3", RunID: "R2", JudgeID: "J2", Verdict: schemas.VerdictFail},
	}}
	store := &memStore{}
	s := &Server{API: api, Store: store}

	require.NoError(t, s.handleRunCompleted(context.Background(), task(t, finished())))
	require.Equal(t, []schemas.EvaluationFilter{{QueueID: "queue-1"}}, api.filters)

	got, ok := store.objects["runs/R2.json"].(report.Archive)
	require.True(t, ok)
	require.Len(t, got.Evaluations, 2)
	require.Equal(t, 2, got.Summary.Total)
	require.InDelta(t, 50, got.Summary.PassRate, 1e-9)
	require.Len(t, got.ByJudge, 2)
}

func TestBadPayloadSkipsRetry(t *testing.T) {
	s := &Server{API: &fakeAPI{}, Store: &memStore{}}
	err := s.handleRunCompleted(context.Background(), asynq.NewTask(notify.TypeRunCompleted, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestMissingRunSkipsRetry(t *testing.T) {
	api := &fakeAPI{runErr: &gateway.Error{Kind: gateway.KindNotFound, Op: "get_run", Status: 404}}
	s := &Server{API: api, Store: &memStore{}}
	err := s.handleRunCompleted(context.Background(), task(t, finished()))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestTransientFailuresRetry(t *testing.T) {
	tests := []struct {
		name  string
		api   *fakeAPI
		store *memStore
	}{{
		name:  "server error",
		api:   &fakeAPI{runErr: &gateway.Error{Kind: gateway.KindServer, Op: "get_run", Status: 503}},
		store: &memStore{},
	}, {
		name:  "run not terminal yet",
		api:   &fakeAPI{run: schemas.Run{RunID: "R2", QueueID: "queue-1", Status: schemas.RunRunning}},
		store: &memStore{},
	}, {
		name:  "storage down",
		api:   &fakeAPI{run: finished()},
		store: &memStore{err: errors.New("connection refused")},
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{API: tt.api, Store: tt.store}
			err := s.handleRunCompleted(context.Background(), task(t, finished()))
			require.Error(t, err)
			require.NotErrorIs(t, err, asynq.SkipRetry)
		})
	}
}
