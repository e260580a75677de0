// Package notify hands finished runs off to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/hibiken/asynq"

	"judge-console/internal/schemas"
)

// TypeRunCompleted is the asynq task type enqueued for a terminal run.
const TypeRunCompleted = "run:completed"

type Notifier interface {
	RunCompleted(ctx context.Context, run schemas.Run) error
}

type RunCompletedPayload struct {
	RunID   string            `json:"runId"`
	QueueID string            `json:"queueId"`
	Status  schemas.RunStatus `json:"status"`
}

func NewRunCompletedTask(run schemas.Run) (*asynq.Task, error) {
	if run.RunID == "" || run.QueueID == "" {
		return nil, errors.New("run id and queue id are required")
	}
	if !run.Status.Terminal() {
		return nil, fmt.Errorf("run %s is %s, not terminal", run.RunID, run.Status)
	}
	b, err := json.Marshal(RunCompletedPayload{RunID: run.RunID, QueueID: run.QueueID, Status: run.Status})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRunCompleted, b), nil
}

func ParseRunCompleted(t *asynq.Task) (RunCompletedPayload, error) {
	var p RunCompletedPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", TypeRunCompleted, err)
	}
	if p.RunID == "" || p.QueueID == "" {
		return p, fmt.Errorf("%s payload missing runId or queueId", TypeRunCompleted)
	}
	return p, nil
}

// Log records completions in the log only.
type Log struct{}

func (Log) RunCompleted(ctx context.Context, run schemas.Run) error {
	clog.FromContext(ctx).Info("run completed",
		"run", run.RunID, "queue", run.QueueID, "status", run.Status,
		"completed", run.CompletedCount, "failed", run.FailedCount, "planned", run.PlannedCount)
	return nil
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue enqueues a TypeRunCompleted task per finished run.
type Queue struct {
	client Enqueuer
	closer func() error
}

func NewQueue(redisAddr string) *Queue {
	c := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	return &Queue{client: c, closer: c.Close}
}

func NewQueueWith(e Enqueuer) *Queue {
	return &Queue{client: e}
}

func (q *Queue) RunCompleted(ctx context.Context, run schemas.Run) error {
	task, err := NewRunCompletedTask(run)
	if err != nil {
		return err
	}
	// One task per run; a duplicate completion is rejected by asynq.
	info, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.TaskID(TypeRunCompleted+":"+run.RunID))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s for run %s: %w", TypeRunCompleted, run.RunID, err)
	}
	clog.FromContext(ctx).Debug("enqueued run completion", "run", run.RunID, "task", info.ID, "queue", info.Queue)
	return nil
}

func (q *Queue) Close() error {
	if q.closer == nil {
		return nil
	}
	return q.closer()
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) RunCompleted(ctx context.Context, run schemas.Run) error {
	var errs []error
	for _, n := range m {
		if err := n.RunCompleted(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
