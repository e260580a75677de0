package schemas

import (
	"fmt"
	"time"
)

type Verdict string

const (
	VerdictPass         Verdict = "PASS"
	VerdictFail         Verdict = "FAIL"
	VerdictInconclusive Verdict = "INCONCLUSIVE"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictPass, VerdictFail, VerdictInconclusive:
		return true
	}
	return false
}

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunCompleted, RunFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions can follow s.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

type Queue struct {
	QueueID string `json:"queueId"`
}

type Question struct {
	QueueID            string `json:"queueId"`
	QuestionTemplateID string `json:"questionTemplateId"`
	QuestionText       string `json:"questionText"`
}

type Judge struct {
	JudgeID      string `json:"judgeId"`
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt"`
	TargetModel  string `json:"targetModel"`
	Active       bool   `json:"active"`
}

// JudgeInput is the mutable part of a Judge. Active is ignored by updates;
// it has a dedicated toggle.
type JudgeInput struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt"`
	TargetModel  string `json:"targetModel"`
	Active       bool   `json:"active"`
}

type JudgeAssignment struct {
	QueueID            string   `json:"queueId,omitempty"`
	QuestionTemplateID string   `json:"questionTemplateId"`
	JudgeIDs           []string `json:"judgeIds"`
}

type Run struct {
	RunID          string     `json:"runId"`
	QueueID        string     `json:"queueId"`
	Status         RunStatus  `json:"status"`
	PlannedCount   int        `json:"plannedCount"`
	CompletedCount int        `json:"completedCount"`
	FailedCount    int        `json:"failedCount"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

func (r Run) Processed() int {
	return r.CompletedCount + r.FailedCount
}

// ProgressPercent is Processed over PlannedCount as a percentage, clamped to
// [0,100]. A run with nothing planned reports 0.
func (r Run) ProgressPercent() float64 {
	if r.PlannedCount <= 0 {
		return 0
	}
	p := float64(r.Processed()) / float64(r.PlannedCount) * 100
	return min(max(p, 0), 100)
}

func (r Run) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run: missing runId")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("run %s: unknown status %q", r.RunID, r.Status)
	}
	return nil
}

type Evaluation struct {
	EvaluationID       string    `json:"evaluationId"`
	RunID              string    `json:"runId"`
	SubmissionID       string    `json:"submissionId"`
	QueueID            string    `json:"queueId"`
	QuestionTemplateID string    `json:"questionTemplateId"`
	JudgeID            string    `json:"judgeId"`
	Verdict            Verdict   `json:"verdict"`
	Reasoning          string    `json:"reasoning"`
	EvaluatedAt        time.Time `json:"evaluatedAt"`
}

type QuestionAnswer struct {
	QuestionTemplateID string         `json:"questionTemplateId"`
	QuestionText       string         `json:"questionText"`
	AnswerChoice       string         `json:"answerChoice,omitempty"`
	AnswerReasoning    string         `json:"answerReasoning,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

type Submission struct {
	SubmissionID string                    `json:"submissionId,omitempty"`
	QueueID      string                    `json:"queueId"`
	Questions    map[string]QuestionAnswer `json:"questions"`
}

// Response envelopes.

type QueuesResponse struct {
	Queues []Queue `json:"queues"`
}

type QuestionsResponse struct {
	Questions []Question `json:"questions"`
}

type JudgesResponse struct {
	Judges []Judge `json:"judges"`
}

type AssignmentResponse struct {
	JudgeIDs []string `json:"judgeIds"`
}

type EvaluationsResponse struct {
	Evaluations []Evaluation `json:"evaluations"`
}

// Request bodies.

type ReplaceAssignmentRequest struct {
	QuestionTemplateID string   `json:"questionTemplateId"`
	JudgeIDs           []string `json:"judgeIds"`
}

type StartRunRequest struct {
	QueueID string `json:"queueId"`
}

type SetActiveRequest struct {
	Active bool `json:"active"`
}
