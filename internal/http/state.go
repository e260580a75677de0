package http

import (
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"judge-console/internal/gateway"
	"judge-console/internal/schemas"
)

var (
	errNotFound = errors.New("not found")
	errInvalid  = errors.New("invalid")
)

type task struct {
	submissionID string
	questionID   string
	judgeID      string
}

type runState struct {
	run     schemas.Run
	pending []task
}

// state is the in-memory data behind the API. Every method takes the lock.
type state struct {
	mu  sync.Mutex
	now func() time.Time

	queueOrder  []string
	questions   map[string][]schemas.Question // by queue, first-seen order
	submissions map[string]schemas.Submission
	subOrder    map[string][]string // submission ids by queue
	judgeOrder  []string
	judges      map[string]schemas.Judge
	assignments map[string]map[string][]string // queue -> question -> judge ids
	runs        map[string]*runState
	evaluations []schemas.Evaluation
}

func newState(now func() time.Time) *state {
	return &state{
		now:         now,
		questions:   map[string][]schemas.Question{},
		submissions: map[string]schemas.Submission{},
		subOrder:    map[string][]string{},
		judges:      map[string]schemas.Judge{},
		assignments: map[string]map[string][]string{},
		runs:        map[string]*runState{},
	}
}

func (s *state) queues() []schemas.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.Queue, 0, len(s.queueOrder))
	for _, q := range s.queueOrder {
		out = append(out, schemas.Queue{QueueID: q})
	}
	return out
}

func (s *state) queueQuestions(queueID string) ([]schemas.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qs, ok := s.questions[queueID]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", queueID, errNotFound)
	}
	return slices.Clone(qs), nil
}

// addSubmission creates the queue on first use and records any question
// templates not seen before.
func (s *state) addSubmission(sub schemas.Submission) (string, error) {
	if sub.QueueID == "" {
		return "", fmt.Errorf("queueId is required: %w", errInvalid)
	}
	if len(sub.Questions) == 0 {
		return "", fmt.Errorf("submission has no questions: %w", errInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.SubmissionID == "" {
		sub.SubmissionID = uuid.NewString()
	}
	if _, dup := s.submissions[sub.SubmissionID]; dup {
		return "", fmt.Errorf("submission %q already exists: %w", sub.SubmissionID, errInvalid)
	}
	if _, ok := s.questions[sub.QueueID]; !ok {
		s.queueOrder = append(s.queueOrder, sub.QueueID)
		s.questions[sub.QueueID] = []schemas.Question{}
	}
	ids := make([]string, 0, len(sub.Questions))
	for id := range sub.Questions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		qa := sub.Questions[id]
		known := slices.ContainsFunc(s.questions[sub.QueueID], func(q schemas.Question) bool { return q.QuestionTemplateID == id })
		if !known {
			s.questions[sub.QueueID] = append(s.questions[sub.QueueID], schemas.Question{
				QueueID:            sub.QueueID,
				QuestionTemplateID: id,
				QuestionText:       qa.QuestionText,
			})
		}
	}
	s.submissions[sub.SubmissionID] = sub
	s.subOrder[sub.QueueID] = append(s.subOrder[sub.QueueID], sub.SubmissionID)
	return sub.SubmissionID, nil
}

func (s *state) submission(id string) (schemas.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return schemas.Submission{}, fmt.Errorf("submission %q: %w", id, errNotFound)
	}
	return sub, nil
}

func (s *state) listJudges() []schemas.Judge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.Judge, 0, len(s.judgeOrder))
	for _, id := range s.judgeOrder {
		out = append(out, s.judges[id])
	}
	return out
}

func (s *state) judge(id string) (schemas.Judge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.judges[id]
	if !ok {
		return schemas.Judge{}, fmt.Errorf("judge %q: %w", id, errNotFound)
	}
	return j, nil
}

func (s *state) createJudge(in schemas.JudgeInput) (string, error) {
	if in.Name == "" {
		return "", fmt.Errorf("name is required: %w", errInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.judges[id] = schemas.Judge{
		JudgeID:      id,
		Name:         in.Name,
		SystemPrompt: in.SystemPrompt,
		TargetModel:  in.TargetModel,
		Active:       in.Active,
	}
	s.judgeOrder = append(s.judgeOrder, id)
	return id, nil
}

func (s *state) updateJudge(id string, in schemas.JudgeInput) error {
	if in.Name == "" {
		return fmt.Errorf("name is required: %w", errInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.judges[id]
	if !ok {
		return fmt.Errorf("judge %q: %w", id, errNotFound)
	}
	j.Name, j.SystemPrompt, j.TargetModel = in.Name, in.SystemPrompt, in.TargetModel
	s.judges[id] = j
	return nil
}

func (s *state) setActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.judges[id]
	if !ok {
		return fmt.Errorf("judge %q: %w", id, errNotFound)
	}
	j.Active = active
	s.judges[id] = j
	return nil
}

// deleteJudge also drops the judge from every assignment.
func (s *state) deleteJudge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.judges[id]; !ok {
		return fmt.Errorf("judge %q: %w", id, errNotFound)
	}
	delete(s.judges, id)
	s.judgeOrder = slices.DeleteFunc(s.judgeOrder, func(j string) bool { return j == id })
	for _, byQuestion := range s.assignments {
		for q, ids := range byQuestion {
			byQuestion[q] = slices.DeleteFunc(ids, func(j string) bool { return j == id })
		}
	}
	return nil
}

func (s *state) assignment(queueID, questionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.assignments[queueID][questionID]
	if !ok {
		return nil, fmt.Errorf("no assignment for %s/%s: %w", queueID, questionID, errNotFound)
	}
	return slices.Clone(ids), nil
}

func (s *state) hasQuestion(queueID, questionID string) bool {
	return slices.ContainsFunc(s.questions[queueID], func(q schemas.Question) bool { return q.QuestionTemplateID == questionID })
}

// replaceAssignment overwrites the full judge set for one question.
func (s *state) replaceAssignment(queueID, questionID string, judgeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasQuestion(queueID, questionID) {
		return fmt.Errorf("question %s/%s: %w", queueID, questionID, errNotFound)
	}
	for _, id := range judgeIDs {
		if _, ok := s.judges[id]; !ok {
			return fmt.Errorf("unknown judge %q: %w", id, errInvalid)
		}
	}
	if s.assignments[queueID] == nil {
		s.assignments[queueID] = map[string][]string{}
	}
	s.assignments[queueID][questionID] = gateway.Distinct(judgeIDs)
	return nil
}

func (s *state) removeAssignment(queueID, questionID, judgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.assignments[queueID][questionID]
	if !ok || !slices.Contains(ids, judgeID) {
		return fmt.Errorf("judge %q not assigned to %s/%s: %w", judgeID, queueID, questionID, errNotFound)
	}
	s.assignments[queueID][questionID] = slices.DeleteFunc(slices.Clone(ids), func(j string) bool { return j == judgeID })
	return nil
}

// startRun plans one evaluation per submission, question and assigned
// active judge. A run with nothing to do completes immediately.
func (s *state) startRun(queueID string) (string, error) {
	if queueID == "" {
		return "", fmt.Errorf("queueId is required: %w", errInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	questions, ok := s.questions[queueID]
	if !ok {
		return "", fmt.Errorf("queue %q: %w", queueID, errNotFound)
	}
	var plan []task
	for _, q := range questions {
		for _, subID := range s.subOrder[queueID] {
			if _, answered := s.submissions[subID].Questions[q.QuestionTemplateID]; !answered {
				continue
			}
			for _, jid := range s.assignments[queueID][q.QuestionTemplateID] {
				if s.judges[jid].Active {
					plan = append(plan, task{submissionID: subID, questionID: q.QuestionTemplateID, judgeID: jid})
				}
			}
		}
	}
	now := s.now()
	rs := &runState{
		run: schemas.Run{
			RunID:        uuid.NewString(),
			QueueID:      queueID,
			Status:       schemas.RunRunning,
			PlannedCount: len(plan),
			StartedAt:    now,
		},
		pending: plan,
	}
	if len(plan) == 0 {
		rs.run.Status = schemas.RunCompleted
		rs.run.CompletedAt = &now
	}
	s.runs[rs.run.RunID] = rs
	return rs.run.RunID, nil
}

// advanceRun processes up to step pending evaluations and returns the run.
func (s *state) advanceRun(id string, step int) (schemas.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[id]
	if !ok {
		return schemas.Run{}, fmt.Errorf("run %q: %w", id, errNotFound)
	}
	if rs.run.Status.Terminal() {
		return rs.run, nil
	}
	n := min(step, len(rs.pending))
	for _, t := range rs.pending[:n] {
		s.evaluate(rs, t)
	}
	rs.pending = rs.pending[n:]
	if len(rs.pending) == 0 {
		now := s.now()
		rs.run.CompletedAt = &now
		rs.run.Status = schemas.RunCompleted
		if rs.run.PlannedCount > 0 && rs.run.FailedCount == rs.run.PlannedCount {
			rs.run.Status = schemas.RunFailed
		}
	}
	return rs.run, nil
}

// evaluate produces a deterministic verdict for t. A judge without a system
// prompt cannot grade anything and counts as a failed evaluation.
func (s *state) evaluate(rs *runState, t task) {
	j, ok := s.judges[t.judgeID]
	if !ok || j.SystemPrompt == "" {
		rs.run.FailedCount++
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.submissionID + "|" + t.questionID + "|" + t.judgeID))
	verdicts := []schemas.Verdict{schemas.VerdictPass, schemas.VerdictPass, schemas.VerdictFail, schemas.VerdictInconclusive}
	v := verdicts[h.Sum32()%uint32(len(verdicts))]
	s.evaluations = append(s.evaluations, schemas.Evaluation{
		EvaluationID:       uuid.NewString(),
		RunID:              rs.run.RunID,
		SubmissionID:       t.submissionID,
		QueueID:            rs.run.QueueID,
		QuestionTemplateID: t.questionID,
		JudgeID:            t.judgeID,
		Verdict:            v,
		Reasoning:          fmt.Sprintf("%s graded %s on %s as %s", j.Name, t.submissionID, t.questionID, v),
		EvaluatedAt:        s.now(),
	})
	rs.run.CompletedCount++
}

func (s *state) listEvaluations(f schemas.EvaluationFilter) []schemas.Evaluation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []schemas.Evaluation{}
	for _, e := range s.evaluations {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}
