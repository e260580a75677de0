package gateway

import (
	"context"
	"net/http"

	"judge-console/internal/schemas"
)

func (c *Client) ListQueues(ctx context.Context) ([]schemas.Queue, error) {
	out, err := get[schemas.QueuesResponse](ctx, c, "list_queues", nil, "api", "queues")
	if err != nil {
		return nil, err
	}
	return out.Queues, nil
}

func (c *Client) ListQuestions(ctx context.Context, queueID string) ([]schemas.Question, error) {
	const op = "list_questions"
	if queueID == "" {
		return nil, invalidArg(op, "queueId")
	}
	out, err := get[schemas.QuestionsResponse](ctx, c, op, nil, "api", "queues", queueID, "questions")
	if err != nil {
		return nil, err
	}
	return out.Questions, nil
}

// Judges

func (c *Client) ListJudges(ctx context.Context) ([]schemas.Judge, error) {
	out, err := get[schemas.JudgesResponse](ctx, c, "list_judges", nil, "api", "judges")
	if err != nil {
		return nil, err
	}
	return out.Judges, nil
}

func (c *Client) GetJudge(ctx context.Context, judgeID string) (schemas.Judge, error) {
	const op = "get_judge"
	if judgeID == "" {
		return schemas.Judge{}, invalidArg(op, "judgeId")
	}
	return get[schemas.Judge](ctx, c, op, nil, "api", "judges", judgeID)
}

// CreateJudge returns the id assigned by the server.
func (c *Client) CreateJudge(ctx context.Context, in schemas.JudgeInput) (string, error) {
	const op = "create_judge"
	if in.Name == "" {
		return "", invalidArg(op, "name")
	}
	body, err := c.do(ctx, call{op: op, method: http.MethodPost, segs: []string{"api", "judges"}, body: in})
	if err != nil {
		return "", err
	}
	return decodeID(op, body)
}

func (c *Client) UpdateJudge(ctx context.Context, judgeID string, in schemas.JudgeInput) error {
	const op = "update_judge"
	if judgeID == "" {
		return invalidArg(op, "judgeId")
	}
	payload := struct {
		Name         string `json:"name"`
		SystemPrompt string `json:"systemPrompt"`
		TargetModel  string `json:"targetModel"`
	}{in.Name, in.SystemPrompt, in.TargetModel}
	_, err := c.do(ctx, call{op: op, method: http.MethodPut, segs: []string{"api", "judges", judgeID}, body: payload})
	return err
}

func (c *Client) DeleteJudge(ctx context.Context, judgeID string) error {
	const op = "delete_judge"
	if judgeID == "" {
		return invalidArg(op, "judgeId")
	}
	_, err := c.do(ctx, call{op: op, method: http.MethodDelete, segs: []string{"api", "judges", judgeID}})
	return err
}

func (c *Client) SetJudgeActive(ctx context.Context, judgeID string, active bool) error {
	const op = "set_judge_active"
	if judgeID == "" {
		return invalidArg(op, "judgeId")
	}
	_, err := c.do(ctx, call{op: op, method: http.MethodPatch, segs: []string{"api", "judges", judgeID, "active"}, body: schemas.SetActiveRequest{Active: active}})
	return err
}

// Assignments

// GetAssignment returns the distinct judge ids assigned to one question. A
// question with no stored assignment yields an empty set.
func (c *Client) GetAssignment(ctx context.Context, queueID, questionTemplateID string) ([]string, error) {
	const op = "get_assignment"
	if queueID == "" {
		return nil, invalidArg(op, "queueId")
	}
	if questionTemplateID == "" {
		return nil, invalidArg(op, "questionTemplateId")
	}
	out, err := get[schemas.AssignmentResponse](ctx, c, op, nil, "api", "queues", queueID, "judge-assignments", questionTemplateID)
	if KindOf(err) == KindNotFound {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return Distinct(out.JudgeIDs), nil
}

// ReplaceAssignment overwrites the full judge set for one question.
func (c *Client) ReplaceAssignment(ctx context.Context, queueID, questionTemplateID string, judgeIDs []string) error {
	const op = "replace_assignment"
	if queueID == "" {
		return invalidArg(op, "queueId")
	}
	if questionTemplateID == "" {
		return invalidArg(op, "questionTemplateId")
	}
	req := schemas.ReplaceAssignmentRequest{QuestionTemplateID: questionTemplateID, JudgeIDs: Distinct(judgeIDs)}
	_, err := c.do(ctx, call{op: op, method: http.MethodPost, segs: []string{"api", "queues", queueID, "judge-assignments"}, body: req})
	return err
}

func (c *Client) RemoveAssignment(ctx context.Context, queueID, questionTemplateID, judgeID string) error {
	const op = "remove_assignment"
	switch {
	case queueID == "":
		return invalidArg(op, "queueId")
	case questionTemplateID == "":
		return invalidArg(op, "questionTemplateId")
	case judgeID == "":
		return invalidArg(op, "judgeId")
	}
	_, err := c.do(ctx, call{op: op, method: http.MethodDelete, segs: []string{"api", "queues", queueID, "judge-assignments", questionTemplateID, judgeID}})
	return err
}

// Runs

func (c *Client) StartRun(ctx context.Context, queueID string) (string, error) {
	const op = "start_run"
	if queueID == "" {
		return "", invalidArg(op, "queueId")
	}
	body, err := c.do(ctx, call{op: op, method: http.MethodPost, segs: []string{"api", "runs"}, body: schemas.StartRunRequest{QueueID: queueID}})
	if err != nil {
		return "", err
	}
	return decodeID(op, body)
}

func (c *Client) GetRun(ctx context.Context, runID string) (schemas.Run, error) {
	const op = "get_run"
	if runID == "" {
		return schemas.Run{}, invalidArg(op, "runId")
	}
	run, err := get[schemas.Run](ctx, c, op, nil, "api", "runs", runID)
	if err != nil {
		return schemas.Run{}, err
	}
	if err := run.Validate(); err != nil {
		return schemas.Run{}, &Error{Kind: KindDecode, Op: op, Message: err.Error()}
	}
	return run, nil
}

// Evaluations

func (c *Client) ListEvaluations(ctx context.Context, f schemas.EvaluationFilter) ([]schemas.Evaluation, error) {
	const op = "list_evaluations"
	if err := f.Validate(); err != nil {
		return nil, &Error{Kind: KindInvalid, Op: op, Message: err.Error()}
	}
	out, err := get[schemas.EvaluationsResponse](ctx, c, op, f.Values(), "api", "evaluations")
	if err != nil {
		return nil, err
	}
	if out.Evaluations == nil {
		return []schemas.Evaluation{}, nil
	}
	return out.Evaluations, nil
}

// Submissions

func (c *Client) UploadSubmission(ctx context.Context, sub schemas.Submission) (string, error) {
	const op = "upload_submission"
	if sub.QueueID == "" {
		return "", invalidArg(op, "queueId")
	}
	body, err := c.do(ctx, call{op: op, method: http.MethodPost, segs: []string{"api", "submissions"}, body: sub})
	if err != nil {
		return "", err
	}
	return decodeID(op, body)
}

func (c *Client) GetSubmission(ctx context.Context, submissionID string) (schemas.Submission, error) {
	const op = "get_submission"
	if submissionID == "" {
		return schemas.Submission{}, invalidArg(op, "submissionId")
	}
	return get[schemas.Submission](ctx, c, op, nil, "api", "submissions", submissionID)
}

// Distinct drops repeated ids, keeping first occurrences in order. It never
// returns nil.
func Distinct(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
