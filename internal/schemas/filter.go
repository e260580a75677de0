package schemas

import (
	"fmt"
	"net/url"
)

// EvaluationFilter narrows an evaluations query. An empty field places no
// constraint on that dimension and is left out of the query string.
type EvaluationFilter struct {
	QueueID            string  `json:"queueId,omitempty" yaml:"queueId,omitempty"`
	JudgeID            string  `json:"judgeId,omitempty" yaml:"judgeId,omitempty"`
	QuestionTemplateID string  `json:"questionTemplateId,omitempty" yaml:"questionTemplateId,omitempty"`
	Verdict            Verdict `json:"verdict,omitempty" yaml:"verdict,omitempty"`
}

func (f EvaluationFilter) Validate() error {
	if f.Verdict != "" && !f.Verdict.Valid() {
		return fmt.Errorf("unknown verdict %q", f.Verdict)
	}
	return nil
}

// Values returns only the present filters.
func (f EvaluationFilter) Values() url.Values {
	v := url.Values{}
	if f.QueueID != "" {
		v.Set("queueId", f.QueueID)
	}
	if f.JudgeID != "" {
		v.Set("judgeId", f.JudgeID)
	}
	if f.QuestionTemplateID != "" {
		v.Set("questionTemplateId", f.QuestionTemplateID)
	}
	if f.Verdict != "" {
		v.Set("verdict", string(f.Verdict))
	}
	return v
}

// Key is the canonical form of f: present filters as sorted key=value pairs.
// Structurally equal filters share a key.
func (f EvaluationFilter) Key() string {
	return f.Values().Encode()
}

// Matches reports whether e satisfies every present filter.
func (f EvaluationFilter) Matches(e Evaluation) bool {
	return (f.QueueID == "" || f.QueueID == e.QueueID) &&
		(f.JudgeID == "" || f.JudgeID == e.JudgeID) &&
		(f.QuestionTemplateID == "" || f.QuestionTemplateID == e.QuestionTemplateID) &&
		(f.Verdict == "" || f.Verdict == e.Verdict)
}
