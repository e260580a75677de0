// Package report aggregates evaluations and renders them for the terminal.
package report

import (
	"sort"

	"judge-console/internal/schemas"
)

type Summary struct {
	Total        int     `json:"total" yaml:"total"`
	Pass         int     `json:"pass" yaml:"pass"`
	Fail         int     `json:"fail" yaml:"fail"`
	Inconclusive int     `json:"inconclusive" yaml:"inconclusive"`
	PassRate     float64 `json:"passRate" yaml:"passRate"`
}

func (s *Summary) add(v schemas.Verdict) {
	s.Total++
	switch v {
	case schemas.VerdictPass:
		s.Pass++
	case schemas.VerdictFail:
		s.Fail++
	case schemas.VerdictInconclusive:
		s.Inconclusive++
	}
}

func (s *Summary) finish() {
	if s.Total > 0 {
		s.PassRate = float64(s.Pass) / float64(s.Total) * 100
	}
}

// Summarize counts verdicts. PassRate is a percentage of all evaluations and
// is 0 when there are none.
func Summarize(evals []schemas.Evaluation) Summary {
	var s Summary
	for _, e := range evals {
		s.add(e.Verdict)
	}
	s.finish()
	return s
}

type JudgeSummary struct {
	JudgeID string `json:"judgeId" yaml:"judgeId"`
	Summary `yaml:",inline"`
}

// ByJudge summarizes per judge, ordered by judge id.
func ByJudge(evals []schemas.Evaluation) []JudgeSummary {
	idx := map[string]*JudgeSummary{}
	for _, e := range evals {
		js, ok := idx[e.JudgeID]
		if !ok {
			js = &JudgeSummary{JudgeID: e.JudgeID}
			idx[e.JudgeID] = js
		}
		js.add(e.Verdict)
	}
	out := make([]JudgeSummary, 0, len(idx))
	for _, js := range idx {
		js.finish()
		out = append(out, *js)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JudgeID < out[j].JudgeID })
	return out
}

// Archive is the stored record of a finished run.
type Archive struct {
	Run         schemas.Run          `json:"run" yaml:"run"`
	Evaluations []schemas.Evaluation `json:"evaluations" yaml:"evaluations"`
	Summary     Summary              `json:"summary" yaml:"summary"`
	ByJudge     []JudgeSummary       `json:"byJudge" yaml:"byJudge"`
}

// ForRun keeps the evaluations produced by run and summarizes them.
func ForRun(run schemas.Run, evals []schemas.Evaluation) Archive {
	mine := make([]schemas.Evaluation, 0, len(evals))
	for _, e := range evals {
		if e.RunID == run.RunID {
			mine = append(mine, e)
		}
	}
	return Archive{Run: run, Evaluations: mine, Summary: Summarize(mine), ByJudge: ByJudge(mine)}
}
