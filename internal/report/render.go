package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"gopkg.in/yaml.v3"

	"judge-console/internal/assignments"
	"judge-console/internal/runs"
	"judge-console/internal/schemas"
)

type Format string

const (
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatYAML, FormatJSON:
		return f, nil
	case "":
		return FormatTable, nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, yaml or json)", s)
}

// Encode writes v as YAML or JSON.
func Encode(w io.Writer, f Format, v any) error {
	switch f {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return fmt.Errorf("format %q has no encoder", f)
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{Left: tw.On, Top: tw.Off, Right: tw.On, Bottom: tw.Off},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

func render(table *tablewriter.Table, rows [][]string) error {
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

const reasoningWidth = 60

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

func rate(r float64) string { return fmt.Sprintf("%.1f%%", r) }

func EvaluationsTable(w io.Writer, evals []schemas.Evaluation) error {
	rows := make([][]string, 0, len(evals))
	for _, e := range evals {
		at := ""
		if !e.EvaluatedAt.IsZero() {
			at = e.EvaluatedAt.UTC().Format(time.DateTime)
		}
		rows = append(rows, []string{e.QuestionTemplateID, e.JudgeID, string(e.Verdict), truncate(e.Reasoning, reasoningWidth), at})
	}
	return render(newTable(w, "Question", "Judge", "Verdict", "Reasoning", "Evaluated At"), rows)
}

// SummaryTable prints the overall line followed by one line per judge.
func SummaryTable(w io.Writer, s Summary, byJudge []JudgeSummary) error {
	rows := [][]string{{"all", fmt.Sprint(s.Total), fmt.Sprint(s.Pass), fmt.Sprint(s.Fail), fmt.Sprint(s.Inconclusive), rate(s.PassRate)}}
	for _, j := range byJudge {
		rows = append(rows, []string{j.JudgeID, fmt.Sprint(j.Total), fmt.Sprint(j.Pass), fmt.Sprint(j.Fail), fmt.Sprint(j.Inconclusive), rate(j.PassRate)})
	}
	return render(newTable(w, "Judge", "Total", "Pass", "Fail", "Inconclusive", "Pass Rate"), rows)
}

func JudgesTable(w io.Writer, judges []schemas.Judge) error {
	rows := make([][]string, 0, len(judges))
	for _, j := range judges {
		active := "no"
		if j.Active {
			active = "yes"
		}
		rows = append(rows, []string{j.JudgeID, j.Name, j.TargetModel, active, truncate(j.SystemPrompt, reasoningWidth)})
	}
	return render(newTable(w, "ID", "Name", "Model", "Active", "System Prompt"), rows)
}

func QuestionsTable(w io.Writer, questions []schemas.Question) error {
	rows := make([][]string, 0, len(questions))
	for _, q := range questions {
		rows = append(rows, []string{q.QuestionTemplateID, truncate(q.QuestionText, reasoningWidth)})
	}
	return render(newTable(w, "Question", "Text"), rows)
}

// MatrixTable renders one row per question and one column per active judge.
// A row whose last re-fetch failed is flagged.
func MatrixTable(w io.Writer, snap assignments.Snapshot) error {
	headers := []string{"Question"}
	for _, j := range snap.Judges {
		headers = append(headers, j.Name)
	}
	rows := make([][]string, 0, len(snap.Rows))
	for _, r := range snap.Rows {
		label := r.Question.QuestionTemplateID
		if r.Stale {
			label += " (stale)"
		}
		row := []string{label}
		for _, j := range snap.Judges {
			cell := " "
			if r.Has(j.JudgeID) {
				cell = "x"
			}
			row = append(row, cell)
		}
		rows = append(rows, row)
	}
	return render(newTable(w, headers...), rows)
}

const barWidth = 30

// Progress is a one-line progress bar for a watched run.
func Progress(s runs.Snapshot) string {
	filled := int(s.Percent / 100 * barWidth)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled)
	line := fmt.Sprintf("%s [%s] %5.1f%% (%d/%d) %s", s.RunID, bar, s.Percent, s.Processed, s.Run.PlannedCount, s.State)
	if s.Run.FailedCount > 0 {
		line += fmt.Sprintf(", %d failed", s.Run.FailedCount)
	}
	if s.LastErr != nil {
		line += " (last poll: " + s.LastErr.Error() + ")"
	}
	return line
}
