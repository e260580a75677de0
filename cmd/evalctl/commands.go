package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"judge-console/internal/report"
	"judge-console/internal/runs"
	"judge-console/internal/schemas"
	"judge-console/internal/storage"
)

func (a *app) queues(ctx context.Context) error {
	qs, err := a.gw.ListQueues(ctx)
	if err != nil {
		return err
	}
	return a.emit(qs, func(w io.Writer) error {
		for _, q := range qs {
			fmt.Fprintln(w, q.QueueID)
		}
		return nil
	})
}

func (a *app) questions(ctx context.Context, args []string) error {
	if err := want(args, "queue"); err != nil {
		return err
	}
	qs, err := a.gw.ListQuestions(ctx, args[0])
	if err != nil {
		return err
	}
	return a.emit(qs, func(w io.Writer) error { return report.QuestionsTable(w, qs) })
}

func (a *app) judges(ctx context.Context) error {
	js, err := a.gw.ListJudges(ctx)
	if err != nil {
		return err
	}
	return a.emit(js, func(w io.Writer) error { return report.JudgesTable(w, js) })
}

func judgeFlags(name string, in *schemas.JudgeInput) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&in.Name, "name", "", "judge name")
	fs.StringVar(&in.SystemPrompt, "prompt", "", "system prompt")
	fs.StringVar(&in.TargetModel, "model", "gpt-4o-mini", "target model")
	return fs
}

func (a *app) judge(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected create, update, delete or activate")
	}
	sub, args := args[0], args[1:]
	switch sub {
	case "create":
		var in schemas.JudgeInput
		fs := judgeFlags("judge create", &in)
		inactive := fs.Bool("inactive", false, "create the judge inactive")
		if err := fs.Parse(args); err != nil {
			return err
		}
		in.Active = !*inactive
		id, err := a.gw.CreateJudge(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, id)
		return nil

	case "update":
		var in schemas.JudgeInput
		fs := judgeFlags("judge update", &in)
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := want(fs.Args(), "judge"); err != nil {
			return err
		}
		return a.gw.UpdateJudge(ctx, fs.Arg(0), in)

	case "delete":
		if err := want(args, "judge"); err != nil {
			return err
		}
		return a.gw.DeleteJudge(ctx, args[0])

	case "activate":
		fs := flag.NewFlagSet("judge activate", flag.ContinueOnError)
		off := fs.Bool("off", false, "deactivate instead")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := want(fs.Args(), "judge"); err != nil {
			return err
		}
		return a.gw.SetJudgeActive(ctx, fs.Arg(0), !*off)
	}
	return fmt.Errorf("unknown judge command %q", sub)
}

func (a *app) matrix(ctx context.Context, args []string) error {
	if err := want(args, "queue"); err != nil {
		return err
	}
	m, err := a.console.OpenMatrix(ctx, args[0])
	if err != nil {
		return err
	}
	snap := m.Snapshot()
	return a.emit(snap, func(w io.Writer) error { return report.MatrixTable(w, snap) })
}

func (a *app) toggle(ctx context.Context, args []string) error {
	if err := want(args, "queue", "question", "judge"); err != nil {
		return err
	}
	m, err := a.console.OpenMatrix(ctx, args[0])
	if err != nil {
		return err
	}
	if _, err := m.Toggle(ctx, args[1], args[2]); err != nil {
		return err
	}
	snap := m.Snapshot()
	return a.emit(snap, func(w io.Writer) error { return report.MatrixTable(w, snap) })
}

func (a *app) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	detach := fs.Bool("detach", false, "print the run id without following it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := want(fs.Args(), "queue"); err != nil {
		return err
	}
	if *detach {
		id, err := a.gw.StartRun(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, id)
		return nil
	}
	w, err := a.console.StartRun(ctx, fs.Arg(0), a.progress())
	if err != nil {
		return err
	}
	return a.follow(ctx, w)
}

func (a *app) watch(ctx context.Context, args []string) error {
	if err := want(args, "run"); err != nil {
		return err
	}
	w, err := a.console.Watch(ctx, args[0], a.progress())
	if err != nil {
		return err
	}
	return a.follow(ctx, w)
}

func (a *app) progress() runs.Handlers {
	return runs.Handlers{
		OnUpdate: func(s runs.Snapshot) { fmt.Fprintln(os.Stderr, report.Progress(s)) },
		OnError:  func(err error) { fmt.Fprintf(os.Stderr, "poll failed, retrying: %v\n", err) },
	}
}

// follow waits for the run to finish and prints its results.
func (a *app) follow(ctx context.Context, w *runs.Watch) error {
	run, err := w.Wait(ctx)
	if err != nil {
		return err
	}
	<-w.Done()
	fmt.Fprintf(os.Stderr, "run %s %s after %s\n", run.RunID, run.Status, since(run.StartedAt))

	evals, err := a.console.Evaluations(ctx, schemas.EvaluationFilter{QueueID: run.QueueID})
	if err != nil {
		return err
	}
	archive := report.ForRun(run, evals)
	return a.emit(archive, func(w io.Writer) error {
		return report.SummaryTable(w, archive.Summary, archive.ByJudge)
	})
}

func (a *app) results(ctx context.Context, args []string) error {
	var f schemas.EvaluationFilter
	fs := flag.NewFlagSet("results", flag.ContinueOnError)
	fs.StringVar(&f.QueueID, "queue", "", "queue id")
	fs.StringVar(&f.JudgeID, "judge", "", "judge id")
	fs.StringVar(&f.QuestionTemplateID, "question", "", "question template id")
	verdict := fs.String("verdict", "", "PASS, FAIL or INCONCLUSIVE")
	summary := fs.Bool("summary", false, "show pass rates instead of evaluations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	f.Verdict = schemas.Verdict(*verdict)

	if *summary {
		s, byJudge, err := a.console.Summary(ctx, f)
		if err != nil {
			return err
		}
		v := struct {
			Summary report.Summary        `json:"summary" yaml:"summary"`
			ByJudge []report.JudgeSummary `json:"byJudge" yaml:"byJudge"`
		}{s, byJudge}
		return a.emit(v, func(w io.Writer) error { return report.SummaryTable(w, s, byJudge) })
	}
	evals, err := a.console.Evaluations(ctx, f)
	if err != nil {
		return err
	}
	return a.emit(evals, func(w io.Writer) error { return report.EvaluationsTable(w, evals) })
}

// upload reads one submission or an array of them.
func (a *app) upload(ctx context.Context, args []string) error {
	if err := want(args, "file"); err != nil {
		return err
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var subs []schemas.Submission
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("[")) {
		err = json.Unmarshal(b, &subs)
	} else {
		var s schemas.Submission
		err = json.Unmarshal(b, &s)
		subs = append(subs, s)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", args[0], err)
	}
	for _, s := range subs {
		id, err := a.gw.UploadSubmission(ctx, s)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, id)
	}
	return nil
}

func (a *app) archive(ctx context.Context, args []string) error {
	if err := want(args, "run"); err != nil {
		return err
	}
	if !a.cfg.ArchiveEnabled() {
		return errors.New("MINIO_ENDPOINT and MINIO_BUCKET must be set")
	}
	s3c, err := storage.New(ctx, a.cfg.Storage)
	if err != nil {
		return err
	}
	var got report.Archive
	if err := s3c.GetJSON(ctx, storage.RunKey(args[0]), &got); err != nil {
		return err
	}
	return a.emit(got, func(w io.Writer) error {
		if err := report.SummaryTable(w, got.Summary, got.ByJudge); err != nil {
			return err
		}
		return report.EvaluationsTable(w, got.Evaluations)
	})
}
