// Command evalctl drives the judge evaluation API from the terminal: judges,
// assignments, runs and results.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"

	"judge-console/internal/config"
	"judge-console/internal/console"
	"judge-console/internal/gateway"
	"judge-console/internal/notify"
	"judge-console/internal/report"
)

const usage = `usage: evalctl [flags] <command> [args]

commands:
  queues                              list queues
  questions <queue>                   list a queue's questions
  judges                              list judges
  judge create|update|delete|activate manage judges
  matrix <queue>                      show judge assignments
  toggle <queue> <question> <judge>   assign or unassign a judge
  run <queue>                         start a run and follow it
  watch <run>                         follow an existing run
  results [filters]                   list evaluations
  upload <file.json>                  upload submissions
  archive <run>                       read an archived run
`

type app struct {
	cfg     *config.Config
	gw      *gateway.Client
	console *console.Console
	format  report.Format
	out     io.Writer
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		clog.FatalContextf(ctx, "loading config: %v", err)
	}

	baseFlag := flag.String("base", cfg.APIBaseURL, "API base URL")
	tokenFlag := flag.String("token", cfg.APIToken, "API bearer token")
	outFlag := flag.String("o", "table", "output format: table, yaml or json")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	format, err := report.ParseFormat(*outFlag)
	if err != nil {
		clog.FatalContextf(ctx, "%v", err)
	}
	gw, err := gateway.New(*baseFlag, gateway.WithToken(*tokenFlag), gateway.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		clog.FatalContextf(ctx, "creating gateway: %v", err)
	}

	var notifier notify.Notifier = notify.Log{}
	if cfg.RedisAddr != "" {
		q := notify.NewQueue(cfg.RedisAddr)
		defer q.Close()
		notifier = notify.Multi{notify.Log{}, q}
	}
	c := console.New(gw, console.WithNotifier(notifier), console.WithPollInterval(cfg.PollInterval))
	defer c.Close()

	a := &app{cfg: cfg, gw: gw, console: c, format: format, out: os.Stdout}
	if err := a.dispatch(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "evalctl %s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "queues":
		return a.queues(ctx)
	case "questions":
		return a.questions(ctx, args)
	case "judges":
		return a.judges(ctx)
	case "judge":
		return a.judge(ctx, args)
	case "matrix":
		return a.matrix(ctx, args)
	case "toggle":
		return a.toggle(ctx, args)
	case "run":
		return a.run(ctx, args)
	case "watch":
		return a.watch(ctx, args)
	case "results":
		return a.results(ctx, args)
	case "upload":
		return a.upload(ctx, args)
	case "archive":
		return a.archive(ctx, args)
	}
	return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
}

// emit writes v in the selected structured format, or calls table for the
// default output.
func (a *app) emit(v any, table func(io.Writer) error) error {
	if a.format == report.FormatTable {
		return table(a.out)
	}
	return report.Encode(a.out, a.format, v)
}

func want(args []string, names ...string) error {
	if len(args) != len(names) {
		return fmt.Errorf("expected arguments: %v", names)
	}
	for i, a := range args {
		if a == "" {
			return fmt.Errorf("%s must not be empty", names[i])
		}
	}
	return nil
}

func since(t time.Time) string {
	return time.Since(t).Round(time.Millisecond).String()
}
