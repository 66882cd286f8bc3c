package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"tactus.dev/tactus/bdd"
	"tactus.dev/tactus/config"
	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/runtime"
)

// TestCmd runs the procedure's Gherkin specifications. Scenarios execute
// against mock-mode invocations; a failing scenario fails the command.
type TestCmd struct {
	File       string        `arg:"" type:"existingfile" help:"Procedure file (.tyml)."`
	Scenario   string        `short:"s" help:"Only scenarios whose name matches (exact or substring)."`
	MockConfig string        `name:"mock-config" type:"existingfile" help:"Extra mocks layered over the procedure's defaults."`
	Parallel   bool          `default:"true" negatable:"" help:"Run scenarios concurrently."`
	Workers    int           `default:"4" help:"Concurrent scenarios when parallel."`
	Timeout    time.Duration `help:"Per-scenario time limit."`
}

func (c *TestCmd) Run(cli *CLI) error {
	env, err := cli.setup()
	if err != nil {
		return err
	}
	defer env.stop()

	harness, mocks, err := newHarness(cli, env, c.File, c.MockConfig)
	if err != nil {
		return err
	}
	workers := c.Workers
	if !c.Parallel {
		workers = 1
	}
	report, err := harness.Test(env.ctx, bdd.TestOptions{
		Scenario: c.Scenario,
		Workers:  workers,
		Timeout:  c.Timeout,
		Mocks:    mocks,
	})
	if err != nil {
		return err
	}
	printReport(os.Stdout, report)
	if !report.Passed() {
		failed := 0
		for _, res := range report.Results {
			if res.Status != bdd.StatusPassed {
				failed++
			}
		}
		return fmt.Errorf("%d of %d scenarios failed", failed, len(report.Results))
	}
	return nil
}

// EvaluateCmd runs every scenario repeatedly and reports success rate,
// consistency, and duration statistics. It scores; it does not gate, so the
// command succeeds whenever the runs themselves could be carried out.
type EvaluateCmd struct {
	File     string `arg:"" type:"existingfile" help:"Procedure file (.tyml)."`
	Runs     int    `help:"Runs per scenario. Defaults to the procedure's evaluation config."`
	Workers  int    `help:"Concurrent runs per scenario."`
	Scenario string `short:"s" help:"Only scenarios whose name matches (exact or substring)."`
}

func (c *EvaluateCmd) Run(cli *CLI) error {
	env, err := cli.setup()
	if err != nil {
		return err
	}
	defer env.stop()

	harness, _, err := newHarness(cli, env, c.File, "")
	if err != nil {
		return err
	}
	eval, err := harness.Evaluate(env.ctx, bdd.EvaluateOptions{
		Scenario: c.Scenario,
		Runs:     c.Runs,
		Workers:  c.Workers,
	})
	if err != nil {
		return err
	}
	printEvaluation(os.Stdout, eval)
	return nil
}

// newHarness loads the procedure, registers it on a runtime with defaults
// (mock-mode scenarios need neither providers nor durable storage), and
// binds the specifications. Verbose mode streams harness progress events to
// stderr as JSON lines.
func newHarness(cli *CLI, env *cmdEnv, file, mocksFile string) (*bdd.Harness, *runtime.MockConfig, error) {
	proc, err := config.Load(file)
	if err != nil {
		return nil, nil, err
	}
	rt := runtime.New(runtime.Options{Logger: env.logger})
	if err := rt.Register(proc); err != nil {
		return nil, nil, err
	}
	var mocks *runtime.MockConfig
	if mocksFile != "" {
		if mocks, err = config.LoadMocks(mocksFile); err != nil {
			return nil, nil, err
		}
	}
	opts := bdd.Options{Logger: env.logger}
	if cli.Verbose {
		enc := json.NewEncoder(os.Stderr)
		opts.Sinks = []eventlog.Sink{eventlog.SinkFunc(func(_ context.Context, ev eventlog.Event) error {
			return enc.Encode(ev)
		})}
	}
	harness, err := bdd.NewHarness(rt, proc, opts)
	if err != nil {
		return nil, nil, err
	}
	return harness, mocks, nil
}

// printReport writes one verdict line per scenario plus the failing step
// details.
func printReport(w io.Writer, report *bdd.Report) {
	fmt.Fprintf(w, "Feature: %s\n", report.Feature)
	failed := 0
	for _, res := range report.Results {
		fmt.Fprintf(w, "  %-6s %s (%s)\n",
			strings.ToUpper(string(res.Status)), res.Scenario, res.Duration.Round(time.Millisecond))
		if res.Status == bdd.StatusPassed {
			continue
		}
		failed++
		if res.Err != "" {
			fmt.Fprintf(w, "         %s\n", res.Err)
		}
		for _, step := range res.Steps {
			if step.Status == bdd.StatusPassed {
				continue
			}
			fmt.Fprintf(w, "         %s: %s\n", step.Text, step.Err)
		}
	}
	fmt.Fprintf(w, "%d scenarios, %d failed (%s)\n",
		len(report.Results), failed, report.Duration.Round(time.Millisecond))
}

func printEvaluation(w io.Writer, eval *bdd.Evaluation) {
	fmt.Fprintf(w, "Feature: %s\n", eval.Feature)
	for _, sc := range eval.Scenarios {
		fmt.Fprintf(w, "  %s: %d/%d passed (%.0f%%), consistency %.0f%%\n",
			sc.Scenario, sc.Successes, sc.Runs, sc.SuccessRate*100, sc.Consistency*100)
		fmt.Fprintf(w, "    duration mean %s median %s stddev %s\n",
			sc.Duration.Mean.Round(time.Millisecond),
			sc.Duration.Median.Round(time.Millisecond),
			sc.Duration.Stddev.Round(time.Millisecond))
	}
}
