package bdd

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/runtime"
)

type (
	// EvaluateOptions tunes one Evaluate pass. Zero Runs and Workers fall
	// back to the procedure's evaluation block, then to 10 runs across 4
	// workers.
	EvaluateOptions struct {
		Scenario string
		Runs     int
		Workers  int
		Timeout  time.Duration
		Mocks    *runtime.MockConfig
	}

	// Evaluation aggregates repeated scenario runs.
	Evaluation struct {
		Procedure string
		Feature   string
		Scenarios []ScenarioEvaluation
	}

	// ScenarioEvaluation scores one scenario over N runs. Consistency is the
	// largest fraction of runs sharing one outcome fingerprint: the sorted
	// tool names, the finish status, and the sorted final state keys.
	ScenarioEvaluation struct {
		Scenario    string
		Runs        int
		Successes   int
		SuccessRate float64
		Consistency float64
		Duration    DurationStats
	}

	// DurationStats summarizes per-run wall time.
	DurationStats struct {
		Mean   time.Duration
		Median time.Duration
		Stddev time.Duration
	}

	evalRun struct {
		passed      bool
		duration    time.Duration
		fingerprint string
	}
)

// Evaluate runs every matching scenario repeatedly and scores stability.
func (h *Harness) Evaluate(ctx context.Context, opts EvaluateOptions) (*Evaluation, error) {
	scenarios, err := h.scenarios(opts.Scenario)
	if err != nil {
		return nil, err
	}
	runs := opts.Runs
	if runs <= 0 {
		runs = h.proc.Evaluation.Runs
	}
	if runs <= 0 {
		runs = 10
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = h.proc.Evaluation.Workers
	}
	if workers <= 0 {
		workers = 4
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	out := &Evaluation{Procedure: h.proc.Name, Feature: h.suite.Feature}
	for _, sc := range scenarios {
		h.emit(ctx, eventlog.TypeEvaluationStarted, eventlog.EvaluationPayload{
			Scenario: sc.Name,
			Runs:     runs,
		})

		results := make([]evalRun, runs)
		var g errgroup.Group
		g.SetLimit(workers)
		for i := range results {
			g.Go(func() error {
				results[i] = h.evaluateOnce(ctx, sc, opts.Mocks, timeout)
				return nil
			})
		}
		_ = g.Wait()

		ev := score(sc.Name, results)
		out.Scenarios = append(out.Scenarios, ev)

		h.emit(ctx, eventlog.TypeEvaluationCompleted, eventlog.EvaluationPayload{
			Scenario:    sc.Name,
			Runs:        runs,
			SuccessRate: ev.SuccessRate,
			Consistency: ev.Consistency,
		})
	}
	return out, nil
}

func (h *Harness) evaluateOnce(ctx context.Context, sc Scenario, extra *runtime.MockConfig, timeout time.Duration) evalRun {
	started := h.clock()
	p, err := h.play(ctx, sc, extra, timeout)
	run := evalRun{
		duration:    h.clock().Sub(started),
		fingerprint: fingerprint(p.oc),
	}
	if err != nil {
		return run
	}
	run.passed = true
	for _, sr := range p.steps {
		if sr.Status != StatusPassed {
			run.passed = false
			break
		}
	}
	return run
}

// fingerprint renders the observable outcome shape of one run. Runs that
// never produced an outcome all collapse into "error".
func fingerprint(oc *runtime.Outcome) string {
	if oc == nil {
		return "error"
	}
	seen := make(map[string]bool, len(oc.ToolCalls))
	names := make([]string, 0, len(oc.ToolCalls))
	for _, c := range oc.ToolCalls {
		if !seen[c.Tool] {
			seen[c.Tool] = true
			names = append(names, c.Tool)
		}
	}
	sort.Strings(names)
	keys := make([]string, 0, len(oc.State))
	for k := range oc.State {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(names, ",") + "|" + string(oc.Status) + "|" + strings.Join(keys, ",")
}

func score(name string, results []evalRun) ScenarioEvaluation {
	ev := ScenarioEvaluation{Scenario: name, Runs: len(results)}
	if len(results) == 0 {
		return ev
	}
	prints := make(map[string]int, len(results))
	durations := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.passed {
			ev.Successes++
		}
		prints[r.fingerprint]++
		durations = append(durations, r.duration)
	}
	ev.SuccessRate = float64(ev.Successes) / float64(len(results))
	most := 0
	for _, n := range prints {
		if n > most {
			most = n
		}
	}
	ev.Consistency = float64(most) / float64(len(results))
	ev.Duration = durationStats(durations)
	return ev
}

func durationStats(durations []time.Duration) DurationStats {
	n := len(durations)
	if n == 0 {
		return DurationStats{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum float64
	for _, d := range durations {
		sum += float64(d)
	}
	mean := sum / float64(n)

	var median float64
	if n%2 == 1 {
		median = float64(durations[n/2])
	} else {
		median = (float64(durations[n/2-1]) + float64(durations[n/2])) / 2
	}

	var varsum float64
	for _, d := range durations {
		diff := float64(d) - mean
		varsum += diff * diff
	}
	stddev := math.Sqrt(varsum / float64(n))

	return DurationStats{
		Mean:   time.Duration(mean),
		Median: time.Duration(median),
		Stddev: time.Duration(stddev),
	}
}
