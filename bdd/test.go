package bdd

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/runtime"
)

type (
	// Status classifies a step or scenario result. Error means the scenario
	// could not run to a verdict: an unmatched step, a submission problem,
	// or a missing When step.
	Status string

	// TestOptions tunes one Test pass.
	TestOptions struct {
		// Scenario filters by name (exact or substring).
		Scenario string
		// Workers caps scenario parallelism. Zero means 4; 1 runs serially.
		Workers int
		// Timeout bounds one scenario's invocation. Zero means one minute.
		Timeout time.Duration
		// Mocks layer on top of the procedure's default mocks before the
		// Given steps apply theirs.
		Mocks *runtime.MockConfig
	}

	// Report is the outcome of one Test pass.
	Report struct {
		Procedure string
		Feature   string
		Results   []ScenarioResult
		Duration  time.Duration
	}

	// ScenarioResult is the verdict on one scenario.
	ScenarioResult struct {
		Scenario string
		Status   Status
		Steps    []StepResult
		// Err describes why the scenario errored.
		Err      string
		Duration time.Duration
	}

	// StepResult is the verdict on one assertion step.
	StepResult struct {
		Text   string
		Status Status
		Err    string
	}

	// played is one scenario execution.
	played struct {
		steps []StepResult
		oc    *runtime.Outcome
	}
)

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
	StatusError  Status = "error"
)

// Passed reports whether every scenario passed.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if res.Status != StatusPassed {
			return false
		}
	}
	return true
}

// Test runs the suite's scenarios against fresh mock-mode invocations.
// Scenario verdicts land in the report; the returned error covers only
// harness-level problems such as an unmatched scenario filter.
func (h *Harness) Test(ctx context.Context, opts TestOptions) (*Report, error) {
	scenarios, err := h.scenarios(opts.Scenario)
	if err != nil {
		return nil, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	started := h.clock()
	results := make([]ScenarioResult, len(scenarios))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, sc := range scenarios {
		g.Go(func() error {
			results[i] = h.runScenario(ctx, sc, opts.Mocks, timeout)
			return nil
		})
	}
	_ = g.Wait()

	return &Report{
		Procedure: h.proc.Name,
		Feature:   h.suite.Feature,
		Results:   results,
		Duration:  h.clock().Sub(started),
	}, nil
}

// runScenario wraps one play with the progress events and the verdict.
func (h *Harness) runScenario(ctx context.Context, sc Scenario, extra *runtime.MockConfig, timeout time.Duration) ScenarioResult {
	started := h.clock()
	h.emit(ctx, eventlog.TypeTestScenarioStarted, eventlog.TestScenarioPayload{
		Feature:  h.suite.Feature,
		Scenario: sc.Name,
	})

	res := ScenarioResult{Scenario: sc.Name}
	p, err := h.play(ctx, sc, extra, timeout)
	res.Steps = p.steps
	res.Duration = h.clock().Sub(started)

	failed := 0
	for _, sr := range p.steps {
		if sr.Status != StatusPassed {
			failed++
		}
	}
	switch {
	case err != nil:
		res.Status = StatusError
		res.Err = err.Error()
	case failed > 0:
		res.Status = StatusFailed
	default:
		res.Status = StatusPassed
	}

	h.emit(ctx, eventlog.TypeTestScenarioCompleted, eventlog.TestScenarioPayload{
		Feature:    h.suite.Feature,
		Scenario:   sc.Name,
		Status:     string(res.Status),
		Failed:     failed,
		DurationMS: res.Duration.Milliseconds(),
	})
	return res
}

// play executes one scenario: Given steps configure, the When step runs the
// invocation, Then steps assert. Assertion failures accumulate in the step
// results; the returned error marks scenario-level problems.
func (h *Harness) play(ctx context.Context, sc Scenario, extra *runtime.MockConfig, timeout time.Duration) (played, error) {
	session, err := h.steps.session()
	if err != nil {
		return played{}, err
	}
	defer session.Close()

	setup := &setupContext{
		params: make(map[string]any),
		mocks:  merge(h.proc.DefaultMocks, extra),
	}
	var p played
	ran := false
	for _, step := range sc.Steps {
		kind := step.Kind
		if kind == KindUnknown {
			if ran {
				kind = KindAssert
			} else {
				kind = KindSetup
			}
		}
		switch kind {
		case KindSetup:
			if ran {
				return p, fault.New(fault.KindValidation, "setup step %q follows the When step", step.Text)
			}
			if err := applySetup(setup, step.Text); err != nil {
				return p, err
			}
		case KindAction:
			if ran {
				return p, fault.New(fault.KindValidation, "scenario %q has more than one When step", sc.Name)
			}
			ran = true
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			oc, err := h.rt.Run(runCtx, h.proc.Name, runtime.RunOptions{
				Params: setup.params,
				Mock:   setup.mocks,
			})
			cancel()
			if err != nil {
				return p, err
			}
			p.oc = oc
		case KindAssert:
			if !ran {
				return p, fault.New(fault.KindValidation, "assertion %q precedes the When step", step.Text)
			}
			p.steps = append(p.steps, h.assert(session, p.oc, step.Text))
		}
	}
	if !ran {
		return p, fault.New(fault.KindValidation, "scenario %q has no When step", sc.Name)
	}
	return p, nil
}

// assert evaluates one Then step, custom definitions first so procedures can
// override the built-ins.
func (h *Harness) assert(session *stepSession, oc *runtime.Outcome, text string) StepResult {
	if step, captures, ok := session.match(text); ok {
		if err := session.run(step, oc, captures); err != nil {
			return StepResult{Text: text, Status: StatusFailed, Err: err.Error()}
		}
		return StepResult{Text: text, Status: StatusPassed}
	}
	for _, b := range builtinAssertions {
		if m := b.re.FindStringSubmatch(text); m != nil {
			if err := b.check(oc, m); err != nil {
				return StepResult{Text: text, Status: StatusFailed, Err: err.Error()}
			}
			return StepResult{Text: text, Status: StatusPassed}
		}
	}
	return StepResult{
		Text:   text,
		Status: StatusError,
		Err:    fmt.Sprintf("no step definition matches %q", text),
	}
}

func (h *Harness) emit(ctx context.Context, typ eventlog.Type, payload any) {
	_, _ = h.log.Append(ctx, typ, payload)
}
