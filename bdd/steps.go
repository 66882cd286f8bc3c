package bdd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/runtime"
	"tactus.dev/tactus/runtime/procedure/script"
	"tactus.dev/tactus/runtime/procedure/storage"
	"tactus.dev/tactus/runtime/procedure/tools"
)

// setupContext accumulates what the Given steps configure.
type setupContext struct {
	params map[string]any
	mocks  *runtime.MockConfig
}

var setupPatterns = []struct {
	re    *regexp.Regexp
	apply func(sc *setupContext, m []string) error
}{
	{
		re: regexp.MustCompile(`^the (\S+) parameter is (.+)$`),
		apply: func(sc *setupContext, m []string) error {
			sc.params[m[1]] = parseValue(m[2])
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^the (\S+) (?:dependency|tool) returns '(.+)'$`),
		apply: func(sc *setupContext, m []string) error {
			var resp any
			if err := json.Unmarshal([]byte(m[2]), &resp); err != nil {
				return fault.Wrap(fault.KindValidation, err, "mock response for %q", m[1])
			}
			sc.mocks.Tools = append(sc.mocks.Tools, tools.Mock{Tool: m[1], Response: resp})
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^the (\S+) (?:dependency|tool) fails with "(.+)"$`),
		apply: func(sc *setupContext, m []string) error {
			sc.mocks.Tools = append(sc.mocks.Tools, tools.Mock{Tool: m[1], Error: m[2]})
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^Human\.(approve|input|review) will return (.+)$`),
		apply: func(sc *setupContext, m []string) error {
			if sc.mocks.HITLValues == nil {
				sc.mocks.HITLValues = make(map[string]any, 1)
			}
			sc.mocks.HITLValues[m[1]] = parseValue(m[2])
			return nil
		},
	},
}

// applySetup matches one Given step and mutates the setup context. Unmatched
// text is a validation fault: silently skipping setup would run the wrong
// scenario.
func applySetup(sc *setupContext, text string) error {
	for _, p := range setupPatterns {
		if m := p.re.FindStringSubmatch(text); m != nil {
			return p.apply(sc, m)
		}
	}
	return fault.New(fault.KindValidation, "no step definition matches %q", text)
}

// builtinAssertions is the assertion half of the step library. Patterns are
// anchored; each returns nil on pass and a descriptive error on failure.
var builtinAssertions = []struct {
	re    *regexp.Regexp
	check func(oc *runtime.Outcome, m []string) error
}{
	{
		re: regexp.MustCompile(`^the (\S+) tool should be called at least (\d+) times?$`),
		check: func(oc *runtime.Outcome, m []string) error {
			want, _ := strconv.Atoi(m[2])
			if got := callCount(oc, m[1]); got < want {
				return fmt.Errorf("tool %q called %d times, want at least %d", m[1], got, want)
			}
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^the (\S+) tool should be called (\d+) times?$`),
		check: func(oc *runtime.Outcome, m []string) error {
			want, _ := strconv.Atoi(m[2])
			if got := callCount(oc, m[1]); got != want {
				return fmt.Errorf("tool %q called %d times, want %d", m[1], got, want)
			}
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^the (\S+) tool should be called$`),
		check: func(oc *runtime.Outcome, m []string) error {
			if callCount(oc, m[1]) == 0 {
				return fmt.Errorf("tool %q was never called", m[1])
			}
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^the (\S+) tool should not be called$`),
		check: func(oc *runtime.Outcome, m []string) error {
			if got := callCount(oc, m[1]); got != 0 {
				return fmt.Errorf("tool %q called %d times, want none", m[1], got)
			}
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^the stage should transition from "?([^" ]+)"? to "?([^" ]+)"?$`),
		check: func(oc *runtime.Outcome, m []string) error {
			for _, ev := range oc.Events {
				if ev.Type != eventlog.TypeStageChange {
					continue
				}
				var p eventlog.StageChangePayload
				if err := ev.Decode(&p); err != nil {
					continue
				}
				if p.From == m[1] && p.To == m[2] {
					return nil
				}
			}
			return fmt.Errorf("no stage transition %s to %s", m[1], m[2])
		},
	},
	{
		re: regexp.MustCompile(`^the stage should be "?([^" ]+)"?$`),
		check: func(oc *runtime.Outcome, m []string) error {
			if oc.Stage != m[1] {
				return fmt.Errorf("stage is %q, want %q", oc.Stage, m[1])
			}
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^the state "?([^" ]+)"? should exist$`),
		check: func(oc *runtime.Outcome, m []string) error {
			if _, ok := oc.State[m[1]]; !ok {
				return fmt.Errorf("state %q does not exist", m[1])
			}
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^the state "?([^" ]+)"? should be (.+)$`),
		check: func(oc *runtime.Outcome, m []string) error {
			got, ok := oc.State[m[1]]
			if !ok {
				return fmt.Errorf("state %q does not exist", m[1])
			}
			want := parseValue(m[2])
			if !jsonEqual(got, want) {
				return fmt.Errorf("state %q is %v, want %v", m[1], got, want)
			}
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^(?:the procedure |it )?should complete successfully$`),
		check: func(oc *runtime.Outcome, _ []string) error {
			if oc.Status != storage.StatusCompleted {
				if oc.Err != nil {
					return fmt.Errorf("status is %s (%s)", oc.Status, oc.Err.Error())
				}
				return fmt.Errorf("status is %s", oc.Status)
			}
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^(?:the procedure |it )?should fail$`),
		check: func(oc *runtime.Outcome, _ []string) error {
			if oc.Status != storage.StatusFailed {
				return fmt.Errorf("status is %s, want failed", oc.Status)
			}
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^the stop reason should contain "?(.+?)"?$`),
		check: func(oc *runtime.Outcome, m []string) error {
			if !strings.Contains(oc.StopReason, m[1]) {
				return fmt.Errorf("stop reason %q does not contain %q", oc.StopReason, m[1])
			}
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^(?:the )?iterations should be less than (\d+)$`),
		check: func(oc *runtime.Outcome, m []string) error {
			limit, _ := strconv.Atoi(m[1])
			if oc.Iterations >= limit {
				return fmt.Errorf("%d iterations, want fewer than %d", oc.Iterations, limit)
			}
			return nil
		},
	},
	{
		re: regexp.MustCompile(`^(?:the )?iterations should be between (\d+) and (\d+)$`),
		check: func(oc *runtime.Outcome, m []string) error {
			lo, _ := strconv.Atoi(m[1])
			hi, _ := strconv.Atoi(m[2])
			if oc.Iterations < lo || oc.Iterations > hi {
				return fmt.Errorf("%d iterations, want between %d and %d", oc.Iterations, lo, hi)
			}
			return nil
		},
	},
}

func callCount(oc *runtime.Outcome, tool string) int {
	n := 0
	for _, c := range oc.ToolCalls {
		if c.Tool == tool {
			n++
		}
	}
	return n
}

// parseValue reads a step capture as JSON where possible, leaving barewords
// as strings with surrounding quotes stripped.
func parseValue(s string) any {
	s = strings.TrimSpace(s)
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return strings.Trim(s, `"'`)
}

// jsonEqual compares two canonical values by their JSON encoding, which
// makes map ordering irrelevant.
func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// stepLibrary holds the custom step source. The chunk is compiled once for
// validation; every scenario gets its own interpreter because scenarios run
// in parallel and Lua states are single-threaded.
type stepLibrary struct {
	source string
}

func newStepLibrary(source string) (*stepLibrary, error) {
	if strings.TrimSpace(source) == "" {
		return &stepLibrary{}, nil
	}
	if err := script.Check(source); err != nil {
		return nil, err
	}
	return &stepLibrary{source: source}, nil
}

// stepSession is the per-scenario custom step set, backed by one Lua state.
// Close releases the interpreter.
type stepSession struct {
	L     *lua.LState
	steps []luaStep
}

type luaStep struct {
	re *regexp.Regexp
	fn *lua.LFunction
}

// session runs the steps chunk and collects the step(pattern, fn)
// registrations. A library without source yields an empty session.
func (lib *stepLibrary) session() (*stepSession, error) {
	s := &stepSession{}
	if lib.source == "" {
		return s, nil
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(open.fn), NRet: 0, Protect: true}, lua.LString(open.name)); err != nil {
			L.Close()
			return nil, fault.Wrap(fault.KindInternal, err, "open lua lib %s", open.name)
		}
	}
	L.SetGlobal("step", L.NewFunction(func(L *lua.LState) int {
		pattern := L.CheckString(1)
		fn := L.CheckFunction(2)
		re, err := regexp.Compile(pattern)
		if err != nil {
			L.RaiseError("bad step pattern %q: %s", pattern, err)
			return 0
		}
		s.steps = append(s.steps, luaStep{re: re, fn: fn})
		return 0
	}))
	if err := L.DoString(lib.source); err != nil {
		L.Close()
		return nil, fault.Wrap(fault.KindValidation, err, "run steps block")
	}
	s.L = L
	return s, nil
}

// Close tears down the interpreter.
func (s *stepSession) Close() {
	if s.L != nil {
		s.L.Close()
	}
}

// match returns the first custom step whose pattern matches text, with its
// captures.
func (s *stepSession) match(text string) (luaStep, []string, bool) {
	for _, step := range s.steps {
		if m := step.re.FindStringSubmatch(text); m != nil {
			return step, m[1:], true
		}
	}
	return luaStep{}, nil, false
}

// run calls fn(outcome, captures...). A raised error or a falsy return
// fails the step.
func (s *stepSession) run(step luaStep, oc *runtime.Outcome, captures []string) error {
	args := make([]lua.LValue, 0, len(captures)+1)
	args = append(args, script.ToLua(s.L, outcomeValue(oc)))
	for _, c := range captures {
		args = append(args, lua.LString(c))
	}
	if err := s.L.CallByParam(lua.P{Fn: step.fn, NRet: 1, Protect: true}, args...); err != nil {
		return fmt.Errorf("step raised: %s", luaErrorText(err))
	}
	ret := s.L.Get(-1)
	s.L.Pop(1)
	if ret == lua.LNil || ret == lua.LFalse {
		return fmt.Errorf("step returned %s", ret.Type())
	}
	return nil
}

func luaErrorText(err error) string {
	if apiErr, ok := err.(*lua.ApiError); ok {
		if msg, ok := apiErr.Object.(lua.LString); ok {
			return string(msg)
		}
		return apiErr.Object.String()
	}
	return err.Error()
}

// outcomeValue renders an outcome as a canonical map for the Lua side.
func outcomeValue(oc *runtime.Outcome) map[string]any {
	calls := make([]any, 0, len(oc.ToolCalls))
	for _, c := range oc.ToolCalls {
		call := map[string]any{"tool": c.Tool}
		if c.Agent != "" {
			call["agent"] = c.Agent
		}
		if c.Args != nil {
			call["args"] = c.Args
		}
		if c.Result != nil {
			call["result"] = c.Result
		}
		if c.Error != "" {
			call["error"] = c.Error
		}
		calls = append(calls, call)
	}
	out := map[string]any{
		"status":      string(oc.Status),
		"stage":       oc.Stage,
		"stop_reason": oc.StopReason,
		"iterations":  oc.Iterations,
		"state":       oc.State,
		"result":      oc.Result,
		"tool_calls":  calls,
	}
	if oc.Err != nil {
		out["error"] = oc.Err.Message
		out["error_kind"] = string(oc.Err.Kind)
	}
	return out
}
