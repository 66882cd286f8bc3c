package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/bdd"
)

func TestTestCmdPasses(t *testing.T) {
	dir, file := writeProcedure(t, greeterTyml)

	cli := &CLI{Config: dir}
	cmd := &TestCmd{File: file, Parallel: true, Workers: 2}
	require.NoError(t, cmd.Run(cli))
}

func TestTestCmdFails(t *testing.T) {
	broken := strings.Replace(greeterTyml,
		"Then the done tool should be called",
		"Then the todo tool should be called", 1)
	dir, file := writeProcedure(t, broken)

	cli := &CLI{Config: dir}
	err := (&TestCmd{File: file, Parallel: false, Workers: 4}).Run(cli)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 scenarios failed")
}

func TestTestCmdScenarioFilter(t *testing.T) {
	dir, file := writeProcedure(t, greeterTyml)

	cli := &CLI{Config: dir}
	err := (&TestCmd{File: file, Scenario: "no such scenario", Parallel: true, Workers: 2}).Run(cli)
	require.Error(t, err)
}

func TestTestCmdMockConfigFile(t *testing.T) {
	dir, file := writeProcedure(t, greeterTyml)
	mocks := filepath.Join(dir, "mocks.yml")
	require.NoError(t, os.WriteFile(mocks, []byte("tools:\n  search: {hits: 1}\n"), 0o644))

	cli := &CLI{Config: dir}
	cmd := &TestCmd{File: file, MockConfig: mocks, Parallel: true, Workers: 2}
	require.NoError(t, cmd.Run(cli))
}

func TestEvaluateCmdRuns(t *testing.T) {
	dir, file := writeProcedure(t, greeterTyml)

	cli := &CLI{Config: dir}
	cmd := &EvaluateCmd{File: file, Runs: 3, Workers: 2}
	require.NoError(t, cmd.Run(cli))
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &bdd.Report{
		Feature: "Greeting",
		Results: []bdd.ScenarioResult{
			{Scenario: "good", Status: bdd.StatusPassed, Duration: 120 * time.Millisecond},
			{Scenario: "bad", Status: bdd.StatusFailed, Steps: []bdd.StepResult{
				{Text: "the done tool should be called", Status: bdd.StatusFailed, Err: `tool "done" was never called`},
			}},
		},
		Duration: 240 * time.Millisecond,
	})

	out := buf.String()
	assert.Contains(t, out, "Feature: Greeting")
	assert.Contains(t, out, "PASSED good")
	assert.Contains(t, out, "FAILED bad")
	assert.Contains(t, out, `tool "done" was never called`)
	assert.Contains(t, out, "2 scenarios, 1 failed")
}

func TestPrintEvaluation(t *testing.T) {
	var buf bytes.Buffer
	printEvaluation(&buf, &bdd.Evaluation{
		Feature: "Greeting",
		Scenarios: []bdd.ScenarioEvaluation{{
			Scenario:    "completes with the done tool",
			Runs:        10,
			Successes:   9,
			SuccessRate: 0.9,
			Consistency: 1.0,
			Duration: bdd.DurationStats{
				Mean:   30 * time.Millisecond,
				Median: 28 * time.Millisecond,
				Stddev: 4 * time.Millisecond,
			},
		}},
	})

	out := buf.String()
	assert.Contains(t, out, "9/10 passed (90%)")
	assert.Contains(t, out, "consistency 100%")
	assert.Contains(t, out, "mean 30ms")
}
