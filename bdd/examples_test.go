package bdd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/config"
	"tactus.dev/tactus/runtime/procedure/runtime"
)

// The shipped examples double as acceptance fixtures: each one must load
// under the strict parser, validate, and pass its own specifications in
// mock mode.
func TestShippedExamples(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "examples", "*.tyml"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no example procedures found")

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			t.Parallel()
			proc, err := config.Load(file)
			require.NoError(t, err)

			rt := runtime.New(runtime.Options{})
			require.NoError(t, rt.Register(proc))

			h, err := NewHarness(rt, proc, Options{Clock: fixedClock()})
			require.NoError(t, err)

			report, err := h.Test(context.Background(), TestOptions{})
			require.NoError(t, err)
			for _, res := range report.Results {
				require.Equalf(t, StatusPassed, res.Status, "scenario %q: %s %+v", res.Scenario, res.Err, res.Steps)
			}
		})
	}
}
