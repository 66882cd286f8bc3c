package inmem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/runtime/procedure/fault"
	"tactus.dev/tactus/runtime/procedure/state/inmem"
)

func TestSetNormalizesValues(t *testing.T) {
	s := inmem.New()

	norm, err := s.Set("n", 3)
	require.NoError(t, err)
	require.Equal(t, float64(3), norm)

	norm, err = s.Set("m", map[string]any{"a": 1, "b": []int{1, 2}})
	require.NoError(t, err)
	m, ok := norm.(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), m["a"])
	require.Equal(t, []any{float64(1), float64(2)}, m["b"])
}

func TestSetRejectsNonJSON(t *testing.T) {
	s := inmem.New()
	_, err := s.Set("ch", make(chan int))
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.KindValidation))
	require.False(t, s.Has("ch"))
}

func TestIncr(t *testing.T) {
	s := inmem.New()

	total, err := s.Incr("n", 1)
	require.NoError(t, err)
	require.Equal(t, float64(1), total)

	total, err = s.Incr("n", 2)
	require.NoError(t, err)
	require.Equal(t, float64(3), total)

	v, ok := s.Get("n")
	require.True(t, ok)
	require.Equal(t, float64(3), v)
}

func TestIncrRejectsNonNumeric(t *testing.T) {
	s := inmem.New()
	_, err := s.Set("n", "text")
	require.NoError(t, err)

	_, err = s.Incr("n", 1)
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.KindValidation))
}

func TestKeysSortedAndClear(t *testing.T) {
	s := inmem.New()
	for _, k := range []string{"zeta", "alpha", "mid"} {
		_, err := s.Set(k, true)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, s.Keys())

	s.Clear()
	require.Empty(t, s.Keys())
	require.Empty(t, s.Dump())
}

func TestRestoreReplaces(t *testing.T) {
	s := inmem.New()
	_, err := s.Set("old", 1)
	require.NoError(t, err)

	s.Restore(map[string]any{"new": float64(2)})
	require.False(t, s.Has("old"))
	v, ok := s.Get("new")
	require.True(t, ok)
	require.Equal(t, float64(2), v)
}
