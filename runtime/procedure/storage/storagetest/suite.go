// Package storagetest exercises the storage.Backend contract. Every backend
// test (in-memory, disk, Redis, MongoDB) runs the same suite so resume works
// identically regardless of where the invocation lives.
package storagetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/storage"
)

// Run exercises the full Backend contract against backends produced by
// newBackend. Each subtest receives a fresh backend.
func Run(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	t.Helper()

	t.Run("record round-trip", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.LoadInvocation(ctx, "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)

		created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		rec := storage.Record{
			ID:        "inv-1",
			Procedure: "greeter",
			Version:   "1.2.0",
			Params:    map[string]any{"name": "Ada", "count": float64(3)},
			Status:    storage.StatusRunning,
			Stage:     "collect",
			State:     map[string]any{"greeted": true},
			CreatedAt: created,
			UpdatedAt: created,
		}
		require.NoError(t, b.SaveInvocation(ctx, rec))

		got, err := b.LoadInvocation(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.Procedure, got.Procedure)
		assert.Equal(t, rec.Params, got.Params)
		assert.Equal(t, storage.StatusRunning, got.Status)
		assert.Equal(t, "collect", got.Stage)
		assert.True(t, got.CreatedAt.Equal(created))

		// Saving again replaces: terminal transition.
		finished := created.Add(2 * time.Second)
		rec.Status = storage.StatusCompleted
		rec.Result = map[string]any{"greeting": "hello Ada"}
		rec.FinishedAt = &finished
		require.NoError(t, b.SaveInvocation(ctx, rec))

		got, err = b.LoadInvocation(ctx, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusCompleted, got.Status)
		assert.Equal(t, map[string]any{"greeting": "hello Ada"}, got.Result)
		require.NotNil(t, got.FinishedAt)
		assert.True(t, got.FinishedAt.Equal(finished))
	})

	t.Run("list newest first", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		for i, id := range []string{"inv-a", "inv-b", "inv-c"} {
			require.NoError(t, b.SaveInvocation(ctx, storage.Record{
				ID:        id,
				Procedure: "p",
				Status:    storage.StatusRunning,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
				UpdatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}
		recs, err := b.ListInvocations(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "inv-c", recs[0].ID)
		assert.Equal(t, "inv-a", recs[2].ID)
	})

	t.Run("events ordered and filtered", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		for seq := uint64(1); seq <= 4; seq++ {
			require.NoError(t, b.AppendEvent(ctx, "inv-1", eventlog.Event{
				InvocationID: "inv-1",
				Seq:          seq,
				Type:         eventlog.TypeLog,
				Timestamp:    ts,
				Payload:      json.RawMessage(`{"level":"info","message":"m"}`),
			}))
		}

		all, err := b.ReadEvents(ctx, "inv-1", 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i, ev := range all {
			assert.Equal(t, uint64(i+1), ev.Seq)
		}

		tail, err := b.ReadEvents(ctx, "inv-1", 2)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, uint64(3), tail[0].Seq)

		none, err := b.ReadEvents(ctx, "unknown", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("checkpoints in write order", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		wrote := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		steps := []string{"llm:3:1", "tool.done:3:1", "llm:3:2"}
		for _, id := range steps {
			require.NoError(t, b.WriteCheckpoint(ctx, "inv-1", journal.Entry{
				StepID:    id,
				Kind:      "llm",
				Value:     json.RawMessage(`{"text":"hi"}`),
				WrittenAt: wrote,
			}))
		}

		entries, err := b.ListCheckpoints(ctx, "inv-1")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, e := range entries {
			assert.Equal(t, steps[i], e.StepID)
		}

		one, err := b.ReadCheckpoint(ctx, "inv-1", "tool.done:3:1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"text":"hi"}`, string(one.Value))

		_, err = b.ReadCheckpoint(ctx, "inv-1", "absent")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("delete removes events and checkpoints", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		require.NoError(t, b.SaveInvocation(ctx, storage.Record{
			ID: "inv-1", Procedure: "p", Status: storage.StatusCompleted,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}))
		require.NoError(t, b.AppendEvent(ctx, "inv-1", eventlog.Event{InvocationID: "inv-1", Seq: 1, Type: eventlog.TypeLog}))
		require.NoError(t, b.WriteCheckpoint(ctx, "inv-1", journal.Entry{StepID: "s:1", Kind: "step"}))

		require.NoError(t, b.DeleteInvocation(ctx, "inv-1"))

		_, err := b.LoadInvocation(ctx, "inv-1")
		require.ErrorIs(t, err, storage.ErrNotFound)
		evs, err := b.ReadEvents(ctx, "inv-1", 0)
		require.NoError(t, err)
		assert.Empty(t, evs)
		cps, err := b.ListCheckpoints(ctx, "inv-1")
		require.NoError(t, err)
		assert.Empty(t, cps)

		require.ErrorIs(t, b.DeleteInvocation(ctx, "inv-1"), storage.ErrNotFound)
	})

	t.Run("last event seq", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		seq, err := storage.LastEventSeq(ctx, b, "inv-1")
		require.NoError(t, err)
		assert.Zero(t, seq)

		for s := uint64(1); s <= 7; s++ {
			require.NoError(t, b.AppendEvent(ctx, "inv-1", eventlog.Event{InvocationID: "inv-1", Seq: s, Type: eventlog.TypeLog}))
		}
		seq, err = storage.LastEventSeq(ctx, b, "inv-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(7), seq)
	})
}
