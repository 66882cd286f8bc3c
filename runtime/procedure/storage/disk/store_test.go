package disk_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/storage"
	"tactus.dev/tactus/runtime/procedure/storage/disk"
	"tactus.dev/tactus/runtime/procedure/storage/storagetest"
)

func TestBackendContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		s, err := disk.New(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestLayoutOnDisk(t *testing.T) {
	root := t.TempDir()
	s, err := disk.New(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.SaveInvocation(ctx, storage.Record{ID: "inv-1", Procedure: "p", Status: storage.StatusRunning}))
	require.NoError(t, s.AppendEvent(ctx, "inv-1", eventlog.Event{InvocationID: "inv-1", Seq: 1, Type: eventlog.TypeLog}))

	assert.FileExists(t, filepath.Join(root, "inv-1", "record.json"))
	assert.FileExists(t, filepath.Join(root, "inv-1", "events.ndjson"))
}

func TestSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s, err := disk.New(root)
	require.NoError(t, err)
	require.NoError(t, s.SaveInvocation(ctx, storage.Record{ID: "inv-1", Procedure: "p", Status: storage.StatusWaitingHuman}))
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, s.AppendEvent(ctx, "inv-1", eventlog.Event{InvocationID: "inv-1", Seq: seq, Type: eventlog.TypeLog}))
	}
	require.NoError(t, s.Close(ctx))

	reopened, err := disk.New(root)
	require.NoError(t, err)
	rec, err := reopened.LoadInvocation(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusWaitingHuman, rec.Status)

	evs, err := reopened.ReadEvents(ctx, "inv-1", 0)
	require.NoError(t, err)
	assert.Len(t, evs, 3)
}

func TestIgnoresStrayFilesInRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644))
	s, err := disk.New(root)
	require.NoError(t, err)

	recs, err := s.ListInvocations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}
