package mongo

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tactus.dev/tactus/runtime/procedure/storage"
	"tactus.dev/tactus/runtime/procedure/storage/storagetest"
)

var (
	mongoOnce     sync.Once
	mongoURI      string
	mongoSetupErr error
	dbCounter     atomic.Int64
)

func integrationURI(t *testing.T) string {
	t.Helper()
	if os.Getenv("TACTUS_INTEGRATION") == "" {
		t.Skip("set TACTUS_INTEGRATION to run MongoDB-backed storage tests")
	}
	mongoOnce.Do(func() { mongoSetupErr = startMongo() })
	if mongoSetupErr != nil {
		t.Fatalf("start mongo container: %v", mongoSetupErr)
	}
	return mongoURI
}

func startMongo() error {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections"),
		Tmpfs:        map[string]string{"/data/db": "rw"},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return err
	}
	host, err := container.Host(ctx)
	if err != nil {
		return err
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		return err
	}
	mongoURI = fmt.Sprintf("mongodb://%s:%s", host, port.Port())

	probe, err := mongodriver.Connect(options.Client().ApplyURI(mongoURI))
	if err != nil {
		return err
	}
	defer func() { _ = probe.Disconnect(ctx) }()
	return probe.Ping(ctx, nil)
}

func TestBackendContract(t *testing.T) {
	uri := integrationURI(t)
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
		require.NoError(t, err)
		dbName := fmt.Sprintf("tactus_test_%d", dbCounter.Add(1))
		t.Cleanup(func() {
			ctx := context.Background()
			_ = client.Database(dbName).Drop(ctx)
			_ = client.Disconnect(ctx)
		})
		b, err := New(Options{Client: client, Database: dbName})
		require.NoError(t, err)
		return b
	})
}

func TestPing(t *testing.T) {
	uri := integrationURI(t)
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	b, err := New(Options{Client: client, Database: fmt.Sprintf("tactus_test_%d", dbCounter.Add(1))})
	require.NoError(t, err)
	require.Equal(t, "storage-mongo", b.Name())
	require.NoError(t, b.Ping(context.Background()))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "mongo client is required")

	client, err := mongodriver.Connect(options.Client().ApplyURI("mongodb://localhost:27017"))
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(context.Background()) }()

	_, err = New(Options{Client: client})
	require.EqualError(t, err, "database name is required")
}

func TestRecordDocumentRoundTrip(t *testing.T) {
	finished := time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC)
	rec := storage.Record{
		ID:         "inv-1",
		Procedure:  "greeter",
		Version:    "1.2.0",
		ParentID:   "inv-0",
		Params:     map[string]any{"name": "Ada", "count": float64(3)},
		Status:     storage.StatusCompleted,
		Stage:      "collect",
		State:      map[string]any{"greeted": true},
		Result:     map[string]any{"greeting": "hello Ada"},
		ErrorKind:  "",
		Iterations: 2,
		EventSeq:   9,
		CreatedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC),
		FinishedAt: &finished,
	}

	doc, err := toRecordDocument(rec)
	require.NoError(t, err)
	got, err := fromRecordDocument(doc)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestRecordDocumentOmitsEmptyShapes(t *testing.T) {
	rec := storage.Record{
		ID:        "inv-2",
		Procedure: "p",
		Status:    storage.StatusRunning,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	doc, err := toRecordDocument(rec)
	require.NoError(t, err)
	require.Nil(t, doc.Params)
	require.Nil(t, doc.State)
	require.Nil(t, doc.Result)

	got, err := fromRecordDocument(doc)
	require.NoError(t, err)
	require.Nil(t, got.Params)
	require.Nil(t, got.State)
	require.Nil(t, got.Result)
	require.Nil(t, got.FinishedAt)
}
