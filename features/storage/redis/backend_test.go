package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	redisdriver "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"tactus.dev/tactus/runtime/procedure/storage"
	"tactus.dev/tactus/runtime/procedure/storage/storagetest"
)

var (
	redisOnce     sync.Once
	redisAddr     string
	redisSetupErr error
	prefixCounter atomic.Int64
)

func integrationAddr(t *testing.T) string {
	t.Helper()
	if os.Getenv("TACTUS_INTEGRATION") == "" {
		t.Skip("set TACTUS_INTEGRATION to run Redis-backed storage tests")
	}
	redisOnce.Do(func() { redisSetupErr = startRedis() })
	if redisSetupErr != nil {
		t.Fatalf("start redis container: %v", redisSetupErr)
	}
	return redisAddr
}

func startRedis() error {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
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
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return err
	}
	redisAddr = fmt.Sprintf("%s:%s", host, port.Port())

	probe := redisdriver.NewClient(&redisdriver.Options{Addr: redisAddr})
	defer func() { _ = probe.Close() }()
	return probe.Ping(ctx).Err()
}

func TestBackendContract(t *testing.T) {
	addr := integrationAddr(t)
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		client := redisdriver.NewClient(&redisdriver.Options{Addr: addr})
		t.Cleanup(func() { _ = client.Close() })
		b, err := New(Options{
			Redis:     client,
			KeyPrefix: fmt.Sprintf("tactus-test-%d", prefixCounter.Add(1)),
		})
		require.NoError(t, err)
		return b
	})
}

func TestPing(t *testing.T) {
	addr := integrationAddr(t)
	client := redisdriver.NewClient(&redisdriver.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	b, err := New(Options{Redis: client})
	require.NoError(t, err)
	require.Equal(t, "storage-redis", b.Name())
	require.NoError(t, b.Ping(context.Background()))
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "redis client is required")
}

func TestKeyLayout(t *testing.T) {
	client := redisdriver.NewClient(&redisdriver.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()

	b, err := New(Options{Redis: client})
	require.NoError(t, err)
	require.Equal(t, "tactus:invocations", b.indexKey())
	require.Equal(t, "tactus:invocation:inv-1", b.recordKey("inv-1"))
	require.Equal(t, "tactus:events:inv-1", b.eventsKey("inv-1"))
	require.Equal(t, "tactus:checkpoints:inv-1", b.checkpointOrderKey("inv-1"))
	require.Equal(t, "tactus:checkpoint-data:inv-1", b.checkpointDataKey("inv-1"))

	scoped, err := New(Options{Redis: client, KeyPrefix: "staging"})
	require.NoError(t, err)
	require.Equal(t, "staging:invocation:inv-1", scoped.recordKey("inv-1"))
}
