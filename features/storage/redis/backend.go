// Package redis implements storage.Backend on Redis. Each invocation maps to
// a record string, an event list, and a checkpoint order list plus data hash;
// an index set holds the known invocation ids so listing does not scan the
// keyspace.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	redisdriver "github.com/redis/go-redis/v9"

	"goa.design/clue/health"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/storage"
)

type (
	// Options configures the Redis backend.
	Options struct {
		// Redis is the Redis connection backing the store. Required. The
		// backend owns it from then on; Close closes it.
		Redis *redisdriver.Client
		// KeyPrefix namespaces every key. Defaults to "tactus".
		KeyPrefix string
	}

	// Backend persists invocations in Redis.
	Backend struct {
		redis  *redisdriver.Client
		prefix string
	}
)

const (
	defaultKeyPrefix = "tactus"
	pingerName       = "storage-redis"
)

var (
	_ storage.Backend = (*Backend)(nil)
	_ health.Pinger   = (*Backend)(nil)
)

// New constructs a Redis-backed storage backend.
func New(opts Options) (*Backend, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Backend{redis: opts.Redis, prefix: prefix}, nil
}

// SaveInvocation implements storage.Backend.
func (b *Backend) SaveInvocation(ctx context.Context, rec storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis encode record %q: %w", rec.ID, err)
	}
	_, err = b.redis.TxPipelined(ctx, func(pipe redisdriver.Pipeliner) error {
		pipe.Set(ctx, b.recordKey(rec.ID), data, 0)
		pipe.SAdd(ctx, b.indexKey(), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save invocation %q: %w", rec.ID, err)
	}
	return nil
}

// LoadInvocation implements storage.Backend.
func (b *Backend) LoadInvocation(ctx context.Context, id string) (storage.Record, error) {
	data, err := b.redis.Get(ctx, b.recordKey(id)).Result()
	if errors.Is(err, redisdriver.Nil) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("redis load invocation %q: %w", id, err)
	}
	var rec storage.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return storage.Record{}, fmt.Errorf("redis decode record %q: %w", id, err)
	}
	return rec, nil
}

// ListInvocations implements storage.Backend.
func (b *Backend) ListInvocations(ctx context.Context) ([]storage.Record, error) {
	ids, err := b.redis.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list invocations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.recordKey(id)
	}
	vals, err := b.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list invocations: %w", err)
	}
	recs := make([]storage.Record, 0, len(vals))
	for i, val := range vals {
		// An id can linger in the index briefly after its record is
		// deleted; skip the hole instead of failing the listing.
		raw, ok := val.(string)
		if !ok {
			continue
		}
		var rec storage.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redis decode record %q: %w", ids[i], err)
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}

// DeleteInvocation implements storage.Backend.
func (b *Backend) DeleteInvocation(ctx context.Context, id string) error {
	removed, err := b.redis.SRem(ctx, b.indexKey(), id).Result()
	if err != nil {
		return fmt.Errorf("redis delete invocation %q: %w", id, err)
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	err = b.redis.Del(ctx,
		b.recordKey(id),
		b.eventsKey(id),
		b.checkpointOrderKey(id),
		b.checkpointDataKey(id),
	).Err()
	if err != nil {
		return fmt.Errorf("redis delete invocation %q: %w", id, err)
	}
	return nil
}

// AppendEvent implements storage.Backend.
func (b *Backend) AppendEvent(ctx context.Context, id string, ev eventlog.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis encode event %q seq %d: %w", id, ev.Seq, err)
	}
	if err := b.redis.RPush(ctx, b.eventsKey(id), data).Err(); err != nil {
		return fmt.Errorf("redis append event %q seq %d: %w", id, ev.Seq, err)
	}
	return nil
}

// ReadEvents implements storage.Backend.
func (b *Backend) ReadEvents(ctx context.Context, id string, sinceSeq uint64) ([]eventlog.Event, error) {
	raw, err := b.redis.LRange(ctx, b.eventsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read events %q: %w", id, err)
	}
	var events []eventlog.Event
	for _, item := range raw {
		var ev eventlog.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("redis decode event %q: %w", id, err)
		}
		if ev.Seq > sinceSeq {
			events = append(events, ev)
		}
	}
	return events, nil
}

// WriteCheckpoint implements storage.Backend. A step written again replaces
// its value but keeps its original position in the order list.
func (b *Backend) WriteCheckpoint(ctx context.Context, id string, entry journal.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis encode checkpoint %q step %q: %w", id, entry.StepID, err)
	}
	added, err := b.redis.HSetNX(ctx, b.checkpointDataKey(id), entry.StepID, data).Result()
	if err != nil {
		return fmt.Errorf("redis write checkpoint %q step %q: %w", id, entry.StepID, err)
	}
	if added {
		if err := b.redis.RPush(ctx, b.checkpointOrderKey(id), entry.StepID).Err(); err != nil {
			return fmt.Errorf("redis write checkpoint %q step %q: %w", id, entry.StepID, err)
		}
		return nil
	}
	if err := b.redis.HSet(ctx, b.checkpointDataKey(id), entry.StepID, data).Err(); err != nil {
		return fmt.Errorf("redis write checkpoint %q step %q: %w", id, entry.StepID, err)
	}
	return nil
}

// ReadCheckpoint implements storage.Backend.
func (b *Backend) ReadCheckpoint(ctx context.Context, id string, stepID string) (journal.Entry, error) {
	data, err := b.redis.HGet(ctx, b.checkpointDataKey(id), stepID).Result()
	if errors.Is(err, redisdriver.Nil) {
		return journal.Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return journal.Entry{}, fmt.Errorf("redis read checkpoint %q step %q: %w", id, stepID, err)
	}
	var entry journal.Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return journal.Entry{}, fmt.Errorf("redis decode checkpoint %q step %q: %w", id, stepID, err)
	}
	return entry, nil
}

// ListCheckpoints implements storage.Backend.
func (b *Backend) ListCheckpoints(ctx context.Context, id string) ([]journal.Entry, error) {
	stepIDs, err := b.redis.LRange(ctx, b.checkpointOrderKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list checkpoints %q: %w", id, err)
	}
	if len(stepIDs) == 0 {
		return nil, nil
	}
	vals, err := b.redis.HMGet(ctx, b.checkpointDataKey(id), stepIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list checkpoints %q: %w", id, err)
	}
	entries := make([]journal.Entry, 0, len(vals))
	for i, val := range vals {
		raw, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("redis list checkpoints %q: step %q missing data", id, stepIDs[i])
		}
		var entry journal.Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("redis decode checkpoint %q step %q: %w", id, stepIDs[i], err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Name implements health.Pinger.
func (b *Backend) Name() string { return pingerName }

// Ping implements health.Pinger.
func (b *Backend) Ping(ctx context.Context) error {
	return b.redis.Ping(ctx).Err()
}

// Close implements storage.Backend. It closes the Redis connection handed to
// New.
func (b *Backend) Close(ctx context.Context) error {
	return b.redis.Close()
}

func (b *Backend) indexKey() string {
	return b.prefix + ":invocations"
}

func (b *Backend) recordKey(id string) string {
	return fmt.Sprintf("%s:invocation:%s", b.prefix, id)
}

func (b *Backend) eventsKey(id string) string {
	return fmt.Sprintf("%s:events:%s", b.prefix, id)
}

func (b *Backend) checkpointOrderKey(id string) string {
	return fmt.Sprintf("%s:checkpoints:%s", b.prefix, id)
}

func (b *Backend) checkpointDataKey(id string) string {
	return fmt.Sprintf("%s:checkpoint-data:%s", b.prefix, id)
}
