// Package mongo implements storage.Backend on MongoDB. Invocations, events,
// and checkpoints live in three collections; unique indexes on
// (invocation_id, seq) and (invocation_id, step_id) keep event numbering and
// checkpoint steps collision-free across writers.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"tactus.dev/tactus/runtime/procedure/eventlog"
	"tactus.dev/tactus/runtime/procedure/journal"
	"tactus.dev/tactus/runtime/procedure/storage"
)

type (
	// Options configures the MongoDB backend.
	Options struct {
		// Client is the connected MongoDB client. Required. The backend
		// owns it from then on; Close disconnects it.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Invocations, Events, and Checkpoints override the collection
		// names. Defaults: "invocations", "invocation_events",
		// "invocation_checkpoints".
		Invocations string
		Events      string
		Checkpoints string
		// Timeout bounds each storage operation. Defaults to 5s.
		Timeout time.Duration
	}

	// Backend persists invocations in MongoDB.
	Backend struct {
		client      *mongodriver.Client
		invocations *mongodriver.Collection
		events      *mongodriver.Collection
		checkpoints *mongodriver.Collection
		timeout     time.Duration
	}

	recordDocument struct {
		ID         string     `bson:"_id"`
		Procedure  string     `bson:"procedure"`
		Version    string     `bson:"version,omitempty"`
		ParentID   string     `bson:"parent_id,omitempty"`
		Params     []byte     `bson:"params,omitempty"`
		Status     string     `bson:"status"`
		Stage      string     `bson:"stage,omitempty"`
		State      []byte     `bson:"state,omitempty"`
		Result     []byte     `bson:"result,omitempty"`
		ErrorKind  string     `bson:"error_kind,omitempty"`
		Error      string     `bson:"error,omitempty"`
		Iterations int        `bson:"iterations"`
		EventSeq   int64      `bson:"event_seq"`
		CreatedAt  time.Time  `bson:"created_at"`
		UpdatedAt  time.Time  `bson:"updated_at"`
		FinishedAt *time.Time `bson:"finished_at,omitempty"`
	}

	eventDocument struct {
		InvocationID string    `bson:"invocation_id"`
		Seq          int64     `bson:"seq"`
		Type         string    `bson:"type"`
		Timestamp    time.Time `bson:"timestamp"`
		Payload      []byte    `bson:"payload,omitempty"`
	}

	checkpointDocument struct {
		InvocationID string    `bson:"invocation_id"`
		StepID       string    `bson:"step_id"`
		Kind         string    `bson:"kind"`
		Value        []byte    `bson:"value,omitempty"`
		WrittenAt    time.Time `bson:"written_at"`
	}
)

const (
	defaultInvocations = "invocations"
	defaultEvents      = "invocation_events"
	defaultCheckpoints = "invocation_checkpoints"
	defaultTimeout     = 5 * time.Second
	pingerName         = "storage-mongo"
)

var (
	_ storage.Backend = (*Backend)(nil)
	_ health.Pinger   = (*Backend)(nil)
)

// New constructs a MongoDB-backed storage backend and ensures its indexes.
func New(opts Options) (*Backend, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	invocations := opts.Invocations
	if invocations == "" {
		invocations = defaultInvocations
	}
	events := opts.Events
	if events == "" {
		events = defaultEvents
	}
	checkpoints := opts.Checkpoints
	if checkpoints == "" {
		checkpoints = defaultCheckpoints
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	b := &Backend{
		client:      opts.Client,
		invocations: db.Collection(invocations),
		events:      db.Collection(events),
		checkpoints: db.Collection(checkpoints),
		timeout:     timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := b.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureIndexes(ctx context.Context) error {
	_, err := b.events.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "invocation_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb create event index: %w", err)
	}
	_, err = b.checkpoints.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "invocation_id", Value: 1}, {Key: "step_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb create checkpoint index: %w", err)
	}
	return nil
}

// SaveInvocation implements storage.Backend.
func (b *Backend) SaveInvocation(ctx context.Context, rec storage.Record) error {
	doc, err := toRecordDocument(rec)
	if err != nil {
		return err
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err = b.invocations.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb save invocation %q: %w", rec.ID, err)
	}
	return nil
}

// LoadInvocation implements storage.Backend.
func (b *Backend) LoadInvocation(ctx context.Context, id string) (storage.Record, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var doc recordDocument
	err := b.invocations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("mongodb load invocation %q: %w", id, err)
	}
	return fromRecordDocument(doc)
}

// ListInvocations implements storage.Backend.
func (b *Backend) ListInvocations(ctx context.Context) ([]storage.Record, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	cursor, err := b.invocations.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list invocations: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []recordDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list invocations decode: %w", err)
	}
	recs := make([]storage.Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := fromRecordDocument(doc)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// DeleteInvocation implements storage.Backend.
func (b *Backend) DeleteInvocation(ctx context.Context, id string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	res, err := b.invocations.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete invocation %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	if _, err := b.events.DeleteMany(ctx, bson.M{"invocation_id": id}); err != nil {
		return fmt.Errorf("mongodb delete events %q: %w", id, err)
	}
	if _, err := b.checkpoints.DeleteMany(ctx, bson.M{"invocation_id": id}); err != nil {
		return fmt.Errorf("mongodb delete checkpoints %q: %w", id, err)
	}
	return nil
}

// AppendEvent implements storage.Backend.
func (b *Backend) AppendEvent(ctx context.Context, id string, ev eventlog.Event) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	doc := eventDocument{
		InvocationID: id,
		Seq:          int64(ev.Seq),
		Type:         string(ev.Type),
		Timestamp:    ev.Timestamp.UTC(),
		Payload:      append([]byte(nil), ev.Payload...),
	}
	if _, err := b.events.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb append event %q seq %d: %w", id, ev.Seq, err)
	}
	return nil
}

// ReadEvents implements storage.Backend.
func (b *Backend) ReadEvents(ctx context.Context, id string, sinceSeq uint64) ([]eventlog.Event, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"invocation_id": id, "seq": bson.M{"$gt": int64(sinceSeq)}}
	cursor, err := b.events.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb read events %q: %w", id, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb read events %q decode: %w", id, err)
	}
	var events []eventlog.Event
	for _, doc := range docs {
		events = append(events, eventlog.Event{
			InvocationID: doc.InvocationID,
			Seq:          uint64(doc.Seq),
			Type:         eventlog.Type(doc.Type),
			Timestamp:    doc.Timestamp,
			Payload:      append(json.RawMessage(nil), doc.Payload...),
		})
	}
	return events, nil
}

// WriteCheckpoint implements storage.Backend. A step written again replaces
// its value and keeps its original document, so listing order is first-write
// order.
func (b *Backend) WriteCheckpoint(ctx context.Context, id string, entry journal.Entry) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	doc := checkpointDocument{
		InvocationID: id,
		StepID:       entry.StepID,
		Kind:         entry.Kind,
		Value:        append([]byte(nil), entry.Value...),
		WrittenAt:    entry.WrittenAt.UTC(),
	}
	filter := bson.M{"invocation_id": id, "step_id": entry.StepID}
	_, err := b.checkpoints.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb write checkpoint %q step %q: %w", id, entry.StepID, err)
	}
	return nil
}

// ReadCheckpoint implements storage.Backend.
func (b *Backend) ReadCheckpoint(ctx context.Context, id string, stepID string) (journal.Entry, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var doc checkpointDocument
	err := b.checkpoints.FindOne(ctx, bson.M{"invocation_id": id, "step_id": stepID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return journal.Entry{}, storage.ErrNotFound
	}
	if err != nil {
		return journal.Entry{}, fmt.Errorf("mongodb read checkpoint %q step %q: %w", id, stepID, err)
	}
	return fromCheckpointDocument(doc), nil
}

// ListCheckpoints implements storage.Backend.
func (b *Backend) ListCheckpoints(ctx context.Context, id string) ([]journal.Entry, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	cursor, err := b.checkpoints.Find(ctx, bson.M{"invocation_id": id}, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list checkpoints %q: %w", id, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []checkpointDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list checkpoints %q decode: %w", id, err)
	}
	var entries []journal.Entry
	for _, doc := range docs {
		entries = append(entries, fromCheckpointDocument(doc))
	}
	return entries, nil
}

// Name implements health.Pinger.
func (b *Backend) Name() string { return pingerName }

// Ping implements health.Pinger.
func (b *Backend) Ping(ctx context.Context) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.client.Ping(ctx, readpref.Primary())
}

// Close implements storage.Backend. It disconnects the client handed to New.
func (b *Backend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// toRecordDocument converts a record for persistence. Params, State, and
// Result travel as JSON bytes so their shapes round-trip exactly instead of
// picking up BSON decoding artifacts.
func toRecordDocument(rec storage.Record) (recordDocument, error) {
	doc := recordDocument{
		ID:         rec.ID,
		Procedure:  rec.Procedure,
		Version:    rec.Version,
		ParentID:   rec.ParentID,
		Status:     string(rec.Status),
		Stage:      rec.Stage,
		ErrorKind:  rec.ErrorKind,
		Error:      rec.Error,
		Iterations: rec.Iterations,
		EventSeq:   int64(rec.EventSeq),
		CreatedAt:  rec.CreatedAt.UTC(),
		UpdatedAt:  rec.UpdatedAt.UTC(),
	}
	if rec.FinishedAt != nil {
		finished := rec.FinishedAt.UTC()
		doc.FinishedAt = &finished
	}
	if rec.Params != nil {
		data, err := json.Marshal(rec.Params)
		if err != nil {
			return recordDocument{}, fmt.Errorf("mongodb encode params %q: %w", rec.ID, err)
		}
		doc.Params = data
	}
	if rec.State != nil {
		data, err := json.Marshal(rec.State)
		if err != nil {
			return recordDocument{}, fmt.Errorf("mongodb encode state %q: %w", rec.ID, err)
		}
		doc.State = data
	}
	if rec.Result != nil {
		data, err := json.Marshal(rec.Result)
		if err != nil {
			return recordDocument{}, fmt.Errorf("mongodb encode result %q: %w", rec.ID, err)
		}
		doc.Result = data
	}
	return doc, nil
}

func fromRecordDocument(doc recordDocument) (storage.Record, error) {
	rec := storage.Record{
		ID:         doc.ID,
		Procedure:  doc.Procedure,
		Version:    doc.Version,
		ParentID:   doc.ParentID,
		Status:     storage.Status(doc.Status),
		Stage:      doc.Stage,
		ErrorKind:  doc.ErrorKind,
		Error:      doc.Error,
		Iterations: doc.Iterations,
		EventSeq:   uint64(doc.EventSeq),
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
		FinishedAt: doc.FinishedAt,
	}
	if len(doc.Params) > 0 {
		if err := json.Unmarshal(doc.Params, &rec.Params); err != nil {
			return storage.Record{}, fmt.Errorf("mongodb decode params %q: %w", doc.ID, err)
		}
	}
	if len(doc.State) > 0 {
		if err := json.Unmarshal(doc.State, &rec.State); err != nil {
			return storage.Record{}, fmt.Errorf("mongodb decode state %q: %w", doc.ID, err)
		}
	}
	if len(doc.Result) > 0 {
		if err := json.Unmarshal(doc.Result, &rec.Result); err != nil {
			return storage.Record{}, fmt.Errorf("mongodb decode result %q: %w", doc.ID, err)
		}
	}
	return rec, nil
}

func fromCheckpointDocument(doc checkpointDocument) journal.Entry {
	return journal.Entry{
		StepID:    doc.StepID,
		Kind:      doc.Kind,
		Value:     append(json.RawMessage(nil), doc.Value...),
		WrittenAt: doc.WrittenAt,
	}
}
