// Package mongo hosts the MongoDB client used by the subagent snapshot store.
package mongo

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"sunwell.dev/sunwell/runtime/subagent"
)

const (
	defaultSnapshotsCollection = "subagent_snapshots"
	defaultOpTimeout           = 5 * time.Second
	snapshotClientName         = "subagent-mongo"
)

// Client exposes Mongo-backed operations for subagent registry snapshots.
type Client interface {
	health.Pinger

	SaveSnapshot(ctx context.Context, key string, snap subagent.Snapshot) error
	LoadSnapshot(ctx context.Context, key string) (subagent.Snapshot, bool, error)
}

// Options configures the Mongo snapshot client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB. Snapshot documents are keyed by
// _id, so no secondary indexes are needed.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultSnapshotsCollection
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	return newClientWithCollection(opts.Client, mongoCollection{coll: mcoll}, opts.Timeout)
}

func (c *client) Name() string {
	return snapshotClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// SaveSnapshot replaces the snapshot document stored under key, creating it
// on first save.
func (c *client) SaveSnapshot(ctx context.Context, key string, snap subagent.Snapshot) error {
	if key == "" {
		return errors.New("snapshot key is required")
	}
	doc := fromSnapshot(key, snap)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": key}
	_, err := c.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

// LoadSnapshot returns the snapshot stored under key. The second return is
// false when no document exists.
func (c *client) LoadSnapshot(ctx context.Context, key string) (subagent.Snapshot, bool, error) {
	if key == "" {
		return subagent.Snapshot{}, false, errors.New("snapshot key is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": key}
	var doc snapshotDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return subagent.Snapshot{}, false, nil
		}
		return subagent.Snapshot{}, false, err
	}
	return doc.toSnapshot(), true, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type snapshotDocument struct {
	Key       string        `bson:"_id"`
	Version   int           `bson:"version"`
	UpdatedAt time.Time     `bson:"updated_at"`
	Runs      []runDocument `bson:"runs"`
}

type runDocument struct {
	RunID                    string     `bson:"run_id"`
	ChildSessionID           string     `bson:"child_session_id"`
	ParentSessionID          string     `bson:"parent_session_id"`
	Task                     string     `bson:"task"`
	Cleanup                  string     `bson:"cleanup_policy"`
	Label                    string     `bson:"label,omitempty"`
	SpawnDepth               int        `bson:"spawn_depth"`
	CreatedAt                time.Time  `bson:"created_at"`
	StartedAt                *time.Time `bson:"started_at,omitempty"`
	EndedAt                  *time.Time `bson:"ended_at,omitempty"`
	Outcome                  string     `bson:"outcome,omitempty"`
	ErrorMessage             string     `bson:"error_message,omitempty"`
	LastHeartbeat            *time.Time `bson:"last_heartbeat,omitempty"`
	HeartbeatIntervalSeconds float64    `bson:"heartbeat_interval_seconds"`
	Progress                 float64    `bson:"progress"`
	StatusMessage            string     `bson:"status_message,omitempty"`
}

// fromSnapshot flattens the run map into a run_id-sorted array so repeated
// saves of the same state produce identical documents.
func fromSnapshot(key string, snap subagent.Snapshot) snapshotDocument {
	runs := make([]runDocument, 0, len(snap.Runs))
	for _, rec := range snap.Runs {
		if rec == nil {
			continue
		}
		runs = append(runs, fromRecord(rec))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
	return snapshotDocument{
		Key:       key,
		Version:   snap.Version,
		UpdatedAt: time.Now().UTC(),
		Runs:      runs,
	}
}

func (doc snapshotDocument) toSnapshot() subagent.Snapshot {
	runs := make(map[string]*subagent.Record, len(doc.Runs))
	for _, rd := range doc.Runs {
		rec := rd.toRecord()
		runs[rec.RunID] = rec
	}
	return subagent.Snapshot{Version: doc.Version, Runs: runs}
}

func fromRecord(rec *subagent.Record) runDocument {
	return runDocument{
		RunID:                    rec.RunID,
		ChildSessionID:           rec.ChildSessionID,
		ParentSessionID:          rec.ParentSessionID,
		Task:                     rec.Task,
		Cleanup:                  string(rec.Cleanup),
		Label:                    rec.Label,
		SpawnDepth:               rec.SpawnDepth,
		CreatedAt:                rec.CreatedAt.UTC(),
		StartedAt:                utcPtr(rec.StartedAt),
		EndedAt:                  utcPtr(rec.EndedAt),
		Outcome:                  string(rec.Outcome),
		ErrorMessage:             rec.ErrorMessage,
		LastHeartbeat:            utcPtr(rec.LastHeartbeat),
		HeartbeatIntervalSeconds: rec.HeartbeatIntervalSeconds,
		Progress:                 rec.Progress,
		StatusMessage:            rec.StatusMessage,
	}
}

func (rd runDocument) toRecord() *subagent.Record {
	return &subagent.Record{
		RunID:                    rd.RunID,
		ChildSessionID:           rd.ChildSessionID,
		ParentSessionID:          rd.ParentSessionID,
		Task:                     rd.Task,
		Cleanup:                  subagent.CleanupPolicy(rd.Cleanup),
		Label:                    rd.Label,
		SpawnDepth:               rd.SpawnDepth,
		CreatedAt:                rd.CreatedAt,
		StartedAt:                rd.StartedAt,
		EndedAt:                  rd.EndedAt,
		Outcome:                  subagent.Outcome(rd.Outcome),
		ErrorMessage:             rd.ErrorMessage,
		LastHeartbeat:            rd.LastHeartbeat,
		HeartbeatIntervalSeconds: rd.HeartbeatIntervalSeconds,
		Progress:                 rd.Progress,
		StatusMessage:            rd.StatusMessage,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}
