package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"sunwell.dev/sunwell/runtime/subagent"
)

func TestSaveAndLoadSnapshot(t *testing.T) {
	client := mustNewTestClient()
	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	beat := started.Add(20 * time.Second)
	ended := started.Add(time.Minute)

	snap := subagent.Snapshot{
		Version: subagent.SnapshotVersion,
		Runs: map[string]*subagent.Record{
			"run-b": {
				RunID:                    "run-b",
				ChildSessionID:           "sess-child-b",
				ParentSessionID:          "sess-root",
				Task:                     "Build the API server",
				Cleanup:                  subagent.CleanupDelete,
				Label:                    "api",
				SpawnDepth:               1,
				CreatedAt:                started,
				StartedAt:                &started,
				LastHeartbeat:            &beat,
				HeartbeatIntervalSeconds: 30,
				Progress:                 0.4,
				StatusMessage:            "compiling",
			},
			"run-a": {
				RunID:           "run-a",
				ChildSessionID:  "sess-child-a",
				ParentSessionID: "sess-root",
				Task:            "Write the schema",
				Cleanup:         subagent.CleanupKeep,
				SpawnDepth:      1,
				CreatedAt:       started,
				StartedAt:       &started,
				EndedAt:         &ended,
				Outcome:         subagent.OutcomeOK,
				Progress:        1,
			},
		},
	}
	require.NoError(t, client.SaveSnapshot(context.Background(), "registry", snap))

	loaded, found, err := client.LoadSnapshot(context.Background(), "registry")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, subagent.SnapshotVersion, loaded.Version)
	require.Len(t, loaded.Runs, 2)

	a := loaded.Runs["run-a"]
	require.NotNil(t, a)
	require.Equal(t, subagent.OutcomeOK, a.Outcome)
	require.Equal(t, subagent.CleanupKeep, a.Cleanup)
	require.NotNil(t, a.EndedAt)
	require.Equal(t, ended, a.EndedAt.UTC())

	b := loaded.Runs["run-b"]
	require.NotNil(t, b)
	require.Equal(t, "Build the API server", b.Task)
	require.True(t, b.IsRunning())
	require.NotNil(t, b.LastHeartbeat)
	require.Equal(t, beat, b.LastHeartbeat.UTC())
	require.Equal(t, 0.4, b.Progress)
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC()
	first := subagent.Snapshot{
		Version: subagent.SnapshotVersion,
		Runs: map[string]*subagent.Record{
			"run-1": {RunID: "run-1", ChildSessionID: "c1", ParentSessionID: "p", Task: "t1", CreatedAt: now},
			"run-2": {RunID: "run-2", ChildSessionID: "c2", ParentSessionID: "p", Task: "t2", CreatedAt: now},
		},
	}
	require.NoError(t, client.SaveSnapshot(context.Background(), "registry", first))

	second := subagent.Snapshot{
		Version: subagent.SnapshotVersion,
		Runs: map[string]*subagent.Record{
			"run-2": {RunID: "run-2", ChildSessionID: "c2", ParentSessionID: "p", Task: "t2", CreatedAt: now},
		},
	}
	require.NoError(t, client.SaveSnapshot(context.Background(), "registry", second))

	loaded, found, err := client.LoadSnapshot(context.Background(), "registry")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, loaded.Runs, 1)
	require.Nil(t, loaded.Runs["run-1"])
	require.NotNil(t, loaded.Runs["run-2"])
}

func TestSnapshotDocumentSortsRuns(t *testing.T) {
	doc := fromSnapshot("k", subagent.Snapshot{
		Version: 1,
		Runs: map[string]*subagent.Record{
			"run-c": {RunID: "run-c"},
			"run-a": {RunID: "run-a"},
			"run-b": {RunID: "run-b"},
			"nil":   nil,
		},
	})
	require.Equal(t, "k", doc.Key)
	require.Len(t, doc.Runs, 3)
	require.Equal(t, "run-a", doc.Runs[0].RunID)
	require.Equal(t, "run-b", doc.Runs[1].RunID)
	require.Equal(t, "run-c", doc.Runs[2].RunID)
	require.False(t, doc.UpdatedAt.IsZero())
}

func TestSaveValidation(t *testing.T) {
	client := mustNewTestClient()
	err := client.SaveSnapshot(context.Background(), "", subagent.Snapshot{})
	require.EqualError(t, err, "snapshot key is required")
}

func TestLoadMissingReturnsFalse(t *testing.T) {
	client := mustNewTestClient()
	snap, found, err := client.LoadSnapshot(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, snap.Runs)
}

func TestLoadRequiresKey(t *testing.T) {
	client := mustNewTestClient()
	_, _, err := client.LoadSnapshot(context.Background(), "")
	require.EqualError(t, err, "snapshot key is required")
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "mongo client is required")
	_, err = New(Options{Client: &mongodriver.Client{}})
	require.EqualError(t, err, "database name is required")
}

func mustNewTestClient() *client {
	fc := newFakeCollection()
	cl, err := newClientWithCollection(nil, fc, time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

type fakeCollection struct {
	mu   sync.Mutex
	docs map[string]snapshotDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]snapshotDocument)}
}

func (c *fakeCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := filter.(bson.M)["_id"].(string)
	doc, ok := c.docs[key]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeCollection) ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := filter.(bson.M)["_id"].(string)
	doc, ok := replacement.(snapshotDocument)
	if !ok {
		return nil, errors.New("unsupported replacement")
	}
	c.docs[key] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

type fakeSingleResult struct {
	doc *snapshotDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	target, ok := val.(*snapshotDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = *r.doc
	return nil
}
