package mongo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	clientsmongo "sunwell.dev/sunwell/features/subagent/mongo/clients/mongo"
	"sunwell.dev/sunwell/runtime/subagent"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
	setupMongoOnce     sync.Once
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

func TestStoreRoundTripMongo(t *testing.T) {
	setupMongoOnce.Do(setupMongoDB)
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}

	ctx := context.Background()
	cli, err := clientsmongo.New(clientsmongo.Options{
		Client:     testMongoClient,
		Database:   "sunwell_test",
		Collection: t.Name(),
	})
	require.NoError(t, err)
	require.NoError(t, cli.Ping(ctx))
	t.Cleanup(func() {
		_ = testMongoClient.Database("sunwell_test").Collection(t.Name()).Drop(ctx)
	})

	store, err := NewStore(Options{Client: cli, Key: "registry"})
	require.NoError(t, err)

	// Millisecond-precision times round-trip BSON datetimes exactly.
	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	beat := started.Add(20 * time.Second)
	ended := started.Add(time.Minute)

	snap := subagent.Snapshot{
		Version: subagent.SnapshotVersion,
		Runs: map[string]*subagent.Record{
			"run-running": {
				RunID:                    "run-running",
				ChildSessionID:           "sess-child-1",
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
			"run-done": {
				RunID:           "run-done",
				ChildSessionID:  "sess-child-2",
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
	require.NoError(t, store.Save(ctx, snap))

	// A fresh store over the same collection and key sees the saved state.
	store2, err := NewStore(Options{Client: cli, Key: "registry"})
	require.NoError(t, err)
	loaded, found, err := store2.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, subagent.SnapshotVersion, loaded.Version)
	require.Len(t, loaded.Runs, 2)

	running := loaded.Runs["run-running"]
	require.NotNil(t, running)
	require.True(t, running.IsRunning())
	require.Equal(t, "Build the API server", running.Task)
	require.NotNil(t, running.LastHeartbeat)
	require.True(t, running.LastHeartbeat.Equal(beat))
	require.Equal(t, 0.4, running.Progress)

	done := loaded.Runs["run-done"]
	require.NotNil(t, done)
	require.Equal(t, subagent.OutcomeOK, done.Outcome)
	require.NotNil(t, done.EndedAt)
	require.True(t, done.EndedAt.Equal(ended))

	// Saving a pruned snapshot replaces the document wholesale.
	delete(snap.Runs, "run-running")
	require.NoError(t, store.Save(ctx, snap))
	loaded, found, err = store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, loaded.Runs, 1)
	require.Nil(t, loaded.Runs["run-running"])

	// A store under a different key starts empty.
	other, err := NewStore(Options{Client: cli, Key: "secondary"})
	require.NoError(t, err)
	_, found, err = other.Load(ctx)
	require.NoError(t, err)
	require.False(t, found)
}
