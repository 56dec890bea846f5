package mongo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	clientsmongo "sunwell.dev/sunwell/features/subagent/mongo/clients/mongo"
	"sunwell.dev/sunwell/runtime/subagent"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.EqualError(t, err, "client is required")
}

func TestSaveDelegatesToClient(t *testing.T) {
	fake := &fakeClient{}
	snap := subagent.Snapshot{
		Version: subagent.SnapshotVersion,
		Runs:    map[string]*subagent.Record{"run-1": {RunID: "run-1"}},
	}
	store, err := NewStore(Options{Client: fake, Key: "primary"})
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), snap))
	require.Equal(t, "primary", fake.savedKey)
	require.Equal(t, snap.Version, fake.saved.Version)
	require.Len(t, fake.saved.Runs, 1)
}

func TestLoadDelegatesToClient(t *testing.T) {
	expected := subagent.Snapshot{
		Version: subagent.SnapshotVersion,
		Runs:    map[string]*subagent.Record{"run-1": {RunID: "run-1"}},
	}
	fake := &fakeClient{loaded: expected, found: true}
	store, err := NewStore(Options{Client: fake})
	require.NoError(t, err)

	actual, found, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, expected, actual)
	require.Equal(t, "registry", fake.loadedKey)
}

func TestLoadPropagatesClientError(t *testing.T) {
	fake := &fakeClient{loadErr: errors.New("connection reset")}
	store, err := NewStore(Options{Client: fake})
	require.NoError(t, err)

	_, _, err = store.Load(context.Background())
	require.EqualError(t, err, "connection reset")
}

func TestNewStoreFromMongoValidatesOptions(t *testing.T) {
	_, err := NewStoreFromMongo(clientsmongo.Options{})
	require.EqualError(t, err, "mongo client is required")
}

type fakeClient struct {
	savedKey  string
	saved     subagent.Snapshot
	saveErr   error
	loadedKey string
	loaded    subagent.Snapshot
	found     bool
	loadErr   error
}

func (f *fakeClient) Name() string                   { return "fake" }
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) SaveSnapshot(ctx context.Context, key string, snap subagent.Snapshot) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.savedKey = key
	f.saved = snap
	return nil
}

func (f *fakeClient) LoadSnapshot(ctx context.Context, key string) (subagent.Snapshot, bool, error) {
	if f.loadErr != nil {
		return subagent.Snapshot{}, false, f.loadErr
	}
	f.loadedKey = key
	return f.loaded, f.found, nil
}
