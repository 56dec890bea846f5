package mongo

import (
	"context"
	"errors"

	mongoc "sunwell.dev/sunwell/features/subagent/mongo/clients/mongo"
	"sunwell.dev/sunwell/runtime/subagent"
)

// defaultSnapshotKey names the snapshot document when the caller does not
// pick one. Deployments running several registries against one collection
// give each its own key.
const defaultSnapshotKey = "registry"

// Options configures the Mongo-backed snapshot store.
type Options struct {
	// Client is the low-level Mongo client. Required.
	Client mongoc.Client
	// Key identifies the snapshot document. Defaults to "registry".
	Key string
}

// Store implements subagent.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
	key    string
}

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	key := opts.Key
	if key == "" {
		key = defaultSnapshotKey
	}
	return &Store{client: opts.Client, key: key}, nil
}

// NewStoreFromMongo builds the low-level client from clientOpts and wraps it
// in a Store with the default snapshot key.
func NewStoreFromMongo(clientOpts mongoc.Options) (*Store, error) {
	client, err := mongoc.New(clientOpts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Save durably replaces the previous snapshot.
func (s *Store) Save(ctx context.Context, snap subagent.Snapshot) error {
	return s.client.SaveSnapshot(ctx, s.key, snap)
}

// Load retrieves the last saved snapshot. The second return is false when no
// snapshot has ever been saved under the store's key.
func (s *Store) Load(ctx context.Context) (subagent.Snapshot, bool, error) {
	return s.client.LoadSnapshot(ctx, s.key)
}
