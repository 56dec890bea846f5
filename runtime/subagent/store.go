package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SnapshotVersion identifies the persisted registry layout. Restore skips
// snapshots with any other version.
const SnapshotVersion = 1

type (
	// Snapshot is the full persisted registry state.
	Snapshot struct {
		Version int                `json:"version"`
		Runs    map[string]*Record `json:"runs"`
	}

	// Store persists registry snapshots. The file store below is the
	// default; features/subagent provides a Mongo-backed implementation
	// with the same contract.
	Store interface {
		// Save durably replaces the previous snapshot.
		Save(ctx context.Context, snap Snapshot) error
		// Load returns the last saved snapshot. The second return is false
		// when no snapshot has ever been saved.
		Load(ctx context.Context) (Snapshot, bool, error)
	}

	// FileStore persists snapshots as a JSON file, written to a temp file
	// and renamed so readers never observe a partial write.
	FileStore struct {
		path string
	}
)

// DefaultPath returns the conventional snapshot location under a workspace
// root: <workspace>/.sunwell/subagents/registry.json.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".sunwell", "subagents", "registry.json")
}

// NewFileStore returns a snapshot store backed by the given file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string { return s.path }

// Save implements Store.
func (s *FileStore) Save(_ context.Context, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("subagent: marshal snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("subagent: create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("subagent: create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("subagent: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("subagent: close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("subagent: rename snapshot: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context) (Snapshot, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("subagent: read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("subagent: decode snapshot: %w", err)
	}
	return snap, true, nil
}
