// Package cache provides the durable, content-addressed execution cache the
// incremental executor consults before building artifacts. Entries are keyed
// by input hash and carry full provenance (goal, run, duration, model) so
// prior work is auditable as well as reusable.
//
// Storage is an embedded SQLite database opened in WAL mode, single-writer
// multi-reader. The database lives at <workspace>/.sunwell/cache/execution.db
// by default.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"sunwell.dev/sunwell/runtime/telemetry"
)

// schemaVersion identifies the on-disk layout. A mismatch on open drops and
// rebuilds the tables; the journal-backed memory system is the source of
// truth for anything that must survive a rebuild, the execution cache is not.
const schemaVersion = 1

// Status records whether a cached execution succeeded.
type Status string

const (
	// StatusSuccess marks an execution whose output may be reused.
	StatusSuccess Status = "success"

	// StatusFailed marks an execution that failed; used for retry cooldown
	// decisions.
	StatusFailed Status = "failed"
)

type (
	// Entry is one cached execution, keyed by (ArtifactID, InputHash).
	Entry struct {
		// ArtifactID identifies the artifact this execution built.
		ArtifactID string
		// InputHash is the SHA-256 over the artifact spec, sorted dependency
		// output hashes, and tool-version stamp.
		InputHash string
		// OutputHash is the SHA-256 over the produced contents. Empty for
		// failed executions.
		OutputHash string
		// Status is success or failed.
		Status Status
		// GoalHash groups executions under the top-level goal that caused
		// them.
		GoalHash string
		// RunID identifies the subagent run that produced the entry.
		RunID string
		// Duration is the execution wall-clock time.
		Duration time.Duration
		// Timestamp is when the entry was recorded. Non-decreasing within a
		// store instance.
		Timestamp time.Time
		// ModelID identifies the model that performed the work.
		ModelID string
		// InvalidatedAt is set when the entry was explicitly invalidated.
		// Invalidated entries never satisfy lookups but remain for audit.
		InvalidatedAt *time.Time
	}

	// Stats summarizes cache effectiveness. Hits and misses count lookups
	// served by this store instance; entries and last update come from disk.
	Stats struct {
		Entries     int64
		Hits        int64
		Misses      int64
		LastUpdated time.Time
	}

	// Store is the SQLite-backed execution cache. Safe for concurrent use:
	// reads go straight to the database, writes serialize on an internal
	// mutex on top of SQLite's own transaction locking.
	Store struct {
		db   *sql.DB
		log  telemetry.Logger
		now  func() time.Time
		path string

		hits   atomic.Int64
		misses atomic.Int64

		mu     sync.Mutex
		lastTS time.Time
	}

	// StoreOption customizes store construction.
	StoreOption func(*Store)
)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log telemetry.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// DefaultPath returns the conventional cache location under a workspace
// root: <workspace>/.sunwell/cache/execution.db.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".sunwell", "cache", "execution.db")
}

// Open opens (creating if needed) the execution cache at path. The parent
// directory is created, the database is switched to WAL mode for
// multi-process reads, and the schema is migrated or rebuilt as needed.
func Open(ctx context.Context, path string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("cache: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open database: %w", err)
	}
	s := &Store{
		db:   db,
		log:  telemetry.NewNoopLogger(),
		now:  time.Now,
		path: path,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: %s: %w", pragma, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("cache: create schema_version: %w", err)
	}
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("cache: record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("cache: read schema version: %w", err)
	case version.Int64 != schemaVersion:
		s.log.Warn(ctx, "cache schema mismatch, rebuilding",
			"found", version.Int64, "want", schemaVersion, "path", s.path)
		if err := s.rebuild(ctx); err != nil {
			return err
		}
	}
	return s.createTables(ctx)
}

func (s *Store) rebuild(ctx context.Context) error {
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS executions`,
		`DROP TABLE IF EXISTS goal_executions`,
		`DELETE FROM schema_version`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("cache: rebuild: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return fmt.Errorf("cache: record schema version: %w", err)
	}
	return nil
}

func (s *Store) createTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS executions (
		input_hash     TEXT PRIMARY KEY,
		artifact_id    TEXT NOT NULL,
		output_hash    TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		goal_hash      TEXT NOT NULL DEFAULT '',
		run_id         TEXT NOT NULL DEFAULT '',
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		timestamp      TEXT NOT NULL,
		model_id       TEXT NOT NULL DEFAULT '',
		invalidated_at TEXT
	);
	CREATE INDEX IF NOT EXISTS index_artifact_id ON executions(artifact_id);
	CREATE INDEX IF NOT EXISTS index_goal_hash ON executions(goal_hash);
	CREATE TABLE IF NOT EXISTS goal_executions (
		goal_hash   TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		PRIMARY KEY (goal_hash, artifact_id)
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("cache: create tables: %w", err)
	}
	return nil
}

// Lookup returns the entry for (artifactID, inputHash) if one exists and has
// not been invalidated. The second return reports whether the lookup hit.
func (s *Store) Lookup(ctx context.Context, artifactID, inputHash string) (*Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT input_hash, artifact_id, output_hash, status, goal_hash, run_id,
		       duration_ms, timestamp, model_id, invalidated_at
		FROM executions
		WHERE input_hash = ? AND artifact_id = ? AND invalidated_at IS NULL`,
		inputHash, artifactID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		s.misses.Add(1)
		return nil, false, fmt.Errorf("cache: lookup %s: %w", artifactID, err)
	}
	s.hits.Add(1)
	return entry, true, nil
}

// Record upserts an execution entry. Upsert semantics follow the cache
// invariants: at most one entry per input hash, and a failed result never
// replaces a healthy success; it takes an explicit Invalidate first. A
// blocked overwrite is a silent no-op.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ArtifactID == "" || e.InputHash == "" {
		return fmt.Errorf("cache: record: artifact ID and input hash are required")
	}
	if e.Status != StatusSuccess && e.Status != StatusFailed {
		return fmt.Errorf("cache: record: unknown status %q", e.Status)
	}
	ts := s.nextTimestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (
			input_hash, artifact_id, output_hash, status, goal_hash, run_id,
			duration_ms, timestamp, model_id, invalidated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(input_hash) DO UPDATE SET
			artifact_id    = excluded.artifact_id,
			output_hash    = excluded.output_hash,
			status         = excluded.status,
			goal_hash      = excluded.goal_hash,
			run_id         = excluded.run_id,
			duration_ms    = excluded.duration_ms,
			timestamp      = excluded.timestamp,
			model_id       = excluded.model_id,
			invalidated_at = NULL
		WHERE NOT (executions.status = 'success'
			AND excluded.status = 'failed'
			AND executions.invalidated_at IS NULL)`,
		e.InputHash, e.ArtifactID, e.OutputHash, string(e.Status), e.GoalHash,
		e.RunID, e.Duration.Milliseconds(), ts.Format(time.RFC3339Nano), e.ModelID,
	)
	if err != nil {
		return fmt.Errorf("cache: record %s: %w", e.ArtifactID, err)
	}
	return nil
}

// Invalidate timestamp-marks every entry for the artifact so subsequent
// lookups miss. Entries are kept for audit, not deleted. Returns the number
// of entries marked.
func (s *Store) Invalidate(ctx context.Context, artifactID string) (int64, error) {
	ts := s.nextTimestamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET invalidated_at = ?
		WHERE artifact_id = ? AND invalidated_at IS NULL`,
		ts.Format(time.RFC3339Nano), artifactID)
	if err != nil {
		return 0, fmt.Errorf("cache: invalidate %s: %w", artifactID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cache: invalidate %s: %w", artifactID, err)
	}
	return n, nil
}

// RecordGoalExecution associates artifacts with the goal that produced them,
// enabling goal-to-artifacts queries. Idempotent.
func (s *Store) RecordGoalExecution(ctx context.Context, goalHash string, artifactIDs []string) error {
	if goalHash == "" || len(artifactIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: record goal execution: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range artifactIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO goal_executions (goal_hash, artifact_id) VALUES (?, ?)`,
			goalHash, id); err != nil {
			return fmt.Errorf("cache: record goal execution %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ArtifactsForGoal lists the artifact IDs recorded for a goal, sorted.
func (s *Store) ArtifactsForGoal(ctx context.Context, goalHash string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT artifact_id FROM goal_executions WHERE goal_hash = ? ORDER BY artifact_id`,
		goalHash)
	if err != nil {
		return nil, fmt.Errorf("cache: artifacts for goal: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("cache: artifacts for goal: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: artifacts for goal: %w", err)
	}
	return out, nil
}

// Stats reports entry count from disk plus this instance's hit/miss
// counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MAX(timestamp), '') FROM executions`)
	var last string
	if err := row.Scan(&stats.Entries, &last); err != nil {
		return Stats{}, fmt.Errorf("cache: stats: %w", err)
	}
	if last != "" {
		if ts, err := time.Parse(time.RFC3339Nano, last); err == nil {
			stats.LastUpdated = ts
		}
	}
	return stats, nil
}

// nextTimestamp returns a wall-clock timestamp that never moves backwards
// within this store instance, preserving the ordering invariant even when
// the system clock steps.
func (s *Store) nextTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts
	return ts
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e           Entry
		status      string
		durationMS  int64
		ts          string
		invalidated sql.NullString
	)
	if err := row.Scan(&e.InputHash, &e.ArtifactID, &e.OutputHash, &status,
		&e.GoalHash, &e.RunID, &durationMS, &ts, &e.ModelID, &invalidated); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.Duration = time.Duration(durationMS) * time.Millisecond
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp %q: %w", ts, err)
	}
	e.Timestamp = parsed
	if invalidated.Valid {
		iv, err := time.Parse(time.RFC3339Nano, invalidated.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt invalidated_at %q: %w", invalidated.String, err)
		}
		e.InvalidatedAt = &iv
	}
	return &e, nil
}
