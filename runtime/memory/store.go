package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"sunwell.dev/sunwell/runtime/telemetry"
)

// storeSchemaVersion identifies the learning cache layout. A mismatch on
// open drops the derived tables and rebuilds them from the journal, which
// is always safe because the journal is the source of truth.
const storeSchemaVersion = 1

// DefaultQueryLimit applies when a query is issued with a non-positive
// limit.
const DefaultQueryLimit = 20

type (
	// Store is the memory system: the journal it owns plus the SQLite
	// learning cache derived from it. All writes go journal-first. Safe for
	// concurrent use.
	Store struct {
		db      *sql.DB
		journal *Journal
		log     telemetry.Logger
		now     func() time.Time
		dir     string

		mu         sync.Mutex
		indexDirty bool
	}

	// Option customizes store construction.
	Option func(*Store)

	// ScoredLearning pairs a learning with its BM25 relevance score.
	ScoredLearning struct {
		Entry LearningEntry
		Score float64
	}
)

// WithLogger sets the structured logger, shared with the owned journal.
func WithLogger(log telemetry.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// DefaultDir returns the conventional memory directory under a workspace
// root: <workspace>/.sunwell/memory.
func DefaultDir(workspace string) string {
	return filepath.Join(workspace, ".sunwell", "memory")
}

// Open opens the memory system rooted at dir: journal.jsonl, learnings.db
// and briefing.json all live there. The learning cache is created or
// migrated as needed and then reconciled from the journal, so a Store is
// always consistent with its journal after Open returns.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("memory: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "learnings.db"))
	if err != nil {
		return nil, fmt.Errorf("memory: open learning cache: %w", err)
	}
	s := &Store{
		db:  db,
		log: telemetry.NewNoopLogger(),
		now: time.Now,
		dir: dir,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.journal = NewJournal(filepath.Join(dir, "journal.jsonl"),
		WithJournalLogger(s.log), WithJournalClock(s.now))

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("memory: %s: %w", pragma, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := s.SyncFromJournal(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Journal returns the owned journal, the memory system's source of truth.
func (s *Store) Journal() *Journal { return s.journal }

// Dir returns the memory directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("memory: create schema_version: %w", err)
	}
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, storeSchemaVersion); err != nil {
			return fmt.Errorf("memory: record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("memory: read schema version: %w", err)
	case version.Int64 != storeSchemaVersion:
		s.log.Warn(ctx, "learning cache schema mismatch, rebuilding",
			"found", version.Int64, "want", storeSchemaVersion)
		if err := s.dropDerivedTables(ctx); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, storeSchemaVersion); err != nil {
			return fmt.Errorf("memory: record schema version: %w", err)
		}
	}
	return s.createTables(ctx)
}

func (s *Store) dropDerivedTables(ctx context.Context) error {
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS learnings`,
		`DROP TABLE IF EXISTS entities`,
		`DROP TABLE IF EXISTS learning_entities`,
		`DROP TABLE IF EXISTS bm25_index`,
		`DROP TABLE IF EXISTS bm25_metadata`,
		`DELETE FROM schema_version`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("memory: drop derived tables: %w", err)
		}
	}
	return nil
}

func (s *Store) createTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS learnings (
		id          TEXT PRIMARY KEY,
		fact        TEXT NOT NULL,
		category    TEXT NOT NULL,
		confidence  REAL NOT NULL,
		timestamp   TEXT NOT NULL,
		source_file TEXT NOT NULL DEFAULT '',
		source_line INTEGER NOT NULL DEFAULT 0,
		doc_length  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS index_learning_category ON learnings(category);
	CREATE INDEX IF NOT EXISTS index_learning_timestamp ON learnings(timestamp);
	CREATE INDEX IF NOT EXISTS index_learning_confidence ON learnings(confidence);
	CREATE TABLE IF NOT EXISTS entities (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);
	CREATE TABLE IF NOT EXISTS learning_entities (
		learning_id TEXT NOT NULL,
		entity_id   INTEGER NOT NULL,
		PRIMARY KEY (learning_id, entity_id)
	);
	CREATE TABLE IF NOT EXISTS bm25_index (
		term        TEXT NOT NULL,
		learning_id TEXT NOT NULL,
		tf          INTEGER NOT NULL,
		PRIMARY KEY (term, learning_id)
	);
	CREATE TABLE IF NOT EXISTS bm25_metadata (
		id             INTEGER PRIMARY KEY CHECK (id = 1),
		avg_doc_length REAL NOT NULL,
		total_docs     INTEGER NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("memory: create tables: %w", err)
	}
	return nil
}

// Add records one learning: journal append first, then cache insert. The
// returned entry carries the derived ID and timestamp.
func (s *Store) Add(ctx context.Context, e LearningEntry) (LearningEntry, error) {
	out, err := s.AddBatch(ctx, []LearningEntry{e})
	if err != nil {
		return LearningEntry{}, err
	}
	return out[0], nil
}

// AddBatch records several learnings as one journal batch and one cache
// transaction.
func (s *Store) AddBatch(ctx context.Context, entries []LearningEntry) ([]LearningEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	written, err := s.journal.Append(ctx, entries...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: add batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, e := range written {
		if err := upsertLearning(ctx, tx, e); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("memory: add batch: %w", err)
	}
	s.indexDirty = true
	return written, nil
}

// upsertLearning merges e into the cache with the same semantics as the
// journal load: highest confidence wins, earliest timestamp is retained.
// Entity links are refreshed whenever the stored fact changes.
func upsertLearning(ctx context.Context, tx *sql.Tx, e LearningEntry) error {
	existing, found, err := lookupLearningTx(ctx, tx, e.ID)
	if err != nil {
		return err
	}
	if found {
		merged := mergeDuplicate(existing, e)
		if merged == existing {
			return nil
		}
		e = merged
		if _, err := tx.ExecContext(ctx, `
			UPDATE learnings SET fact = ?, category = ?, confidence = ?,
				timestamp = ?, source_file = ?, source_line = ?, doc_length = ?
			WHERE id = ?`,
			e.Fact, e.Category, e.Confidence, e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.SourceFile, e.SourceLine, len(tokenize(e.Fact)), e.ID); err != nil {
			return fmt.Errorf("memory: update learning %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM learning_entities WHERE learning_id = ?`, e.ID); err != nil {
			return fmt.Errorf("memory: relink learning %s: %w", e.ID, err)
		}
		return linkEntities(ctx, tx, e)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO learnings (id, fact, category, confidence, timestamp,
			source_file, source_line, doc_length)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Fact, e.Category, e.Confidence, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.SourceFile, e.SourceLine, len(tokenize(e.Fact))); err != nil {
		return fmt.Errorf("memory: insert learning %s: %w", e.ID, err)
	}
	return linkEntities(ctx, tx, e)
}

// entityPattern matches candidate entity tokens: path-ish or identifier-ish
// strings. Plain words are filtered out afterwards.
var entityPattern = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9_./-]{2,}`)

// extractEntities pulls referenced entities out of a learning: file paths,
// artifact IDs, identifiers. A token counts as an entity when it carries
// structure (a separator character), which excludes ordinary prose words.
func extractEntities(e LearningEntry) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		name = strings.TrimRight(name, "./_-")
		if len(name) < 3 || !strings.ContainsAny(name, "./_-") || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, tok := range entityPattern.FindAllString(e.Fact, -1) {
		add(tok)
	}
	if e.SourceFile != "" {
		add(e.SourceFile)
	}
	return out
}

func linkEntities(ctx context.Context, tx *sql.Tx, e LearningEntry) error {
	for _, name := range extractEntities(e) {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entities (name) VALUES (?)`, name); err != nil {
			return fmt.Errorf("memory: record entity %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO learning_entities (learning_id, entity_id)
			SELECT ?, id FROM entities WHERE name = ?`, e.ID, name); err != nil {
			return fmt.Errorf("memory: link entity %q: %w", name, err)
		}
	}
	return nil
}

// GetByCategory returns learnings in a category, most recent first.
func (s *Store) GetByCategory(ctx context.Context, category string, limit int) ([]LearningEntry, error) {
	return s.queryLearnings(ctx, `
		SELECT id, fact, category, confidence, timestamp, source_file, source_line
		FROM learnings WHERE category = ?
		ORDER BY timestamp DESC, id LIMIT ?`, category, normalizeLimit(limit))
}

// GetRecent returns the most recently recorded learnings.
func (s *Store) GetRecent(ctx context.Context, limit int) ([]LearningEntry, error) {
	return s.queryLearnings(ctx, `
		SELECT id, fact, category, confidence, timestamp, source_file, source_line
		FROM learnings
		ORDER BY timestamp DESC, id LIMIT ?`, normalizeLimit(limit))
}

// GetHighConfidence returns learnings at or above the confidence floor,
// most confident first.
func (s *Store) GetHighConfidence(ctx context.Context, min float64, limit int) ([]LearningEntry, error) {
	return s.queryLearnings(ctx, `
		SELECT id, fact, category, confidence, timestamp, source_file, source_line
		FROM learnings WHERE confidence >= ?
		ORDER BY confidence DESC, timestamp DESC, id LIMIT ?`, min, normalizeLimit(limit))
}

// SearchFacts returns learnings whose fact contains the query as a
// case-insensitive substring, most recent first. For ranked retrieval use
// BM25QueryFast.
func (s *Store) SearchFacts(ctx context.Context, query string, limit int) ([]LearningEntry, error) {
	if query == "" {
		return nil, nil
	}
	return s.queryLearnings(ctx, `
		SELECT id, fact, category, confidence, timestamp, source_file, source_line
		FROM learnings WHERE instr(lower(fact), lower(?)) > 0
		ORDER BY timestamp DESC, id LIMIT ?`, query, normalizeLimit(limit))
}

// LearningsForEntity returns learnings linked to a named entity, most
// recent first.
func (s *Store) LearningsForEntity(ctx context.Context, name string, limit int) ([]LearningEntry, error) {
	return s.queryLearnings(ctx, `
		SELECT l.id, l.fact, l.category, l.confidence, l.timestamp, l.source_file, l.source_line
		FROM learnings l
		JOIN learning_entities le ON le.learning_id = l.id
		JOIN entities e ON e.id = le.entity_id
		WHERE e.name = ?
		ORDER BY l.timestamp DESC, l.id LIMIT ?`, name, normalizeLimit(limit))
}

// Len returns the number of cached learnings.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learnings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("memory: count learnings: %w", err)
	}
	return n, nil
}

// SyncFromJournal reconciles the cache from the journal. New and revised
// journal entries are merged in; a cache row whose ID is absent from the
// journal means the cache has diverged from the source of truth, which
// triggers a full rebuild. Idempotent. Returns the number of rows changed.
func (s *Store) SyncFromJournal(ctx context.Context) (int, error) {
	entries, err := s.journal.Load(ctx)
	if err != nil {
		return 0, err
	}
	inJournal := make(map[string]bool, len(entries))
	for _, e := range entries {
		inJournal[e.ID] = true
	}

	cacheIDs, err := s.learningIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range cacheIDs {
		if !inJournal[id] {
			s.log.Warn(ctx, "learning cache out of sync with journal, rebuilding",
				"orphan_id", id)
			if err := s.RebuildFromJournal(ctx); err != nil {
				return 0, err
			}
			return len(entries), nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("memory: sync: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	changed := 0
	for _, e := range entries {
		existing, found, err := lookupLearningTx(ctx, tx, e.ID)
		if err != nil {
			return 0, err
		}
		if found && mergeDuplicate(existing, e) == existing {
			continue
		}
		if err := upsertLearning(ctx, tx, e); err != nil {
			return 0, err
		}
		changed++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("memory: sync: %w", err)
	}
	if changed > 0 {
		s.indexDirty = true
	}
	return changed, nil
}

// RebuildFromJournal drops every derived row and reloads the cache from the
// journal, then rebuilds the BM25 index. Used on corruption, divergence or
// schema change.
func (s *Store) RebuildFromJournal(ctx context.Context) error {
	entries, err := s.journal.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{
		`DELETE FROM learnings`,
		`DELETE FROM learning_entities`,
		`DELETE FROM entities`,
		`DELETE FROM bm25_index`,
		`DELETE FROM bm25_metadata`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("memory: rebuild: %w", err)
		}
	}
	for _, e := range entries {
		if err := upsertLearning(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := rebuildIndexTx(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: rebuild: %w", err)
	}
	s.indexDirty = false
	s.log.Info(ctx, "learning cache rebuilt from journal", "learnings", len(entries))
	return nil
}

func (s *Store) learningIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM learnings`)
	if err != nil {
		return nil, fmt.Errorf("memory: list learning ids: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("memory: list learning ids: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: list learning ids: %w", err)
	}
	return out, nil
}

func (s *Store) queryLearnings(ctx context.Context, query string, args ...any) ([]LearningEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query learnings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []LearningEntry
	for rows.Next() {
		e, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: query learnings: %w", err)
	}
	return out, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLearning(row scanner) (LearningEntry, error) {
	var (
		e  LearningEntry
		ts string
	)
	if err := row.Scan(&e.ID, &e.Fact, &e.Category, &e.Confidence, &ts,
		&e.SourceFile, &e.SourceLine); err != nil {
		return LearningEntry{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return LearningEntry{}, &CorruptEntryError{ID: e.ID, Err: fmt.Errorf("timestamp %q: %w", ts, err)}
	}
	e.Timestamp = parsed
	return e, nil
}

func lookupLearningTx(ctx context.Context, tx *sql.Tx, id string) (LearningEntry, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, fact, category, confidence, timestamp, source_file, source_line
		FROM learnings WHERE id = ?`, id)
	e, err := scanLearning(row)
	if err == sql.ErrNoRows {
		return LearningEntry{}, false, nil
	}
	if err != nil {
		return LearningEntry{}, false, err
	}
	return e, true, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	return limit
}
