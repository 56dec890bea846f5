// Package memory persists learnings across sessions. The design is
// two-tier: an append-only JSONL journal is the source of truth, and a
// SQLite learning cache derived from it serves indexed queries (category,
// recency, confidence, substring and BM25 full-text). The cache can always
// be rebuilt from the journal, so cache corruption is an inconvenience, not
// a loss. A rolling briefing snapshot rides alongside in the same
// directory.
package memory

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"sunwell.dev/sunwell/runtime/telemetry"
)

// Well-known learning categories. The vocabulary is open; these are the
// categories the core itself writes.
const (
	// CategoryFailurePattern records task failures for future avoidance.
	CategoryFailurePattern = "failure_pattern"

	// CategoryPlanTemplate stores reusable plan shapes consulted by the
	// planner's template variance.
	CategoryPlanTemplate = "plan_template"
)

const (
	// DefaultLockStale is how old a journal lock file must be before another
	// writer may steal it. Appends hold the lock for milliseconds, so a lock
	// this old belongs to a dead process.
	DefaultLockStale = 30 * time.Second

	// lockRetryInterval paces acquisition attempts while another writer
	// holds the lock.
	lockRetryInterval = 10 * time.Millisecond

	// maxJournalLine bounds a single journal line. Facts carrying embedded
	// JSON (plan templates) can grow well past bufio's default token size.
	maxJournalLine = 1 << 20
)

type (
	// LearningEntry is one durable learning. Entries are append-only;
	// revisions happen by writing a higher-confidence duplicate, and loading
	// merges duplicates by ID.
	LearningEntry struct {
		// ID is the deterministic identity: a hash of fact, category and
		// source. Two writes of the same learning collapse into one on load.
		ID string `json:"id"`
		// Fact is the learning itself, in plain language.
		Fact string `json:"fact"`
		// Category buckets the learning (failure_pattern, plan_template, ...).
		Category string `json:"category"`
		// Confidence is the recorder's certainty in [0, 1].
		Confidence float64 `json:"confidence"`
		// Timestamp is when the learning was first recorded.
		Timestamp time.Time `json:"timestamp"`
		// SourceFile optionally names the file the learning came from.
		SourceFile string `json:"source_file,omitempty"`
		// SourceLine optionally locates the learning within SourceFile.
		SourceLine int `json:"source_line,omitempty"`
	}

	// Journal is the append-only JSONL file backing the memory system.
	// In-process writers serialize on a mutex; cross-process writers
	// serialize on an advisory lock file next to the journal.
	Journal struct {
		path      string
		log       telemetry.Logger
		now       func() time.Time
		lockStale time.Duration

		mu sync.Mutex
	}

	// JournalOption customizes a Journal.
	JournalOption func(*Journal)
)

// WithJournalLogger sets the structured logger.
func WithJournalLogger(log telemetry.Logger) JournalOption {
	return func(j *Journal) { j.log = log }
}

// WithJournalClock overrides the time source, for tests.
func WithJournalClock(now func() time.Time) JournalOption {
	return func(j *Journal) { j.now = now }
}

// WithLockStale overrides the stale-lock takeover age.
func WithLockStale(d time.Duration) JournalOption {
	return func(j *Journal) { j.lockStale = d }
}

// DefaultJournalPath returns the conventional journal location under a
// workspace root: <workspace>/.sunwell/memory/journal.jsonl.
func DefaultJournalPath(workspace string) string {
	return filepath.Join(workspace, ".sunwell", "memory", "journal.jsonl")
}

// NewJournal returns a journal at path. The file is created on first
// append; a missing file loads as empty.
func NewJournal(path string, opts ...JournalOption) *Journal {
	j := &Journal{
		path:      path,
		log:       telemetry.NewNoopLogger(),
		now:       time.Now,
		lockStale: DefaultLockStale,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// EntryID computes the deterministic learning identity: SHA-256 over the
// fact, category and source coordinates. Re-recording the same learning
// yields the same ID, which is what makes load-time merging possible.
func EntryID(fact, category, sourceFile string, sourceLine int) string {
	h := sha256.New()
	h.Write([]byte(fact))
	h.Write([]byte{0})
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(sourceFile))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(sourceLine)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalized validates the entry and fills the derived fields: ID from the
// deterministic hash and Timestamp from the clock when unset.
func (j *Journal) normalized(e LearningEntry) (LearningEntry, error) {
	if e.Fact == "" {
		return e, errors.New("memory: learning fact is required")
	}
	if e.Category == "" {
		return e, errors.New("memory: learning category is required")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return e, fmt.Errorf("memory: confidence %v outside [0, 1]", e.Confidence)
	}
	if e.ID == "" {
		e.ID = EntryID(e.Fact, e.Category, e.SourceFile, e.SourceLine)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now()
	}
	// UTC keeps journal lines, cache rows and struct comparisons in one
	// timezone regardless of writer locale.
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

// Append validates and appends entries as one JSONL batch under the
// advisory lock, then fsyncs. Returns the entries with IDs and timestamps
// filled in. No entry is written if any entry fails validation.
func (j *Journal) Append(ctx context.Context, entries ...LearningEntry) ([]LearningEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]LearningEntry, len(entries))
	for i, e := range entries {
		norm, err := j.normalized(e)
		if err != nil {
			return nil, err
		}
		out[i] = norm
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	release, err := j.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o750); err != nil {
		return nil, fmt.Errorf("memory: create journal directory: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("memory: open journal: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range out {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("memory: encode learning %s: %w", e.ID, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("memory: append learning %s: %w", e.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("memory: flush journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("memory: sync journal: %w", err)
	}
	return out, nil
}

// Load reads the whole journal and returns entries merged by ID: the
// highest-confidence duplicate wins and the earliest timestamp is kept.
// Malformed lines are logged and skipped so one bad write never poisons the
// journal. Entries keep first-appearance order. A missing file loads as
// empty.
func (j *Journal) Load(ctx context.Context) ([]LearningEntry, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("memory: open journal: %w", err)
	}
	defer f.Close()

	var (
		byID    = make(map[string]int)
		entries []LearningEntry
		lineNo  int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxJournalLine)
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e LearningEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			malformed := &MalformedEntryError{Line: lineNo, Err: err}
			j.log.Warn(ctx, "skipping malformed journal line",
				"path", j.path, "line", lineNo, "error", malformed)
			continue
		}
		if e.ID == "" || e.Fact == "" {
			malformed := &MalformedEntryError{Line: lineNo, Err: errors.New("missing id or fact")}
			j.log.Warn(ctx, "skipping malformed journal line",
				"path", j.path, "line", lineNo, "error", malformed)
			continue
		}
		idx, seen := byID[e.ID]
		if !seen {
			byID[e.ID] = len(entries)
			entries = append(entries, e)
			continue
		}
		entries[idx] = mergeDuplicate(entries[idx], e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("memory: read journal: %w", err)
	}
	return entries, nil
}

// mergeDuplicate folds a later duplicate into the retained entry: the
// higher-confidence variant's content wins, and the earliest timestamp is
// kept regardless.
func mergeDuplicate(kept, dup LearningEntry) LearningEntry {
	earliest := kept.Timestamp
	if !dup.Timestamp.IsZero() && (earliest.IsZero() || dup.Timestamp.Before(earliest)) {
		earliest = dup.Timestamp
	}
	if dup.Confidence > kept.Confidence {
		kept = dup
	}
	kept.Timestamp = earliest
	return kept
}

// acquireLock takes the advisory lock file next to the journal, waiting
// until it is free, the context expires, or a stale lock is stolen. The
// returned release function removes the lock file.
func (j *Journal) acquireLock(ctx context.Context) (func(), error) {
	lockPath := j.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("memory: create journal directory: %w", err)
	}
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			fmt.Fprintf(f, "pid=%d time=%s\n", os.Getpid(), j.now().Format(time.RFC3339Nano))
			f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("memory: acquire journal lock: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > j.lockStale {
				j.log.Warn(ctx, "stealing stale journal lock",
					"path", lockPath, "age", time.Since(info.ModTime()).String())
				_ = os.Remove(lockPath)
				continue
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("memory: acquire journal lock: %w", ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}
