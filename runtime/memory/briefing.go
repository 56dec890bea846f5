package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Briefing status values.
const (
	BriefingReady      = "ready"
	BriefingInProgress = "in_progress"
	BriefingBlocked    = "blocked"
	BriefingComplete   = "complete"
)

// MaxBriefingListLen bounds the hazards, blockers and hot-file lists. When
// a list overflows, the oldest entries fall off the front.
const MaxBriefingListLen = 10

// Briefing is the rolling project snapshot: created on the first goal,
// refreshed at the end of each execution wave, and read at session start to
// re-orient a resuming agent.
type Briefing struct {
	// Mission restates the active goal in plain language.
	Mission string `json:"mission"`
	// Status is ready, in_progress, blocked or complete.
	Status string `json:"status"`
	// Progress is the completed fraction in [0, 1].
	Progress float64 `json:"progress"`
	// LastAction describes the most recent completed step.
	LastAction string `json:"last_action"`
	// NextAction describes the intended next step.
	NextAction string `json:"next_action"`
	// Hazards lists known risks, newest last.
	Hazards []string `json:"hazards,omitempty"`
	// Blockers lists current blockers, newest last.
	Blockers []string `json:"blockers,omitempty"`
	// HotFiles lists files under active modification, newest last.
	HotFiles []string `json:"hot_files,omitempty"`
	// GoalHash identifies the goal this briefing describes.
	GoalHash string `json:"goal_hash"`
	// SessionID is the session that last updated the briefing.
	SessionID string `json:"session_id"`
	// UpdatedAt is when the briefing was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// briefingPath returns the briefing location inside the memory directory.
func (s *Store) briefingPath() string {
	return filepath.Join(s.dir, "briefing.json")
}

// SaveBriefing writes the briefing atomically: marshal to a temp file in
// the same directory, fsync, rename over the target. Lists are clamped to
// MaxBriefingListLen keeping the newest entries, progress is clamped to
// [0, 1], and UpdatedAt is stamped from the store clock.
func (s *Store) SaveBriefing(ctx context.Context, b Briefing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Hazards = clampList(b.Hazards)
	b.Blockers = clampList(b.Blockers)
	b.HotFiles = clampList(b.HotFiles)
	switch {
	case b.Progress < 0:
		b.Progress = 0
	case b.Progress > 1:
		b.Progress = 1
	}
	b.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode briefing: %w", err)
	}
	path := s.briefingPath()
	tmp, err := os.CreateTemp(s.dir, "briefing-*.json.tmp")
	if err != nil {
		return fmt.Errorf("memory: write briefing: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("memory: write briefing: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("memory: sync briefing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("memory: close briefing: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("memory: replace briefing: %w", err)
	}
	return nil
}

// LoadBriefing reads the current briefing. A missing file returns ok=false
// with no error; an unreadable or undecodable file returns a SnapshotError
// so the caller can log it and continue without a briefing.
func (s *Store) LoadBriefing(ctx context.Context) (*Briefing, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	path := s.briefingPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, &SnapshotError{Path: path, Err: err}
	}
	var b Briefing
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, false, &SnapshotError{Path: path, Err: err}
	}
	return &b, true, nil
}

// clampList keeps the newest MaxBriefingListLen entries. Lists append
// newest-last, so overflow drops from the front.
func clampList(items []string) []string {
	if len(items) <= MaxBriefingListLen {
		return items
	}
	return items[len(items)-MaxBriefingListLen:]
}
