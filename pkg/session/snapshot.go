package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/renameio/v2"

	"github.com/drcubix/gansauditor/pkg/models"
)

// snapshotVersion is bumped when the on-disk layout changes shape.
const snapshotVersion = 1

const (
	snapshotExt = ".json"
	corruptExt  = ".corrupt"
)

// snapshotEnvelope is the versioned on-disk document.
type snapshotEnvelope struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Session *models.Session `json:"session"`
}

func (st *Store) snapshotPath(id string) string {
	return filepath.Join(st.cfg.StateDir, id+snapshotExt)
}

// Snapshot persists the session's current state. Exposed for callers that
// need an explicit flush; mutators snapshot automatically.
func (st *Store) Snapshot(id string) error {
	e, err := st.liveEntry(id)
	if err != nil {
		return err
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.s == nil {
		return ErrNotFound
	}
	return st.snapshotLocked(e.s)
}

// snapshotLocked writes the session atomically: marshal, write to a temp
// file, fsync, rename over the target. Transient write failures retry a
// bounded number of times with constant backoff; exhaustion surfaces as
// ErrSnapshotFailed. Caller holds the session's stateMu.
func (st *Store) snapshotLocked(s *models.Session) error {
	persisted := s
	if max := st.cfg.MaxPersistedIterations; max > 0 && len(s.History) > max {
		// Bound snapshot growth: persist only the most recent iterations.
		// In-memory history stays complete.
		persisted = s.Clone()
		persisted.History = persisted.History[len(persisted.History)-max:]
	}

	data, err := json.MarshalIndent(snapshotEnvelope{
		Version: snapshotVersion,
		SavedAt: time.Now().UTC(),
		Session: persisted,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling session %s: %v", ErrSnapshotFailed, s.ID, err)
	}

	path := st.snapshotPath(s.ID)
	write := func() error {
		return renameio.WriteFile(path, data, 0o644)
	}
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(100*time.Millisecond),
		uint64(st.cfg.SnapshotRetries),
	)
	if err := backoff.Retry(write, policy); err != nil {
		slog.Error("Snapshot write failed after retries",
			"session_id", s.ID, "path", path, "error", err)
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	return nil
}

// loadFromDisk rehydrates a session from its snapshot. Corrupted snapshots
// are quarantined with a .corrupt suffix and reported as not found.
func (st *Store) loadFromDisk(id string) (*models.Session, error) {
	path := st.snapshotPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Session == nil || env.Session.ID == "" {
		st.quarantine(path, err)
		return nil, ErrNotFound
	}
	if env.Version != snapshotVersion {
		slog.Warn("Snapshot version mismatch, quarantining",
			"session_id", id, "version", env.Version)
		st.quarantine(path, nil)
		return nil, ErrNotFound
	}

	s := env.Session
	if s.History == nil {
		s.History = []models.Iteration{}
	}
	s.CurrentLoop = len(s.History)
	return s, nil
}

func (st *Store) quarantine(path string, cause error) {
	slog.Warn("Quarantining corrupted snapshot", "path", path, "error", cause)
	if err := os.Rename(path, path+corruptExt); err != nil {
		slog.Error("Failed to quarantine snapshot", "path", path, "error", err)
	}
}

// Reap deletes snapshot files older than the retention horizon. Sessions
// currently live in memory are never reaped. Returns the number of files
// removed.
func (st *Store) Reap() (int, error) {
	entries, err := os.ReadDir(st.cfg.StateDir)
	if err != nil {
		return 0, fmt.Errorf("reading state dir: %w", err)
	}

	cutoff := time.Now().Add(-st.cfg.MaxSessionAge)
	removed := 0
	var firstErr error

	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || filepath.Ext(name) != snapshotExt {
			continue
		}
		id := name[:len(name)-len(snapshotExt)]

		st.mu.Lock()
		e, live := st.sessions[id]
		live = live && e != nil && e.s != nil
		st.mu.Unlock()
		if live {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(st.cfg.StateDir, name)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}

	if removed > 0 {
		slog.Info("Reaped expired session snapshots", "count", removed)
	}
	if firstErr != nil && !errors.Is(firstErr, os.ErrNotExist) {
		return removed, fmt.Errorf("reaping snapshots: %w", firstErr)
	}
	return removed, nil
}
