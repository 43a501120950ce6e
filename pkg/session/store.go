// Package session owns Session records: in-memory state guarded by
// per-session locks, durable JSON snapshots, and background retention.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/drcubix/gansauditor/pkg/config"
	"github.com/drcubix/gansauditor/pkg/models"
	"github.com/drcubix/gansauditor/pkg/observability"
)

// Store is the exclusive owner of Session records. All mutations go through
// it; callers only ever see deep copies.
type Store struct {
	cfg      *config.StoreConfig
	defaults models.SessionConfig
	metrics  *observability.Metrics
	logs     *observability.StreamLogger

	mu       sync.Mutex
	sessions map[string]*entry
}

// entry pairs a session with its locks. stateMu guards the session fields,
// disk rehydration, and snapshot writes; auditMu serializes whole audits
// for the session and is held much longer. The map mutex is only ever held
// for map lookups, never across I/O.
type entry struct {
	stateMu sync.Mutex
	auditMu sync.Mutex
	s       *models.Session
}

// NewStore creates a session store and its state directory.
func NewStore(cfg *config.StoreConfig, defaults models.SessionConfig, metrics *observability.Metrics, logs *observability.StreamLogger) (*Store, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &Store{
		cfg:      cfg,
		defaults: defaults,
		metrics:  metrics,
		logs:     logs,
		sessions: make(map[string]*entry),
	}, nil
}

// GetOrCreate returns the session for id, rehydrating it from disk when a
// snapshot exists and creating it otherwise. The second return is true only
// for the caller that actually created it.
func (st *Store) GetOrCreate(id, loopID string) (*models.Session, bool, error) {
	e, err := st.getEntry(id)
	if err != nil {
		return nil, false, err
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.s != nil {
		return e.s.Clone(), false, nil
	}

	loaded, err := st.loadFromDisk(id)
	switch {
	case err == nil:
		e.s = loaded
		return e.s.Clone(), false, nil
	case errors.Is(err, ErrNotFound):
		// fall through to creation
	default:
		return nil, false, err
	}

	now := time.Now().UTC()
	e.s = &models.Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		LoopID:    loopID,
		State:     models.StateActive,
		History:   []models.Iteration{},
		Stagnation: models.Stagnation{
			StartAt:             st.defaults.StagnationStartLoop,
			SimilarityThreshold: st.defaults.StagnationThreshold,
		},
		Config: st.defaults,
	}

	st.metrics.SessionCreated()
	st.logs.Session(observability.Entry{
		Event:     "session_created",
		SessionID: id,
		LoopID:    loopID,
	})

	if err := st.snapshotLocked(e.s); err != nil {
		slog.Warn("Initial snapshot failed", "session_id", id, "error", err)
	}
	return e.s.Clone(), true, nil
}

// Get returns a copy of a session, rehydrating it from disk if needed.
func (st *Store) Get(id string) (*models.Session, error) {
	e, err := st.liveEntry(id)
	if err != nil {
		return nil, err
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.s == nil {
		return nil, ErrNotFound
	}
	return e.s.Clone(), nil
}

// Append records a completed iteration. Fails with ErrAlreadyComplete on a
// terminal session. A snapshot failure is reported as ErrSnapshotFailed,
// but the in-memory append has succeeded and the returned copy reflects it.
func (st *Store) Append(id string, iter models.Iteration) (*models.Session, error) {
	e, err := st.liveEntry(id)
	if err != nil {
		return nil, err
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.s == nil {
		return nil, ErrNotFound
	}
	if e.s.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrAlreadyComplete, id, e.s.State)
	}

	// History invariant: thought numbers are strictly increasing. A client
	// resending a stale number gets it normalized rather than rejected.
	if last := e.s.LastIteration(); last != nil && iter.ThoughtNumber <= last.ThoughtNumber {
		slog.Warn("Non-increasing thought number, normalizing",
			"session_id", id, "got", iter.ThoughtNumber, "last", last.ThoughtNumber)
		iter.ThoughtNumber = last.ThoughtNumber + 1
	}

	e.s.History = append(e.s.History, iter)
	e.s.CurrentLoop = len(e.s.History)
	e.s.UpdatedAt = time.Now().UTC()

	snapErr := st.snapshotLocked(e.s)
	clone := e.s.Clone()
	if snapErr != nil {
		return clone, snapErr
	}
	return clone, nil
}

// MarkComplete transitions the session to Complete. Idempotent for the same
// reason; a different reason on a terminal session fails.
func (st *Store) MarkComplete(id string, reason models.CompletionReason) (*models.Session, error) {
	return st.terminate(id, models.StateComplete, reason)
}

// MarkFailed transitions the session to Failed.
func (st *Store) MarkFailed(id string) (*models.Session, error) {
	return st.terminate(id, models.StateFailed, models.ReasonFailed)
}

func (st *Store) terminate(id string, state models.SessionState, reason models.CompletionReason) (*models.Session, error) {
	e, err := st.liveEntry(id)
	if err != nil {
		return nil, err
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.s == nil {
		return nil, ErrNotFound
	}
	if e.s.Terminal() {
		if e.s.State == state && e.s.CompletionReason == reason {
			return e.s.Clone(), nil
		}
		return nil, fmt.Errorf("%w: session %s already %s (%s)",
			ErrAlreadyComplete, id, e.s.State, e.s.CompletionReason)
	}

	e.s.State = state
	e.s.IsComplete = true
	e.s.CompletionReason = reason
	e.s.UpdatedAt = time.Now().UTC()

	st.metrics.SessionCompleted(string(reason), e.s.CurrentLoop)
	st.logs.Session(observability.Entry{
		Event:     "session_completed",
		SessionID: id,
		LoopID:    e.s.LoopID,
		Iteration: e.s.CurrentLoop,
		Fields:    map[string]any{"state": string(state), "reason": string(reason)},
	})

	snapErr := st.snapshotLocked(e.s)
	clone := e.s.Clone()
	if snapErr != nil {
		return clone, snapErr
	}
	return clone, nil
}

// SetContextHandle stores the driver's context window handle on the session.
func (st *Store) SetContextHandle(id, handle string) error {
	return st.mutate(id, func(s *models.Session) {
		s.ContextHandle = handle
	})
}

// RecordStagnation updates the session's stagnation memory.
func (st *Store) RecordStagnation(id string, similarity float64, detected bool) error {
	return st.mutate(id, func(s *models.Session) {
		sim := similarity
		s.Stagnation.LastSimilarity = &sim
		if detected && !s.Stagnation.Detected {
			s.Stagnation.Detected = true
			s.Stagnation.DetectedAtLoop = s.CurrentLoop
		}
	})
}

// UpdateConfig replaces the session's effective config.
func (st *Store) UpdateConfig(id string, cfg models.SessionConfig) error {
	return st.mutate(id, func(s *models.Session) {
		s.Config = cfg
		s.Stagnation.StartAt = cfg.StagnationStartLoop
		s.Stagnation.SimilarityThreshold = cfg.StagnationThreshold
	})
}

func (st *Store) mutate(id string, fn func(*models.Session)) error {
	e, err := st.liveEntry(id)
	if err != nil {
		return err
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.s == nil {
		return ErrNotFound
	}
	fn(e.s)
	e.s.UpdatedAt = time.Now().UTC()
	return nil
}

// LockSession acquires the per-session audit lock, serializing audits for
// the same sessionId. The returned func releases it.
func (st *Store) LockSession(id string) (unlock func()) {
	e, err := st.getEntry(id)
	if err != nil {
		// At capacity for a brand-new id: fall back to a throwaway lock;
		// the subsequent GetOrCreate surfaces ErrCapacity to the caller.
		var mu sync.Mutex
		mu.Lock()
		return mu.Unlock
	}
	e.auditMu.Lock()
	return e.auditMu.Unlock
}

// Delete removes a session from memory and its snapshot from disk.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	e, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()

	// A placeholder entry left behind by a failed load holds no session.
	populated := ok && e.s != nil
	if populated {
		st.metrics.SessionEvicted()
	}
	err := os.Remove(st.snapshotPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing snapshot: %w", err)
	}
	if !populated && err != nil {
		return ErrNotFound
	}
	return nil
}

// ActiveCount returns the number of live in-memory sessions.
func (st *Store) ActiveCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, e := range st.sessions {
		if e.s != nil {
			n++
		}
	}
	return n
}

// getEntry returns the entry for id, inserting a placeholder when absent.
// Enforces the active-session cap on insertion.
func (st *Store) getEntry(id string) (*entry, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if e, ok := st.sessions[id]; ok {
		return e, nil
	}
	if len(st.sessions) >= st.cfg.MaxActiveSessions {
		return nil, fmt.Errorf("%w: %d active sessions", ErrCapacity, st.cfg.MaxActiveSessions)
	}
	e := &entry{}
	st.sessions[id] = e
	return e, nil
}

// liveEntry returns the entry for id with its session populated,
// rehydrating from disk when only a snapshot exists.
func (st *Store) liveEntry(id string) (*entry, error) {
	st.mu.Lock()
	e, ok := st.sessions[id]
	st.mu.Unlock()

	if ok {
		e.stateMu.Lock()
		populated := e.s != nil
		e.stateMu.Unlock()
		if populated {
			return e, nil
		}
	} else {
		var err error
		e, err = st.getEntry(id)
		if err != nil {
			return nil, err
		}
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.s == nil {
		loaded, err := st.loadFromDisk(id)
		if err != nil {
			return nil, err
		}
		e.s = loaded
	}
	return e, nil
}
