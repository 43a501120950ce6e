package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drcubix/gansauditor/pkg/config"
	"github.com/drcubix/gansauditor/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DefaultStoreConfig()
	cfg.StateDir = t.TempDir()
	defaults := config.DefaultCompletionConfig().SessionConfig()
	st, err := NewStore(cfg, defaults, nil, nil)
	require.NoError(t, err)
	return st
}

func testIteration(n int) models.Iteration {
	return models.Iteration{
		ThoughtNumber: n,
		Fingerprint:   fmt.Sprintf("fp-%d", n),
		Thought:       fmt.Sprintf("thought %d", n),
		SubmittedAt:   time.Now().UTC(),
		Review: &models.Review{
			Verdict:      models.VerdictRevise,
			OverallScore: 70 + n,
			Dimensions:   map[string]int{models.DimensionCorrectness: 70},
			Summary:      "needs work",
		},
		DurationMs: 120,
	}
}

func TestGetOrCreate(t *testing.T) {
	st := newTestStore(t)

	s, created, err := st.GetOrCreate("sess-1", "loop-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, "loop-1", s.LoopID)
	assert.Equal(t, models.StateActive, s.State)
	assert.Equal(t, 95, s.Config.Tier1Score)

	again, created, err := st.GetOrCreate("sess-1", "loop-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s.ID, again.ID)
}

func TestGetOrCreateConcurrentSingleCreation(t *testing.T) {
	st := newTestStore(t)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := st.GetOrCreate("sess-racy", "")
			assert.NoError(t, err)
			results[i] = created
		}(i)
	}
	wg.Wait()

	creations := 0
	for _, created := range results {
		if created {
			creations++
		}
	}
	assert.Equal(t, 1, creations)
}

func TestAppendMaintainsInvariants(t *testing.T) {
	st := newTestStore(t)
	_, _, err := st.GetOrCreate("sess-1", "")
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		s, err := st.Append("sess-1", testIteration(i))
		require.NoError(t, err)
		assert.Equal(t, i, s.CurrentLoop)
		assert.Len(t, s.History, i)
	}

	s, err := st.Get("sess-1")
	require.NoError(t, err)
	for i := 1; i < len(s.History); i++ {
		assert.Less(t, s.History[i-1].ThoughtNumber, s.History[i].ThoughtNumber)
	}
}

func TestAppendNormalizesStaleThoughtNumber(t *testing.T) {
	st := newTestStore(t)
	_, _, err := st.GetOrCreate("sess-1", "")
	require.NoError(t, err)

	_, err = st.Append("sess-1", testIteration(3))
	require.NoError(t, err)
	s, err := st.Append("sess-1", testIteration(3))
	require.NoError(t, err)

	assert.Equal(t, 4, s.History[1].ThoughtNumber)
}

func TestAppendOnTerminalSessionFails(t *testing.T) {
	st := newTestStore(t)
	_, _, err := st.GetOrCreate("sess-1", "")
	require.NoError(t, err)
	_, err = st.Append("sess-1", testIteration(1))
	require.NoError(t, err)

	_, err = st.MarkComplete("sess-1", models.ReasonTier1)
	require.NoError(t, err)

	_, err = st.Append("sess-1", testIteration(2))
	assert.ErrorIs(t, err, ErrAlreadyComplete)
}

func TestMarkCompleteIdempotent(t *testing.T) {
	st := newTestStore(t)
	_, _, err := st.GetOrCreate("sess-1", "")
	require.NoError(t, err)

	s, err := st.MarkComplete("sess-1", models.ReasonTier2)
	require.NoError(t, err)
	assert.True(t, s.IsComplete)
	assert.Equal(t, models.ReasonTier2, s.CompletionReason)

	// Same reason: no-op.
	_, err = st.MarkComplete("sess-1", models.ReasonTier2)
	require.NoError(t, err)

	// Different reason: fails.
	_, err = st.MarkComplete("sess-1", models.ReasonHardStop)
	assert.ErrorIs(t, err, ErrAlreadyComplete)
}

func TestMarkFailedIsTerminal(t *testing.T) {
	st := newTestStore(t)
	_, _, err := st.GetOrCreate("sess-1", "")
	require.NoError(t, err)

	s, err := st.MarkFailed("sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, s.State)
	assert.Equal(t, models.ReasonFailed, s.CompletionReason)

	_, err = st.Append("sess-1", testIteration(1))
	assert.ErrorIs(t, err, ErrAlreadyComplete)
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := config.DefaultStoreConfig()
	cfg.StateDir = t.TempDir()
	defaults := config.DefaultCompletionConfig().SessionConfig()

	st, err := NewStore(cfg, defaults, nil, nil)
	require.NoError(t, err)

	_, _, err = st.GetOrCreate("sess-rt", "loop-rt")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err = st.Append("sess-rt", testIteration(i))
		require.NoError(t, err)
	}
	require.NoError(t, st.SetContextHandle("sess-rt", "handle-1"))
	require.NoError(t, st.Snapshot("sess-rt"))
	before, err := st.Get("sess-rt")
	require.NoError(t, err)

	// A fresh store against the same directory rehydrates from disk.
	st2, err := NewStore(cfg, defaults, nil, nil)
	require.NoError(t, err)
	after, err := st2.Get("sess-rt")
	require.NoError(t, err)

	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.LoopID, after.LoopID)
	assert.Equal(t, before.CurrentLoop, after.CurrentLoop)
	assert.Equal(t, before.ContextHandle, after.ContextHandle)
	assert.Equal(t, before.Config, after.Config)
	require.Len(t, after.History, len(before.History))
	for i := range before.History {
		assert.Equal(t, before.History[i].ThoughtNumber, after.History[i].ThoughtNumber)
		assert.Equal(t, before.History[i].Fingerprint, after.History[i].Fingerprint)
		assert.Equal(t, before.History[i].Review, after.History[i].Review)
	}
}

func TestLoadQuarantinesCorruptSnapshot(t *testing.T) {
	cfg := config.DefaultStoreConfig()
	cfg.StateDir = t.TempDir()
	defaults := config.DefaultCompletionConfig().SessionConfig()
	st, err := NewStore(cfg, defaults, nil, nil)
	require.NoError(t, err)

	path := filepath.Join(cfg.StateDir, "sess-bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{ not json"), 0o644))

	_, err = st.Get("sess-bad")
	assert.ErrorIs(t, err, ErrNotFound)

	_, statErr := os.Stat(path + ".corrupt")
	assert.NoError(t, statErr)
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSnapshotVersionMismatchTreatedAsNotFound(t *testing.T) {
	cfg := config.DefaultStoreConfig()
	cfg.StateDir = t.TempDir()
	st, err := NewStore(cfg, config.DefaultCompletionConfig().SessionConfig(), nil, nil)
	require.NoError(t, err)

	doc, _ := json.Marshal(map[string]any{
		"version": 99,
		"session": map[string]any{"id": "sess-v"},
	})
	path := filepath.Join(cfg.StateDir, "sess-v.json")
	require.NoError(t, os.WriteFile(path, doc, 0o644))

	_, err = st.Get("sess-v")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCapacity(t *testing.T) {
	cfg := config.DefaultStoreConfig()
	cfg.StateDir = t.TempDir()
	cfg.MaxActiveSessions = 2
	st, err := NewStore(cfg, config.DefaultCompletionConfig().SessionConfig(), nil, nil)
	require.NoError(t, err)

	_, _, err = st.GetOrCreate("sess-1", "")
	require.NoError(t, err)
	_, _, err = st.GetOrCreate("sess-2", "")
	require.NoError(t, err)

	_, _, err = st.GetOrCreate("sess-3", "")
	assert.ErrorIs(t, err, ErrCapacity)

	// Deleting frees a slot.
	require.NoError(t, st.Delete("sess-1"))
	_, _, err = st.GetOrCreate("sess-3", "")
	assert.NoError(t, err)
}

func TestDelete(t *testing.T) {
	st := newTestStore(t)
	_, _, err := st.GetOrCreate("sess-1", "")
	require.NoError(t, err)
	require.NoError(t, st.Delete("sess-1"))

	_, err = st.Get("sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.Delete("sess-1"), ErrNotFound)
}

func TestReap(t *testing.T) {
	cfg := config.DefaultStoreConfig()
	cfg.StateDir = t.TempDir()
	cfg.MaxSessionAge = time.Hour
	st, err := NewStore(cfg, config.DefaultCompletionConfig().SessionConfig(), nil, nil)
	require.NoError(t, err)

	// Expired snapshot of a session not in memory.
	stale := filepath.Join(cfg.StateDir, "sess-old.json")
	require.NoError(t, os.WriteFile(stale, []byte(`{"version":1,"session":{"id":"sess-old"}}`), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	// Expired mtime but live in memory: must survive.
	_, _, err = st.GetOrCreate("sess-live", "")
	require.NoError(t, err)
	live := filepath.Join(cfg.StateDir, "sess-live.json")
	require.NoError(t, os.Chtimes(live, old, old))

	// Fresh snapshot: must survive.
	fresh := filepath.Join(cfg.StateDir, "sess-new.json")
	require.NoError(t, os.WriteFile(fresh, []byte(`{"version":1,"session":{"id":"sess-new"}}`), 0o644))

	removed, err := st.Reap()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(live)
	assert.NoError(t, statErr)
	_, statErr = os.Stat(fresh)
	assert.NoError(t, statErr)
}

func TestHistoryTruncatedInSnapshotOnly(t *testing.T) {
	cfg := config.DefaultStoreConfig()
	cfg.StateDir = t.TempDir()
	cfg.MaxPersistedIterations = 2
	st, err := NewStore(cfg, config.DefaultCompletionConfig().SessionConfig(), nil, nil)
	require.NoError(t, err)

	_, _, err = st.GetOrCreate("sess-1", "")
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err = st.Append("sess-1", testIteration(i))
		require.NoError(t, err)
	}

	// In-memory history is complete.
	s, err := st.Get("sess-1")
	require.NoError(t, err)
	assert.Len(t, s.History, 5)

	// The snapshot carries only the newest iterations.
	data, err := os.ReadFile(filepath.Join(cfg.StateDir, "sess-1.json"))
	require.NoError(t, err)
	var env struct {
		Session models.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Len(t, env.Session.History, 2)
	assert.Equal(t, 5, env.Session.History[1].ThoughtNumber)
}

func TestLockSessionSerializes(t *testing.T) {
	st := newTestStore(t)

	unlock := st.LockSession("sess-1")
	acquired := make(chan struct{})
	go func() {
		u := st.LockSession("sess-1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}
