package config

import "time"

// StoreConfig contains session store and snapshot settings.
type StoreConfig struct {
	// StateDir is where session snapshots live, one JSON file per session.
	StateDir string `yaml:"state_dir"`

	// MaxActiveSessions caps in-memory sessions. New creations beyond the
	// cap fail with Capacity.
	MaxActiveSessions int `yaml:"max_active_sessions"`

	// MaxSessionAge is the snapshot retention horizon used by the reaper.
	MaxSessionAge time.Duration `yaml:"max_session_age"`

	// ReapInterval is how often the background reaper scans the state dir.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// SnapshotRetries bounds retries of a failed snapshot write.
	SnapshotRetries int `yaml:"snapshot_retries"`

	// MaxPersistedIterations caps history length inside a snapshot file to
	// bound file growth. In-memory history is not truncated.
	MaxPersistedIterations int `yaml:"max_persisted_iterations"`
}

// DefaultStoreConfig returns the built-in store defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		StateDir:               "./state/sessions",
		MaxActiveSessions:      200,
		MaxSessionAge:          24 * time.Hour,
		ReapInterval:           time.Hour,
		SnapshotRetries:        3,
		MaxPersistedIterations: 200,
	}
}
