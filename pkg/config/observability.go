package config

import "time"

// ObservabilityConfig contains structured log and redaction settings.
type ObservabilityConfig struct {
	// LogDir is where JSONL stream files are written.
	LogDir string `yaml:"log_dir"`

	// BufferSize bounds the in-memory entry queue. When full, the oldest
	// entries are dropped and counted.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is the background flusher cadence.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxFileSizeMB and MaxBackups control size rotation per stream file.
	MaxFileSizeMB int `yaml:"max_file_size_mb"`
	MaxBackups    int `yaml:"max_backups"`

	// ExtraSecretPatterns extends the built-in secret-name substrings
	// (token, key, secret, password, credential) used for redaction.
	ExtraSecretPatterns []string `yaml:"extra_secret_patterns,omitempty"`
}

// DefaultObservabilityConfig returns the built-in observability defaults.
func DefaultObservabilityConfig() *ObservabilityConfig {
	return &ObservabilityConfig{
		LogDir:        "./state/logs",
		BufferSize:    1024,
		FlushInterval: 2 * time.Second,
		MaxFileSizeMB: 50,
		MaxBackups:    7,
	}
}
