// Package config defines the closed configuration record for the audit
// server: queue and worker pool sizing, completion thresholds, judge driver
// settings, session storage, and observability. Values come from built-in
// defaults overridden by environment variables; per-submission overrides are
// applied later via ApplyOverride.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration for the server.
type Config struct {
	SynchronousMode bool                 `yaml:"synchronous_mode"`
	Queue           *QueueConfig         `yaml:"queue"`
	Completion      *CompletionConfig    `yaml:"completion"`
	Codex           *CodexConfig         `yaml:"codex"`
	Store           *StoreConfig         `yaml:"store"`
	Observability   *ObservabilityConfig `yaml:"observability"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SynchronousMode: true,
		Queue:           DefaultQueueConfig(),
		Completion:      DefaultCompletionConfig(),
		Codex:           DefaultCodexConfig(),
		Store:           DefaultStoreConfig(),
		Observability:   DefaultObservabilityConfig(),
	}
}

// FromEnv returns the default configuration with environment overrides
// applied. Invalid values are logged and ignored.
func FromEnv() *Config {
	cfg := Default()

	cfg.SynchronousMode = envBool("GAN_SYNCHRONOUS_MODE", cfg.SynchronousMode)

	q := cfg.Queue
	q.MaxConcurrentAudits = envInt("GAN_MAX_CONCURRENT_AUDITS", q.MaxConcurrentAudits)
	q.MaxQueueDepth = envInt("GAN_MAX_QUEUE_DEPTH", q.MaxQueueDepth)
	q.AuditTimeout = envDuration("GAN_AUDIT_TIMEOUT", q.AuditTimeout)
	q.AuditRetryAttempts = envInt("GAN_AUDIT_RETRY_ATTEMPTS", q.AuditRetryAttempts)
	q.RetryBackoff = envDuration("GAN_RETRY_BACKOFF", q.RetryBackoff)
	q.CacheEnabled = envBool("GAN_CACHE_ENABLED", q.CacheEnabled)
	q.CacheSize = envInt("GAN_CACHE_SIZE", q.CacheSize)
	q.CacheTTL = envDuration("GAN_CACHE_TTL", q.CacheTTL)

	c := cfg.Completion
	c.Tier1Score = envInt("GAN_TIER1_SCORE", c.Tier1Score)
	c.Tier1MinLoops = envInt("GAN_TIER1_MIN_LOOPS", c.Tier1MinLoops)
	c.Tier2Score = envInt("GAN_TIER2_SCORE", c.Tier2Score)
	c.Tier2MinLoops = envInt("GAN_TIER2_MIN_LOOPS", c.Tier2MinLoops)
	c.Tier3Score = envInt("GAN_TIER3_SCORE", c.Tier3Score)
	c.Tier3MinLoops = envInt("GAN_TIER3_MIN_LOOPS", c.Tier3MinLoops)
	c.HardStopLoops = envInt("GAN_HARD_STOP_LOOPS", c.HardStopLoops)
	c.StagnationStartLoop = envInt("GAN_STAGNATION_START_LOOP", c.StagnationStartLoop)
	c.StagnationThreshold = envFloat("GAN_STAGNATION_THRESHOLD", c.StagnationThreshold)
	c.StagnationSource = envString("GAN_STAGNATION_SOURCE", c.StagnationSource)
	c.CriticalPersistLoops = envInt("GAN_CRITICAL_PERSIST_LOOPS", c.CriticalPersistLoops)
	c.CriticalPersistOn = envBool("GAN_CRITICAL_PERSIST_ON", c.CriticalPersistOn)

	x := cfg.Codex
	x.Executable = envString("GAN_CODEX_EXECUTABLE", x.Executable)
	x.VersionProbeTimeout = envDuration("GAN_CODEX_VERSION_TIMEOUT", x.VersionProbeTimeout)
	x.TerminateGrace = envDuration("GAN_CODEX_TERMINATE_GRACE", x.TerminateGrace)
	x.MaxActiveContexts = envInt("GAN_MAX_ACTIVE_CONTEXTS", x.MaxActiveContexts)

	s := cfg.Store
	s.StateDir = envString("GAN_STATE_DIR", s.StateDir)
	s.MaxActiveSessions = envInt("GAN_MAX_ACTIVE_SESSIONS", s.MaxActiveSessions)
	s.MaxSessionAge = envDuration("GAN_MAX_SESSION_AGE", s.MaxSessionAge)
	s.ReapInterval = envDuration("GAN_REAP_INTERVAL", s.ReapInterval)

	o := cfg.Observability
	o.LogDir = envString("GAN_LOG_DIR", o.LogDir)
	o.BufferSize = envInt("GAN_LOG_BUFFER", o.BufferSize)
	o.FlushInterval = envDuration("GAN_LOG_FLUSH_INTERVAL", o.FlushInterval)
	o.MaxFileSizeMB = envInt("GAN_LOG_MAX_SIZE_MB", o.MaxFileSizeMB)
	o.MaxBackups = envInt("GAN_LOG_MAX_BACKUPS", o.MaxBackups)

	return cfg
}

// Validate checks cross-field constraints that envs could have broken.
func (c *Config) Validate() error {
	if c.Queue.MaxConcurrentAudits < 1 {
		return fmt.Errorf("%w: max_concurrent_audits must be >= 1", ErrInvalidValue)
	}
	if c.Queue.MaxQueueDepth < 1 {
		return fmt.Errorf("%w: max_queue_depth must be >= 1", ErrInvalidValue)
	}
	if c.Completion.StagnationThreshold <= 0 || c.Completion.StagnationThreshold > 1 {
		return fmt.Errorf("%w: stagnation_threshold must be in (0,1]", ErrInvalidValue)
	}
	if c.Codex.Executable == "" {
		return fmt.Errorf("%w: codex executable", ErrMissingRequiredField)
	}
	if c.Store.StateDir == "" {
		return fmt.Errorf("%w: state dir", ErrMissingRequiredField)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Invalid float in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
