package config

import "time"

// QueueConfig contains submission queue and worker pool configuration.
type QueueConfig struct {
	// MaxConcurrentAudits is the number of worker goroutines, each running
	// at most one audit at a time.
	MaxConcurrentAudits int `yaml:"max_concurrent_audits"`

	// MaxQueueDepth is the soft cap on queued submissions. Submissions
	// arriving at a full queue fail fast with QueueFull.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// AuditTimeout bounds a single judge invocation. The effective deadline
	// for one audit is min(caller deadline, now+AuditTimeout).
	AuditTimeout time.Duration `yaml:"audit_timeout"`

	// AuditRetryAttempts is the number of retries after the first failed
	// judge call. Only timeouts and transient I/O errors are retried.
	AuditRetryAttempts int `yaml:"audit_retry_attempts"`

	// RetryBackoff is the fixed delay between retry attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// GracefulShutdownTimeout is carried in the configuration but is not
	// read by the worker pool: stopping the pool waits for in-flight audits
	// without a time limit.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// Review cache settings. The cache deduplicates judge work for
	// identical submissions inside the TTL window.
	CacheEnabled bool          `yaml:"cache_enabled"`
	CacheSize    int           `yaml:"cache_size"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxConcurrentAudits:     5,
		MaxQueueDepth:           50,
		AuditTimeout:            30 * time.Second,
		AuditRetryAttempts:      2,
		RetryBackoff:            500 * time.Millisecond,
		GracefulShutdownTimeout: 60 * time.Second,
		CacheEnabled:            true,
		CacheSize:               256,
		CacheTTL:                30 * time.Minute,
	}
}
