// Package observability provides the metrics facade, the append-only JSONL
// stream logger, and secret redaction shared by the audit pipeline. All
// collaborators receive these as constructor arguments; nothing here is a
// package-level singleton.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the in-process metrics facade. A nil *Metrics is a valid no-op
// receiver so tests can pass nil without stubbing.
type Metrics struct {
	auditsStarted        prometheus.Counter
	auditsCompleted      *prometheus.CounterVec
	auditsFailed         *prometheus.CounterVec
	auditsTimedOut       prometheus.Counter
	cacheHits            prometheus.Counter
	cacheMisses          prometheus.Counter
	stagnationDetections prometheus.Counter
	contextsCreated      prometheus.Counter
	contextsTerminated   *prometheus.CounterVec
	sessionsCreated      prometheus.Counter
	sessionsCompleted    *prometheus.CounterVec
	logEntriesDropped    prometheus.Counter

	auditDurationMs   prometheus.Histogram
	queueWaitMs       prometheus.Histogram
	loopsToCompletion prometheus.Histogram

	activeAudits   prometheus.Gauge
	queueDepth     prometheus.Gauge
	activeSessions prometheus.Gauge
	activeContexts prometheus.Gauge
}

// NewMetrics registers all instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		auditsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "gansauditor_audits_started_total",
			Help: "Audits dequeued and started.",
		}),
		auditsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gansauditor_audits_completed_total",
			Help: "Audits that produced a review, by verdict.",
		}, []string{"verdict"}),
		auditsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gansauditor_audits_failed_total",
			Help: "Audits that failed, by failure category.",
		}, []string{"category"}),
		auditsTimedOut: f.NewCounter(prometheus.CounterOpts{
			Name: "gansauditor_audits_timed_out_total",
			Help: "Audits that hit their deadline.",
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "gansauditor_cache_hits_total",
			Help: "Review cache hits.",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "gansauditor_cache_misses_total",
			Help: "Review cache misses.",
		}),
		stagnationDetections: f.NewCounter(prometheus.CounterOpts{
			Name: "gansauditor_stagnation_detections_total",
			Help: "Sessions closed by stagnation detection.",
		}),
		contextsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "gansauditor_contexts_created_total",
			Help: "Judge context windows created.",
		}),
		contextsTerminated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gansauditor_contexts_terminated_total",
			Help: "Judge context windows terminated, by reason.",
		}, []string{"reason"}),
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "gansauditor_sessions_created_total",
			Help: "Sessions created.",
		}),
		sessionsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gansauditor_sessions_completed_total",
			Help: "Sessions completed, by completion reason.",
		}, []string{"reason"}),
		logEntriesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "gansauditor_log_entries_dropped_total",
			Help: "Structured log entries dropped by the bounded buffer.",
		}),
		auditDurationMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gansauditor_audit_duration_ms",
			Help:    "Judge invocation duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(50, 2, 12),
		}),
		queueWaitMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gansauditor_queue_wait_ms",
			Help:    "Time submissions spend queued, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		loopsToCompletion: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gansauditor_loops_to_completion",
			Help:    "Iterations a session took to complete.",
			Buckets: prometheus.LinearBuckets(1, 2, 13),
		}),
		activeAudits: f.NewGauge(prometheus.GaugeOpts{
			Name: "gansauditor_active_audits",
			Help: "Audits currently executing.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "gansauditor_queue_depth",
			Help: "Submissions currently queued.",
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "gansauditor_active_sessions",
			Help: "Sessions live in memory.",
		}),
		activeContexts: f.NewGauge(prometheus.GaugeOpts{
			Name: "gansauditor_active_contexts",
			Help: "Judge context windows currently live.",
		}),
	}
}

// AuditStarted increments the started counter and the active gauge.
func (m *Metrics) AuditStarted() {
	if m == nil {
		return
	}
	m.auditsStarted.Inc()
	m.activeAudits.Inc()
}

// AuditFinished decrements the active gauge.
func (m *Metrics) AuditFinished() {
	if m == nil {
		return
	}
	m.activeAudits.Dec()
}

// AuditCompleted records a produced review by verdict.
func (m *Metrics) AuditCompleted(verdict string) {
	if m == nil {
		return
	}
	m.auditsCompleted.WithLabelValues(verdict).Inc()
}

// AuditFailed records a failed audit by category.
func (m *Metrics) AuditFailed(category string) {
	if m == nil {
		return
	}
	m.auditsFailed.WithLabelValues(category).Inc()
}

// AuditTimedOut records a deadline expiry.
func (m *Metrics) AuditTimedOut() {
	if m == nil {
		return
	}
	m.auditsTimedOut.Inc()
}

// CacheHit records a review cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss records a review cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// StagnationDetected records a stagnation completion.
func (m *Metrics) StagnationDetected() {
	if m == nil {
		return
	}
	m.stagnationDetections.Inc()
}

// ContextCreated tracks a new judge context window.
func (m *Metrics) ContextCreated() {
	if m == nil {
		return
	}
	m.contextsCreated.Inc()
	m.activeContexts.Inc()
}

// ContextTerminated tracks a terminated context window by reason.
func (m *Metrics) ContextTerminated(reason string) {
	if m == nil {
		return
	}
	m.contextsTerminated.WithLabelValues(reason).Inc()
	m.activeContexts.Dec()
}

// SessionCreated tracks a created session.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.activeSessions.Inc()
}

// SessionCompleted tracks a completed session and its loop count.
func (m *Metrics) SessionCompleted(reason string, loops int) {
	if m == nil {
		return
	}
	m.sessionsCompleted.WithLabelValues(reason).Inc()
	m.loopsToCompletion.Observe(float64(loops))
}

// SessionEvicted decrements the live-session gauge.
func (m *Metrics) SessionEvicted() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// LogEntriesDropped counts entries lost to the bounded log buffer.
func (m *Metrics) LogEntriesDropped(n int) {
	if m == nil {
		return
	}
	m.logEntriesDropped.Add(float64(n))
}

// ObserveAuditDuration records one judge invocation's wall time.
func (m *Metrics) ObserveAuditDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.auditDurationMs.Observe(float64(d.Milliseconds()))
}

// ObserveQueueWait records one submission's queue wait.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.queueWaitMs.Observe(float64(d.Milliseconds()))
}

// SetQueueDepth publishes the current queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
