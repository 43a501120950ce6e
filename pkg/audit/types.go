// Package audit schedules submissions: review cache, bounded FIFO queue,
// worker pool, deadlines, retry, and session bookkeeping around the judge.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/drcubix/gansauditor/pkg/models"
)

// Sentinel errors for orchestrator operations.
var (
	// ErrQueueFull indicates the submission queue's soft cap was exceeded.
	// Backpressure: the caller may retry later.
	ErrQueueFull = errors.New("submission queue full")

	// ErrTimeout indicates the overall deadline elapsed before the audit
	// finished (possibly before it started).
	ErrTimeout = errors.New("audit deadline exceeded")

	// ErrShuttingDown indicates the orchestrator is stopping and accepts
	// no new submissions.
	ErrShuttingDown = errors.New("orchestrator shutting down")

	// ErrValidation indicates a malformed submission.
	ErrValidation = errors.New("invalid submission")
)

// Error kinds surfaced to the transport adapter.
const (
	KindValidationFailed = "ValidationFailed"
	KindQueueFull        = "QueueFull"
	KindTimeout          = "Timeout"
	KindJudgeUnavailable = "JudgeUnavailable"
	KindJudgeFailed      = "JudgeFailed"
	KindSessionNotFound  = "SessionNotFound"
	KindAlreadyComplete  = "AlreadyComplete"
	KindCapacity         = "Capacity"
	KindInternal         = "Internal"
)

// Response is the outcome of one submission.
type Response struct {
	Review            *models.Review
	Session           *models.Session
	CompletionStatus  models.CompletionStatus
	NextThoughtNeeded bool
	CacheHit          bool
}

// task is one queued submission awaiting a worker.
type task struct {
	submission  *models.Submission
	fingerprint string
	enqueuedAt  time.Time
	ctx         context.Context
	resultCh    chan taskResult
}

// taskResult is delivered exactly once per executed task.
type taskResult struct {
	resp *Response
	err  error
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	CurrentSessionID string    `json:"current_session_id,omitempty"`
	AuditsProcessed  int       `json:"audits_processed"`
	LastActivity     time.Time `json:"last_activity"`
}

// PoolHealth contains health information for the orchestrator.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	QueueDepth    int            `json:"queue_depth"`
	MaxQueueDepth int            `json:"max_queue_depth"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}
