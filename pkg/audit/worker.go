package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drcubix/gansauditor/pkg/codex"
	"github.com/drcubix/gansauditor/pkg/observability"
	"github.com/drcubix/gansauditor/pkg/session"
)

// Worker executes audits dequeued from the submission queue, one at a time.
type Worker struct {
	id     string
	o      *Orchestrator
	stopCh <-chan struct{}

	// Health tracking
	mu               sync.RWMutex
	status           WorkerStatus
	currentSessionID string
	processed        int
	lastActivity     time.Time
}

func newWorker(n int, o *Orchestrator, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:           fmt.Sprintf("audit-worker-%d", n),
		o:            o,
		stopCh:       stopCh,
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:               w.id,
		Status:           string(w.status),
		CurrentSessionID: w.currentSessionID,
		AuditsProcessed:  w.processed,
		LastActivity:     w.lastActivity,
	}
}

// run is the main worker loop: FIFO dequeue until stopped.
func (w *Worker) run(ctx context.Context) {
	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		case t := <-w.o.queue:
			w.o.metrics.SetQueueDepth(len(w.o.queue))
			w.process(t)
		}
	}
}

// process handles one dequeued task.
func (w *Worker) process(t *task) {
	sub := t.submission

	// Abandoned while queued: the caller's deadline already tripped.
	if err := t.ctx.Err(); err != nil {
		slog.Debug("Discarding abandoned submission",
			"worker_id", w.id, "session_id", sub.SessionID)
		t.resultCh <- taskResult{err: ErrTimeout}
		return
	}

	queueWait := time.Since(t.enqueuedAt)
	w.o.metrics.ObserveQueueWait(queueWait)
	w.o.metrics.AuditStarted()
	defer w.o.metrics.AuditFinished()

	w.setStatus(WorkerStatusWorking, sub.SessionID)
	defer w.setStatus(WorkerStatusIdle, "")

	resp, err := w.execute(t)

	w.mu.Lock()
	w.processed++
	w.mu.Unlock()

	t.resultCh <- taskResult{resp: resp, err: err}
}

// execute runs the full audit pipeline for one submission under the
// session's audit lock.
func (w *Worker) execute(t *task) (*Response, error) {
	sub := t.submission

	unlock := w.o.store.LockSession(sub.SessionID)
	defer unlock()

	sess, err := w.o.prepareSession(sub)
	if err != nil {
		return nil, err
	}

	// Lazy context window for the session's loop; failure degrades to a
	// contextless audit.
	handle := sess.ContextHandle
	if sess.LoopID != "" && handle == "" {
		h, err := w.o.judge.StartContext(t.ctx, sess.LoopID)
		if err != nil {
			slog.Warn("Context window unavailable, auditing without reuse",
				"session_id", sess.ID, "loop_id", sess.LoopID, "error", err)
		} else {
			handle = h
			if err := w.o.store.SetContextHandle(sess.ID, h); err != nil {
				slog.Warn("Failed to record context handle", "session_id", sess.ID, "error", err)
			}
		}
	}

	req := codex.AuditRequest{
		SessionID:      sess.ID,
		LoopID:         sess.LoopID,
		Iteration:      sub.ThoughtNumber,
		Task:           sess.Config.Task,
		Thought:        sub.Thought,
		Scope:          sess.Config.Scope,
		Paths:          sess.Config.Paths,
		RepositoryRoot: sess.Config.RepositoryRoot,
	}

	start := time.Now()
	review, judgeErr := w.o.callJudge(t.ctx, req, handle)
	duration := time.Since(start)

	w.o.metrics.ObserveAuditDuration(duration)
	w.o.logs.Performance(observability.Entry{
		Event:     "audit_executed",
		SessionID: sess.ID,
		LoopID:    sess.LoopID,
		Iteration: sub.ThoughtNumber,
		Fields: map[string]any{
			"duration_ms":   duration.Milliseconds(),
			"queue_wait_ms": time.Since(t.enqueuedAt).Milliseconds() - duration.Milliseconds(),
			"failed":        judgeErr != nil,
		},
	})

	if judgeErr != nil {
		category := failureCategory(judgeErr)
		w.o.metrics.AuditFailed(category)

		switch {
		case errors.Is(judgeErr, codex.ErrJudgeTimeout), errors.Is(judgeErr, codex.ErrJudgeIO):
			// Retries exhausted with nothing usable: record a failure
			// review so the iteration still counts.
			review = synthesizeFailureReview(judgeErr, errors.Is(judgeErr, codex.ErrJudgeTimeout))
		default:
			w.o.logs.Audit(observability.Entry{
				Event:     "audit_failed",
				SessionID: sess.ID,
				LoopID:    sess.LoopID,
				Iteration: sub.ThoughtNumber,
				Fields:    map[string]any{"category": category, "error": judgeErr.Error()},
			})
			return nil, judgeErr
		}
	}

	resp, err := w.o.recordIteration(sess, sub, t.fingerprint, review, duration)
	if err != nil {
		return nil, err
	}
	if judgeErr == nil {
		w.o.cache.put(t.fingerprint, review)
	}
	return resp, nil
}

func (w *Worker) setStatus(status WorkerStatus, sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentSessionID = sessionID
	w.lastActivity = time.Now()
}

// failureCategory maps a judge error to its metrics label.
func failureCategory(err error) string {
	switch {
	case errors.Is(err, codex.ErrJudgeNotFound):
		return "not_found"
	case errors.Is(err, codex.ErrJudgeTimeout):
		return "timeout"
	case errors.Is(err, codex.ErrBadOutput):
		return "bad_output"
	case errors.Is(err, codex.ErrNonZeroExit):
		return "non_zero_exit"
	case errors.Is(err, codex.ErrJudgeIO):
		return "io"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// KindOf maps an orchestrator or collaborator error to its transport error
// kind.
func KindOf(err error) string {
	var cmdErr *codex.CommandError
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidationFailed
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, codex.ErrJudgeNotFound):
		return KindJudgeUnavailable
	case errors.Is(err, codex.ErrJudgeTimeout):
		return KindTimeout
	case errors.As(err, &cmdErr):
		return KindJudgeFailed
	case errors.Is(err, session.ErrNotFound):
		return KindSessionNotFound
	case errors.Is(err, session.ErrAlreadyComplete):
		return KindAlreadyComplete
	case errors.Is(err, session.ErrCapacity):
		return KindCapacity
	default:
		return KindInternal
	}
}
