package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drcubix/gansauditor/pkg/codex"
	"github.com/drcubix/gansauditor/pkg/completion"
	"github.com/drcubix/gansauditor/pkg/config"
	"github.com/drcubix/gansauditor/pkg/fingerprint"
	"github.com/drcubix/gansauditor/pkg/models"
	"github.com/drcubix/gansauditor/pkg/observability"
	"github.com/drcubix/gansauditor/pkg/session"
)

// Judge is the subset of the driver the orchestrator uses.
type Judge interface {
	StartContext(ctx context.Context, loopID string) (string, error)
	TerminateContext(handle string, reason string) error
	Audit(ctx context.Context, req codex.AuditRequest, handle string, deadline time.Time) (*models.Review, error)
}

// Orchestrator converts submissions into reviews under the system's
// concurrency, deadline, and backpressure constraints.
type Orchestrator struct {
	cfg     *config.Config
	store   *session.Store
	judge   Judge
	metrics *observability.Metrics
	logs    *observability.StreamLogger

	cache *reviewCache
	queue chan *task

	pool *pool
}

// NewOrchestrator wires the orchestrator. All collaborators are injected;
// metrics and logs may be nil.
func NewOrchestrator(cfg *config.Config, store *session.Store, judge Judge, metrics *observability.Metrics, logs *observability.StreamLogger) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		judge:   judge,
		metrics: metrics,
		logs:    logs,
		cache:   newReviewCache(cfg.Queue.CacheEnabled, cfg.Queue.CacheSize, cfg.Queue.CacheTTL),
		queue:   make(chan *task, cfg.Queue.MaxQueueDepth),
	}
	o.pool = newPool(o, cfg.Queue.MaxConcurrentAudits)
	return o
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) { o.pool.Start(ctx) }

// Stop drains workers. In-flight audits finish; queued submissions fail
// their callers by deadline.
func (o *Orchestrator) Stop() { o.pool.Stop() }

// Health reports pool and queue state.
func (o *Orchestrator) Health() *PoolHealth { return o.pool.Health(len(o.queue), o.cfg.Queue.MaxQueueDepth) }

// Submit audits one submission. The context carries the overall deadline,
// covering queue wait plus execution. Returns ErrQueueFull immediately when
// the queue is saturated.
func (o *Orchestrator) Submit(ctx context.Context, sub *models.Submission) (*Response, error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}
	if o.pool.stopped() {
		return nil, ErrShuttingDown
	}

	fp := o.fingerprintFor(sub)

	if review, ok := o.cache.get(fp); ok {
		o.metrics.CacheHit()
		o.logs.Audit(observability.Entry{
			Event:     "cache_hit",
			SessionID: sub.SessionID,
			LoopID:    sub.LoopID,
			Iteration: sub.ThoughtNumber,
			Fields:    map[string]any{"fingerprint": fp},
		})
		return o.recordCached(sub, fp, review)
	}
	o.metrics.CacheMiss()

	t := &task{
		submission:  sub,
		fingerprint: fp,
		enqueuedAt:  time.Now(),
		ctx:         ctx,
		resultCh:    make(chan taskResult, 1),
	}
	select {
	case o.queue <- t:
		o.metrics.SetQueueDepth(len(o.queue))
	default:
		return nil, fmt.Errorf("%w: depth %d", ErrQueueFull, o.cfg.Queue.MaxQueueDepth)
	}

	select {
	case res := <-t.resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		// The worker notices the dead context at dequeue and discards.
		return nil, ErrTimeout
	}
}

// fingerprintFor derives the submission's stable fingerprint from its
// thought and the judge-affecting configuration, overrides included.
func (o *Orchestrator) fingerprintFor(sub *models.Submission) string {
	jc := fingerprint.JudgeConfig{
		Executable: o.cfg.Codex.Executable,
		Model:      o.cfg.Codex.Model,
		Timeout:    o.cfg.Queue.AuditTimeout,
		Threshold:  o.cfg.Completion.Tier1Score,
	}
	if ov := sub.Config; ov != nil {
		if ov.Scope != "" {
			jc.Scope = string(ov.Scope)
		}
		jc.Paths = ov.Paths
		if ov.Threshold != nil {
			jc.Threshold = *ov.Threshold
		}
		if ov.JudgeModel != "" {
			jc.Model = ov.JudgeModel
		}
		if ov.AuditTimeoutSecs != nil {
			jc.Timeout = time.Duration(*ov.AuditTimeoutSecs) * time.Second
		}
	}
	return fingerprint.Fingerprint(sub.Thought, jc)
}

// prepareSession loads or creates the session and applies overrides.
// Caller must hold the session's audit lock.
func (o *Orchestrator) prepareSession(sub *models.Submission) (*models.Session, error) {
	sess, created, err := o.store.GetOrCreate(sub.SessionID, sub.LoopID)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("Session created", "session_id", sub.SessionID, "loop_id", sub.LoopID)
	}
	if sess.Terminal() {
		return nil, fmt.Errorf("%w: session %s (%s)", session.ErrAlreadyComplete, sess.ID, sess.CompletionReason)
	}

	if sub.Config != nil {
		cfg := sess.Config
		config.ApplyOverride(&cfg, sub.Config, func(field, msg string) {
			slog.Warn("Rejected config override", "session_id", sub.SessionID, "field", field, "detail", msg)
			o.logs.Session(observability.Entry{
				Event:     "override_rejected",
				SessionID: sub.SessionID,
				Fields:    map[string]any{"field": field, "detail": msg},
			})
		})
		if err := o.store.UpdateConfig(sub.SessionID, cfg); err != nil {
			return nil, err
		}
		sess.Config = cfg
	}
	return sess, nil
}

// recordCached appends a cache-served review as a fresh iteration. The
// cache deduplicates judge work, not history.
func (o *Orchestrator) recordCached(sub *models.Submission, fp string, review *models.Review) (*Response, error) {
	unlock := o.store.LockSession(sub.SessionID)
	defer unlock()

	sess, err := o.prepareSession(sub)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := o.recordIteration(sess, sub, fp, review, time.Since(start))
	if err != nil {
		return nil, err
	}
	resp.CacheHit = true
	return resp, nil
}

// recordIteration appends a produced review, evaluates completion, and
// closes out the session when the loop is done. Caller holds the session's
// audit lock; sess reflects the pre-append state.
func (o *Orchestrator) recordIteration(sess *models.Session, sub *models.Submission, fp string, review *models.Review, duration time.Duration) (*Response, error) {
	iter := models.Iteration{
		ThoughtNumber: sub.ThoughtNumber,
		Fingerprint:   fp,
		Thought:       sub.Thought,
		SubmittedAt:   time.Now().UTC(),
		Review:        review,
		DurationMs:    duration.Milliseconds(),
	}

	updated, err := o.store.Append(sess.ID, iter)
	if err != nil {
		if errors.Is(err, session.ErrSnapshotFailed) {
			// The append itself succeeded; the review is still usable.
			slog.Error("Snapshot failed after append", "session_id", sess.ID, "error", err)
		} else {
			return nil, err
		}
	}

	verdict := completion.Evaluate(updated)
	if verdict.Similarity >= 0 {
		detected := verdict.Complete && verdict.Reason == models.ReasonStagnation
		if err := o.store.RecordStagnation(sess.ID, verdict.Similarity, detected); err != nil {
			slog.Warn("Failed to record stagnation state", "session_id", sess.ID, "error", err)
		}
	}

	if verdict.Complete {
		completed, err := o.store.MarkComplete(sess.ID, verdict.Reason)
		if err != nil {
			slog.Error("Failed to mark session complete", "session_id", sess.ID, "error", err)
		} else {
			updated = completed
		}
		if verdict.Reason == models.ReasonStagnation {
			o.metrics.StagnationDetected()
		}
		if updated.ContextHandle != "" {
			if err := o.judge.TerminateContext(updated.ContextHandle, string(verdict.Reason)); err != nil {
				slog.Warn("Failed to terminate context window",
					"session_id", sess.ID, "handle", updated.ContextHandle, "error", err)
			}
		}
	}

	o.metrics.AuditCompleted(string(review.Verdict))
	o.logs.Audit(observability.Entry{
		Event:     "iteration_recorded",
		SessionID: updated.ID,
		LoopID:    updated.LoopID,
		Iteration: updated.CurrentLoop,
		Fields: map[string]any{
			"verdict":  string(review.Verdict),
			"score":    review.OverallScore,
			"complete": updated.IsComplete,
			"reason":   string(updated.CompletionReason),
		},
	})

	status := models.CompletionStatus{
		IsComplete:  updated.IsComplete,
		Reason:      updated.CompletionReason,
		CurrentLoop: updated.CurrentLoop,
		Score:       review.OverallScore,
		Threshold:   updated.Config.ThresholdAt(updated.CurrentLoop),
	}
	return &Response{
		Review:            review,
		Session:           updated,
		CompletionStatus:  status,
		NextThoughtNeeded: o.cfg.SynchronousMode && !updated.IsComplete,
	}, nil
}

// callJudge invokes the driver with the composed deadline, retrying only
// timeouts and transient I/O errors with a fixed backoff. Parser failures
// and non-zero exits are permanent.
func (o *Orchestrator) callJudge(ctx context.Context, req codex.AuditRequest, handle string) (*models.Review, error) {
	var review *models.Review

	op := func() error {
		deadline := time.Now().Add(o.cfg.Queue.AuditTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		r, err := o.judge.Audit(ctx, req, handle, deadline)
		if err != nil {
			if errors.Is(err, codex.ErrJudgeTimeout) || errors.Is(err, codex.ErrJudgeIO) {
				return err
			}
			return backoff.Permanent(err)
		}
		review = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(o.cfg.Queue.RetryBackoff),
			uint64(o.cfg.Queue.AuditRetryAttempts),
		), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return review, nil
}

// synthesizeFailureReview builds the reject review recorded when retries
// are exhausted without any usable judge output.
func synthesizeFailureReview(err error, timedOut bool) *models.Review {
	return &models.Review{
		Verdict:      models.VerdictReject,
		OverallScore: 0,
		Dimensions:   map[string]int{},
		Summary:      fmt.Sprintf("audit failed before producing a review: %v", err),
		TimedOut:     timedOut,
	}
}

func validateSubmission(sub *models.Submission) error {
	switch {
	case sub == nil:
		return fmt.Errorf("%w: nil submission", ErrValidation)
	case sub.SessionID == "":
		return fmt.Errorf("%w: session id required", ErrValidation)
	case sub.Thought == "":
		return fmt.Errorf("%w: thought required", ErrValidation)
	case sub.ThoughtNumber < 1:
		return fmt.Errorf("%w: thought number must be >= 1", ErrValidation)
	default:
		return nil
	}
}
