package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drcubix/gansauditor/pkg/codex"
	"github.com/drcubix/gansauditor/pkg/config"
	"github.com/drcubix/gansauditor/pkg/models"
	"github.com/drcubix/gansauditor/pkg/session"
)

// fakeJudge scripts the driver: a fixed score per call, optional errors,
// and bookkeeping for concurrency and context lifecycle assertions.
type fakeJudge struct {
	mu          sync.Mutex
	calls       int
	errs        []error // errs[i] fails call i; nil or exhausted means success
	score       int
	delay       time.Duration
	handles     map[string]string // loopID → handle
	terminated  []string          // "handle/reason"
	startErr    error
	inFlight    map[string]int // sessionID → concurrent audits
	maxInFlight int
}

func newFakeJudge(score int) *fakeJudge {
	return &fakeJudge{
		score:    score,
		handles:  make(map[string]string),
		inFlight: make(map[string]int),
	}
}

func (f *fakeJudge) StartContext(_ context.Context, loopID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	if h, ok := f.handles[loopID]; ok {
		return h, nil
	}
	h := "ctx-" + loopID
	f.handles[loopID] = h
	return h, nil
}

func (f *fakeJudge) TerminateContext(handle, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, handle+"/"+reason)
	return nil
}

func (f *fakeJudge) Audit(ctx context.Context, req codex.AuditRequest, _ string, _ time.Time) (*models.Review, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.inFlight[req.SessionID]++
	if f.inFlight[req.SessionID] > f.maxInFlight {
		f.maxInFlight = f.inFlight[req.SessionID]
	}
	delay := f.delay
	score := f.score
	var err error
	if call < len(f.errs) {
		err = f.errs[call]
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight[req.SessionID]--
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	verdict := models.VerdictRevise
	if score >= 90 {
		verdict = models.VerdictPass
	}
	return &models.Review{
		Verdict:      verdict,
		OverallScore: score,
		Dimensions:   map[string]int{models.DimensionCorrectness: score},
		Summary:      fmt.Sprintf("call %d scored %d", call, score),
	}, nil
}

func (f *fakeJudge) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestOrchestrator(t *testing.T, judge Judge, tweak func(*config.Config)) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	cfg.Store.StateDir = t.TempDir()
	cfg.Queue.RetryBackoff = 5 * time.Millisecond
	cfg.Queue.AuditTimeout = time.Second
	if tweak != nil {
		tweak(cfg)
	}
	store, err := session.NewStore(cfg.Store, cfg.Completion.SessionConfig(), nil, nil)
	require.NoError(t, err)

	o := NewOrchestrator(cfg, store, judge, nil, nil)
	o.Start(context.Background())
	t.Cleanup(o.Stop)
	return o
}

func submission(sessionID string, n int, thought string) *models.Submission {
	return &models.Submission{
		SessionID:     sessionID,
		Thought:       thought,
		ThoughtNumber: n,
		TotalThoughts: 10,
	}
}

func TestSubmitHappyPath(t *testing.T) {
	judge := newFakeJudge(72)
	o := newTestOrchestrator(t, judge, nil)

	resp, err := o.Submit(context.Background(), submission("sess-1", 1, "first attempt at the fix"))
	require.NoError(t, err)

	assert.Equal(t, 72, resp.Review.OverallScore)
	assert.Equal(t, models.VerdictRevise, resp.Review.Verdict)
	assert.True(t, resp.NextThoughtNeeded)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, 1, resp.Session.CurrentLoop)
	assert.Equal(t, 1, resp.CompletionStatus.CurrentLoop)
	assert.Equal(t, 95, resp.CompletionStatus.Threshold)
	assert.Equal(t, 1, judge.callCount())
}

func TestSubmitValidation(t *testing.T) {
	o := newTestOrchestrator(t, newFakeJudge(70), nil)

	_, err := o.Submit(context.Background(), submission("", 1, "x"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = o.Submit(context.Background(), submission("sess-1", 0, "x"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = o.Submit(context.Background(), submission("sess-1", 1, ""))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitCacheDeduplicatesWorkNotHistory(t *testing.T) {
	judge := newFakeJudge(80)
	o := newTestOrchestrator(t, judge, nil)

	first, err := o.Submit(context.Background(), submission("sess-1", 1, "identical thought"))
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := o.Submit(context.Background(), submission("sess-1", 2, "identical thought"))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)

	// One judge invocation, two history entries.
	assert.Equal(t, 1, judge.callCount())
	assert.Equal(t, 2, second.Session.CurrentLoop)
	assert.Equal(t, second.Session.History[0].Fingerprint, second.Session.History[1].Fingerprint)
}

func TestSubmitCacheDisabled(t *testing.T) {
	judge := newFakeJudge(80)
	o := newTestOrchestrator(t, judge, func(cfg *config.Config) {
		cfg.Queue.CacheEnabled = false
	})

	_, err := o.Submit(context.Background(), submission("sess-1", 1, "identical thought"))
	require.NoError(t, err)
	_, err = o.Submit(context.Background(), submission("sess-1", 2, "identical thought"))
	require.NoError(t, err)

	assert.Equal(t, 2, judge.callCount())
}

func TestSubmitRetriesTimeouts(t *testing.T) {
	judge := newFakeJudge(75)
	judge.errs = []error{codex.ErrJudgeTimeout, codex.ErrJudgeIO}
	o := newTestOrchestrator(t, judge, nil)

	resp, err := o.Submit(context.Background(), submission("sess-1", 1, "retry me"))
	require.NoError(t, err)

	// Two failures, one success; exactly one iteration appended.
	assert.Equal(t, 3, judge.callCount())
	assert.Equal(t, 75, resp.Review.OverallScore)
	assert.Equal(t, 1, resp.Session.CurrentLoop)
}

func TestSubmitRetryExhaustionSynthesizesRejectReview(t *testing.T) {
	judge := newFakeJudge(75)
	judge.errs = []error{codex.ErrJudgeTimeout, codex.ErrJudgeTimeout, codex.ErrJudgeTimeout}
	o := newTestOrchestrator(t, judge, nil)

	resp, err := o.Submit(context.Background(), submission("sess-1", 1, "doomed"))
	require.NoError(t, err)

	assert.Equal(t, models.VerdictReject, resp.Review.Verdict)
	assert.Equal(t, 0, resp.Review.OverallScore)
	assert.True(t, resp.Review.TimedOut)
	// The failed attempt still counts as an iteration.
	assert.Equal(t, 1, resp.Session.CurrentLoop)
	assert.Equal(t, 3, judge.callCount())
}

func TestSubmitDoesNotRetryBadOutput(t *testing.T) {
	judge := newFakeJudge(75)
	judge.errs = []error{&codex.CommandError{Kind: codex.ErrBadOutput, Cmd: "codex audit"}}
	o := newTestOrchestrator(t, judge, nil)

	_, err := o.Submit(context.Background(), submission("sess-1", 1, "bad output"))
	require.Error(t, err)
	assert.ErrorIs(t, err, codex.ErrBadOutput)
	assert.Equal(t, 1, judge.callCount())

	// Parser failures are not recorded as iterations.
	s, err := o.store.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.CurrentLoop)
}

func TestSubmitQueueFull(t *testing.T) {
	judge := newFakeJudge(75)
	judge.delay = 300 * time.Millisecond
	o := newTestOrchestrator(t, judge, func(cfg *config.Config) {
		cfg.Queue.MaxConcurrentAudits = 1
		cfg.Queue.MaxQueueDepth = 2
		cfg.Queue.CacheEnabled = false
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.Submit(context.Background(),
				submission(fmt.Sprintf("sess-%d", i), 1, fmt.Sprintf("thought %d", i)))
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)

	full := 0
	for err := range errCh {
		if err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			full++
		}
	}
	assert.Greater(t, full, 0, "some submissions should hit backpressure")
}

func TestSubmitSerializesPerSession(t *testing.T) {
	judge := newFakeJudge(75)
	judge.delay = 30 * time.Millisecond
	o := newTestOrchestrator(t, judge, func(cfg *config.Config) {
		cfg.Queue.MaxConcurrentAudits = 4
		cfg.Queue.CacheEnabled = false
	})

	var wg sync.WaitGroup
	for i := 1; i <= 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.Submit(context.Background(),
				submission("sess-shared", i, fmt.Sprintf("concurrent thought %d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	judge.mu.Lock()
	defer judge.mu.Unlock()
	assert.Equal(t, 1, judge.maxInFlight, "audits for one session must never overlap")
}

func TestSubmitOverallDeadlineWhileQueued(t *testing.T) {
	judge := newFakeJudge(75)
	judge.delay = 200 * time.Millisecond
	o := newTestOrchestrator(t, judge, func(cfg *config.Config) {
		cfg.Queue.MaxConcurrentAudits = 1
		cfg.Queue.MaxQueueDepth = 10
		cfg.Queue.CacheEnabled = false
	})

	// Occupy the only worker.
	go func() {
		_, _ = o.Submit(context.Background(), submission("sess-busy", 1, "long running"))
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := o.Submit(ctx, submission("sess-late", 1, "will expire in queue"))
	assert.ErrorIs(t, err, ErrTimeout)

	// The abandoned submission is discarded without a judge call.
	assert.Eventually(t, func() bool { return judge.callCount() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestSubmitCompletionTerminatesContext(t *testing.T) {
	judge := newFakeJudge(97)
	o := newTestOrchestrator(t, judge, nil)

	var last *Response
	for i := 1; i <= 10; i++ {
		resp, err := o.Submit(context.Background(), &models.Submission{
			SessionID:     "sess-loop",
			LoopID:        "loop-9",
			Thought:       fmt.Sprintf("revision number %d of the change", i),
			ThoughtNumber: i,
			TotalThoughts: 10,
		})
		require.NoError(t, err)
		last = resp
		if i < 10 {
			assert.True(t, resp.NextThoughtNeeded, "loop %d", i)
			assert.False(t, resp.CompletionStatus.IsComplete)
		}
	}

	require.True(t, last.CompletionStatus.IsComplete)
	assert.Equal(t, models.ReasonTier1, last.CompletionStatus.Reason)
	assert.False(t, last.NextThoughtNeeded)

	judge.mu.Lock()
	defer judge.mu.Unlock()
	require.Len(t, judge.terminated, 1)
	assert.Equal(t, "ctx-loop-9/tier1", judge.terminated[0])
}

func TestSubmitAfterCompletionFails(t *testing.T) {
	judge := newFakeJudge(97)
	o := newTestOrchestrator(t, judge, func(cfg *config.Config) {
		cfg.Completion.Tier1MinLoops = 1
	})

	resp, err := o.Submit(context.Background(), submission("sess-1", 1, "instant pass"))
	require.NoError(t, err)
	require.True(t, resp.CompletionStatus.IsComplete)

	_, err = o.Submit(context.Background(), submission("sess-1", 2, "one more"))
	assert.ErrorIs(t, err, session.ErrAlreadyComplete)
	assert.Equal(t, KindAlreadyComplete, KindOf(err))
}

func TestSubmitContextStartFailureIsNonFatal(t *testing.T) {
	judge := newFakeJudge(70)
	judge.startErr = fmt.Errorf("context backend down")
	o := newTestOrchestrator(t, judge, nil)

	resp, err := o.Submit(context.Background(), &models.Submission{
		SessionID:     "sess-1",
		LoopID:        "loop-1",
		Thought:       "no context available",
		ThoughtNumber: 1,
		TotalThoughts: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 70, resp.Review.OverallScore)
	assert.Empty(t, resp.Session.ContextHandle)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindQueueFull, KindOf(ErrQueueFull))
	assert.Equal(t, KindTimeout, KindOf(ErrTimeout))
	assert.Equal(t, KindTimeout, KindOf(codex.ErrJudgeTimeout))
	assert.Equal(t, KindJudgeUnavailable, KindOf(codex.ErrJudgeNotFound))
	assert.Equal(t, KindJudgeFailed, KindOf(&codex.CommandError{Kind: codex.ErrBadOutput}))
	assert.Equal(t, KindSessionNotFound, KindOf(session.ErrNotFound))
	assert.Equal(t, KindAlreadyComplete, KindOf(session.ErrAlreadyComplete))
	assert.Equal(t, KindCapacity, KindOf(session.ErrCapacity))
	assert.Equal(t, KindValidationFailed, KindOf(ErrValidation))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("anything else")))
}
