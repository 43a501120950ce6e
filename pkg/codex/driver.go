package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drcubix/gansauditor/pkg/config"
	"github.com/drcubix/gansauditor/pkg/models"
	"github.com/drcubix/gansauditor/pkg/observability"
)

// stderrTailLimit bounds how much child stderr is carried in errors.
const stderrTailLimit = 2048

// AuditRequest is one structured audit handed to the analyzer.
type AuditRequest struct {
	SessionID      string   `json:"session_id"`
	LoopID         string   `json:"loop_id,omitempty"`
	Iteration      int      `json:"iteration"`
	Task           string   `json:"task,omitempty"`
	Thought        string   `json:"thought"`
	Scope          string   `json:"scope,omitempty"`
	Paths          []string `json:"paths,omitempty"`
	RepositoryRoot string   `json:"-"`
}

// contextWindow is one live per-loop analyzer context.
type contextWindow struct {
	handle string
	loopID string
	proc   Process
	waitCh chan error
}

// Driver manages analyzer child processes. It imposes no concurrency cap of
// its own; the orchestrator does.
type Driver struct {
	cfg      *config.CodexConfig
	runner   Runner
	redactor *observability.Redactor
	metrics  *observability.Metrics
	logs     *observability.StreamLogger

	mu       sync.Mutex
	contexts map[string]*contextWindow // handle → window
	byLoop   map[string]string         // loopID → handle
	children map[int64]Process
	childSeq int64
}

// NewDriver creates a judge driver. runner is injectable for tests; pass
// NewExecRunner() in production.
func NewDriver(cfg *config.CodexConfig, runner Runner, redactor *observability.Redactor, metrics *observability.Metrics, logs *observability.StreamLogger) *Driver {
	return &Driver{
		cfg:      cfg,
		runner:   runner,
		redactor: redactor,
		metrics:  metrics,
		logs:     logs,
		contexts: make(map[string]*contextWindow),
		byLoop:   make(map[string]string),
		children: make(map[int64]Process),
	}
}

// CheckAvailable probes the analyzer's version. Bounded timeout, no retries.
func (d *Driver) CheckAvailable(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.VersionProbeTimeout)
	defer cancel()

	start := time.Now()
	proc, err := d.runner.Start(ctx, CommandSpec{
		Path: d.cfg.Executable,
		Args: []string{"--version"},
	})
	if err != nil {
		return "", err
	}
	id := d.track(proc)
	defer d.untrack(id)

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	select {
	case err := <-waitCh:
		if err != nil {
			return "", d.commandError(ErrNonZeroExit, []string{"--version"}, "", time.Since(start), proc)
		}
		version := strings.TrimSpace(string(proc.Stdout()))
		if version == "" {
			return "", d.commandError(ErrBadOutput, []string{"--version"}, "", time.Since(start), proc)
		}
		return version, nil
	case <-ctx.Done():
		_ = proc.Kill()
		<-waitCh
		return "", d.commandError(ErrJudgeTimeout, []string{"--version"}, "", time.Since(start), proc)
	}
}

// StartContext creates (or reuses) the persistent analyzer context for a
// loop. At most one context per loopId is ever live; concurrent callers get
// the same handle.
func (d *Driver) StartContext(ctx context.Context, loopID string) (string, error) {
	d.mu.Lock()
	if handle, ok := d.byLoop[loopID]; ok {
		d.mu.Unlock()
		return handle, nil
	}
	if len(d.contexts) >= d.cfg.MaxActiveContexts {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %d live", ErrTooManyContexts, d.cfg.MaxActiveContexts)
	}
	d.mu.Unlock()

	args := append([]string{"context", "serve", "--loop-id", loopID}, d.cfg.ExtraArgs...)
	proc, err := d.runner.Start(ctx, CommandSpec{
		Path: d.cfg.Executable,
		Args: args,
	})
	if err != nil {
		return "", fmt.Errorf("starting context for loop %s: %w", loopID, err)
	}

	handle := uuid.New().String()
	win := &contextWindow{handle: handle, loopID: loopID, proc: proc, waitCh: make(chan error, 1)}

	d.mu.Lock()
	// A concurrent StartContext may have won the race; keep the first.
	if existing, ok := d.byLoop[loopID]; ok {
		d.mu.Unlock()
		go func() {
			waitCh := make(chan error, 1)
			go func() { waitCh <- proc.Wait() }()
			d.terminateWithGrace(proc, waitCh)
		}()
		return existing, nil
	}
	d.contexts[handle] = win
	d.byLoop[loopID] = handle
	id := d.childSeq
	d.childSeq++
	d.children[id] = proc
	d.mu.Unlock()

	// Single waiter: reaps the exit status whenever the child terminates.
	go func() {
		win.waitCh <- proc.Wait()
		d.untrack(id)
	}()

	d.metrics.ContextCreated()
	d.logs.Context(observability.Entry{
		Event:  "context_created",
		LoopID: loopID,
		Fields: map[string]any{"handle": handle, "pid": proc.PID()},
	})
	slog.Debug("Context window started", "loop_id", loopID, "handle", handle)
	return handle, nil
}

// TerminateContext tears down a context window. Idempotent: unknown or
// already-terminated handles succeed.
func (d *Driver) TerminateContext(handle string, reason string) error {
	if handle == "" {
		return nil
	}

	d.mu.Lock()
	win, ok := d.contexts[handle]
	if ok {
		delete(d.contexts, handle)
		delete(d.byLoop, win.loopID)
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}

	d.terminateWithGrace(win.proc, win.waitCh)

	d.metrics.ContextTerminated(reason)
	d.logs.Context(observability.Entry{
		Event:  "context_terminated",
		LoopID: win.loopID,
		Fields: map[string]any{"handle": handle, "reason": reason},
	})
	slog.Debug("Context window terminated", "loop_id", win.loopID, "handle", handle, "reason", reason)
	return nil
}

// Audit runs one analyzer invocation with an absolute deadline. When the
// deadline expires the child is terminated gracefully, then killed; partial
// stdout that still parses is returned as a timed-out partial review.
func (d *Driver) Audit(ctx context.Context, req AuditRequest, handle string, deadline time.Time) (*models.Review, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding audit request: %w", err)
	}

	args := []string{"audit", "--format", "json"}
	if d.cfg.Model != "" {
		args = append(args, "--model", d.cfg.Model)
	}
	if handle != "" {
		args = append(args, "--context-id", handle)
	}
	args = append(args, d.cfg.ExtraArgs...)

	start := time.Now()
	proc, err := d.runner.Start(ctx, CommandSpec{
		Path:  d.cfg.Executable,
		Args:  args,
		Dir:   req.RepositoryRoot,
		Stdin: payload,
	})
	if err != nil {
		if errors.Is(err, ErrJudgeNotFound) {
			return nil, &CommandError{
				Kind: ErrJudgeNotFound,
				Cmd:  d.redactCmd(args),
				Dir:  req.RepositoryRoot,
			}
		}
		return nil, d.wrapIO(err, args, req.RepositoryRoot, time.Since(start))
	}
	id := d.track(proc)
	defer d.untrack(id)

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	select {
	case waitErr := <-waitCh:
		duration := time.Since(start)
		review, parseErr := parseReview(proc.Stdout())
		if waitErr != nil {
			if review != nil {
				// Non-zero exit with a valid document: trust the document.
				slog.Warn("Judge exited non-zero with parseable output",
					"session_id", req.SessionID, "exit", proc.ExitCode())
				return review, nil
			}
			return nil, d.commandError(ErrNonZeroExit, args, req.RepositoryRoot, duration, proc)
		}
		if parseErr != nil {
			return nil, d.commandError(ErrBadOutput, args, req.RepositoryRoot, duration, proc)
		}
		return review, nil

	case <-ctx.Done():
		d.terminateWithGrace(proc, waitCh)
		duration := time.Since(start)
		d.metrics.AuditTimedOut()

		if review, parseErr := parseReview(proc.Stdout()); parseErr == nil {
			review.TimedOut = true
			review.Partial = true
			slog.Warn("Judge timed out, returning partial review",
				"session_id", req.SessionID, "duration", duration)
			return review, nil
		}
		return nil, d.commandError(ErrJudgeTimeout, args, req.RepositoryRoot, duration, proc)
	}
}

// ActiveChildren returns how many analyzer processes are currently alive.
func (d *Driver) ActiveChildren() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.children)
}

// ActiveContexts returns how many context windows are currently live.
func (d *Driver) ActiveContexts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contexts)
}

// Shutdown terminates all context windows and force-kills any remaining
// children within the configured grace period.
func (d *Driver) Shutdown(ctx context.Context) {
	d.mu.Lock()
	handles := make([]string, 0, len(d.contexts))
	for h := range d.contexts {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	for _, h := range handles {
		_ = d.TerminateContext(h, "shutdown")
	}

	deadline := time.Now().Add(d.cfg.TerminateGrace)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if d.ActiveChildren() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if d.ActiveChildren() == 0 {
		return
	}

	d.mu.Lock()
	rest := make([]Process, 0, len(d.children))
	for _, p := range d.children {
		rest = append(rest, p)
	}
	d.mu.Unlock()

	for _, p := range rest {
		_ = p.Kill()
	}
	if len(rest) > 0 {
		slog.Warn("Force-killed analyzer children at shutdown", "count", len(rest))
	}
}

// terminateWithGrace terminates a child gracefully, escalating to kill
// after the grace window. waitCh must be the child's single waiter channel.
func (d *Driver) terminateWithGrace(proc Process, waitCh <-chan error) {
	_ = proc.Terminate()
	select {
	case <-waitCh:
	case <-time.After(d.cfg.TerminateGrace):
		_ = proc.Kill()
		<-waitCh
	}
}

func (d *Driver) track(proc Process) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.childSeq
	d.childSeq++
	d.children[id] = proc
	return id
}

func (d *Driver) untrack(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.children, id)
}

func (d *Driver) redactCmd(args []string) string {
	full := append([]string{d.cfg.Executable}, args...)
	return strings.Join(d.redactor.RedactArgs(full), " ")
}

func (d *Driver) commandError(kind error, args []string, dir string, duration time.Duration, proc Process) *CommandError {
	tail := proc.Stderr()
	if len(tail) > stderrTailLimit {
		tail = tail[len(tail)-stderrTailLimit:]
	}
	return &CommandError{
		Kind:       kind,
		Cmd:        d.redactCmd(args),
		Dir:        dir,
		Duration:   duration,
		ExitCode:   proc.ExitCode(),
		StderrTail: d.redactor.RedactString(strings.TrimSpace(string(tail))),
	}
}

func (d *Driver) wrapIO(err error, args []string, dir string, duration time.Duration) *CommandError {
	return &CommandError{
		Kind:       ErrJudgeIO,
		Cmd:        d.redactCmd(args),
		Dir:        dir,
		Duration:   duration,
		ExitCode:   -1,
		StderrTail: err.Error(),
	}
}
