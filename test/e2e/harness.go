// Package e2e exercises the full audit loop: orchestrator, session store,
// completion evaluator, and the judge driver with a scripted child process.
package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drcubix/gansauditor/pkg/audit"
	"github.com/drcubix/gansauditor/pkg/codex"
	"github.com/drcubix/gansauditor/pkg/config"
	"github.com/drcubix/gansauditor/pkg/models"
	"github.com/drcubix/gansauditor/pkg/observability"
	"github.com/drcubix/gansauditor/pkg/session"
)

// judgeScript decides the behaviour of each scripted audit child, in call
// order. With no steps every call uses the default: score 80, verdict
// revise. Past the last step, the last step repeats.
type judgeScript struct {
	mu    sync.Mutex
	calls int
	steps []scriptStep
}

type scriptStep struct {
	score int
	hang  bool // does not exit until terminated; the full document is already on stdout
}

func scores(vals ...int) *judgeScript {
	s := &judgeScript{}
	for _, v := range vals {
		s.steps = append(s.steps, scriptStep{score: v})
	}
	return s
}

func (s *judgeScript) next() scriptStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	step := scriptStep{score: 80}
	if s.calls < len(s.steps) {
		step = s.steps[s.calls]
	} else if n := len(s.steps); n > 0 {
		step = s.steps[n-1] // repeat the last step forever
	}
	s.calls++
	return step
}

func (s *judgeScript) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// reviewDocFor renders the analyzer stdout document for a score.
func reviewDocFor(score int) []byte {
	verdict := "revise"
	if score >= 90 {
		verdict = "pass"
	}
	doc := map[string]any{
		"verdict": verdict,
		"overall": score,
		"dimensions": map[string]int{
			"correctness": score, "tests": score, "style": score,
			"security": score, "performance": score, "documentation": score,
		},
		"review": map[string]any{
			"inline":  []any{},
			"summary": fmt.Sprintf("overall quality sits at %d", score),
		},
	}
	data, _ := json.Marshal(doc)
	return data
}

// scriptedProcess emulates one analyzer child.
type scriptedProcess struct {
	stdout []byte
	hang   bool

	once   sync.Once
	killed chan struct{}
}

func (p *scriptedProcess) Wait() error {
	if !p.hang {
		return nil
	}
	<-p.killed
	return errors.New("signal: terminated")
}

func (p *scriptedProcess) Terminate() error {
	p.once.Do(func() { close(p.killed) })
	return nil
}

func (p *scriptedProcess) Kill() error {
	p.once.Do(func() { close(p.killed) })
	return nil
}

func (p *scriptedProcess) Stdout() []byte { return p.stdout }
func (p *scriptedProcess) Stderr() []byte { return nil }
func (p *scriptedProcess) ExitCode() int  { return 0 }
func (p *scriptedProcess) PID() int       { return 1 }

// scriptedRunner turns judgeScript steps into child processes. Version
// probes and context serves are recognized by their argv.
type scriptedRunner struct {
	script *judgeScript
}

func (r *scriptedRunner) Start(_ context.Context, spec codex.CommandSpec) (codex.Process, error) {
	switch spec.Args[0] {
	case "--version":
		return &scriptedProcess{stdout: []byte("codex 2.4.1"), killed: make(chan struct{})}, nil
	case "context":
		return &scriptedProcess{hang: true, killed: make(chan struct{})}, nil
	default: // audit
		step := r.script.next()
		return &scriptedProcess{
			stdout: reviewDocFor(step.score),
			hang:   step.hang,
			killed: make(chan struct{}),
		}, nil
	}
}

// harness wires a full stack against a scripted judge binary.
type harness struct {
	cfg    *config.Config
	store  *session.Store
	driver *codex.Driver
	orch   *audit.Orchestrator
	script *judgeScript
}

func newHarness(t *testing.T, script *judgeScript, tweak func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Store.StateDir = t.TempDir()
	cfg.Observability.LogDir = t.TempDir()
	cfg.Queue.AuditTimeout = 500 * time.Millisecond
	cfg.Queue.RetryBackoff = 5 * time.Millisecond
	cfg.Codex.TerminateGrace = 50 * time.Millisecond
	if tweak != nil {
		tweak(cfg)
	}

	redactor := observability.NewRedactor(nil)
	logs := observability.NewStreamLogger(observability.LoggerOptions{
		Dir:           cfg.Observability.LogDir,
		BufferSize:    cfg.Observability.BufferSize,
		FlushInterval: 20 * time.Millisecond,
	}, redactor, nil)
	logs.Start(context.Background())
	t.Cleanup(logs.Stop)

	store, err := session.NewStore(cfg.Store, cfg.Completion.SessionConfig(), nil, logs)
	require.NoError(t, err)

	driver := codex.NewDriver(cfg.Codex, &scriptedRunner{script: script}, redactor, nil, logs)
	t.Cleanup(func() { driver.Shutdown(context.Background()) })

	orch := audit.NewOrchestrator(cfg, store, driver, nil, logs)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	return &harness{cfg: cfg, store: store, driver: driver, orch: orch, script: script}
}

// submit runs one loop iteration and requires success.
func (h *harness) submit(t *testing.T, sessionID, loopID, thought string, n int) *audit.Response {
	t.Helper()
	resp, err := h.orch.Submit(context.Background(), &models.Submission{
		SessionID:     sessionID,
		LoopID:        loopID,
		Thought:       thought,
		ThoughtNumber: n,
		TotalThoughts: 30,
	})
	require.NoError(t, err)
	return resp
}
