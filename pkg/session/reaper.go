package session

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically removes expired session snapshots. Idempotent and
// safe to run alongside live traffic: in-memory sessions are skipped.
type Reaper struct {
	store    *Store
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper for the given store.
func NewReaper(store *Store) *Reaper {
	return &Reaper{
		store:    store,
		interval: store.cfg.ReapInterval,
	}
}

// Start launches the background reap loop.
func (r *Reaper) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go r.run(ctx)

	slog.Info("Session reaper started",
		"max_session_age", r.store.cfg.MaxSessionAge,
		"interval", r.interval)
}

// Stop signals the reap loop to exit and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("Session reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	r.reapOnce()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Reaper) reapOnce() {
	if _, err := r.store.Reap(); err != nil {
		slog.Error("Reap failed", "error", err)
	}
}
