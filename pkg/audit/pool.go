package audit

import (
	"context"
	"log/slog"
	"sync"
)

// pool manages the fixed set of audit workers.
type pool struct {
	o       *Orchestrator
	size    int
	workers []*Worker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

func newPool(o *Orchestrator, size int) *pool {
	return &pool{
		o:       o,
		size:    size,
		workers: make([]*Worker, 0, size),
		stopCh:  make(chan struct{}),
	}
}

// Start spawns the worker goroutines. Safe to call multiple times;
// subsequent calls are no-ops.
func (p *pool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	slog.Info("Starting audit worker pool", "worker_count", p.size)
	for i := 0; i < p.size; i++ {
		w := newWorker(i, p.o, p.stopCh)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
}

// Stop signals all workers and waits for in-flight audits to finish.
func (p *pool) Stop() {
	slog.Info("Stopping audit worker pool")
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("Audit worker pool stopped")
}

func (p *pool) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Health returns the current pool health.
func (p *pool) Health(queueDepth, maxQueueDepth int) *PoolHealth {
	stats := make([]WorkerHealth, len(p.workers))
	active := 0
	for i, w := range p.workers {
		stats[i] = w.Health()
		if stats[i].Status == string(WorkerStatusWorking) {
			active++
		}
	}
	return &PoolHealth{
		IsHealthy:     len(p.workers) > 0 && !p.stopped(),
		ActiveWorkers: active,
		TotalWorkers:  len(p.workers),
		QueueDepth:    queueDepth,
		MaxQueueDepth: maxQueueDepth,
		WorkerStats:   stats,
	}
}
