package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Stream identifies one of the append-only operational log files.
type Stream string

// Log streams. Each gets its own date-named JSONL file.
const (
	StreamAudit       Stream = "audit"
	StreamSession     Stream = "session"
	StreamPerformance Stream = "performance"
	StreamContext     Stream = "context"
)

// Entry is one structured log record. Fields are redacted before the entry
// is buffered.
type Entry struct {
	Time      time.Time      `json:"ts"`
	Event     string         `json:"event"`
	SessionID string         `json:"session_id,omitempty"`
	LoopID    string         `json:"loop_id,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type record struct {
	stream Stream
	entry  Entry
}

// LoggerOptions configures the stream logger.
type LoggerOptions struct {
	Dir           string
	BufferSize    int
	FlushInterval time.Duration
	MaxFileSizeMB int
	MaxBackups    int
}

// StreamLogger buffers structured entries in a bounded in-memory queue and
// appends them to per-stream JSONL files from a background flusher. Files
// are named <stream>-<YYYY-MM-DD>.jsonl; size rotation within a day is
// handled by lumberjack. A nil *StreamLogger is a valid no-op receiver.
type StreamLogger struct {
	opts     LoggerOptions
	redactor *Redactor
	metrics  *Metrics

	mu      sync.Mutex
	buf     []record
	dropped int

	writers map[Stream]*streamWriter

	cancel context.CancelFunc
	done   chan struct{}
}

type streamWriter struct {
	date string
	lj   *lumberjack.Logger
}

// NewStreamLogger creates a stream logger. redactor and metrics may be nil.
func NewStreamLogger(opts LoggerOptions, redactor *Redactor, metrics *Metrics) *StreamLogger {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	return &StreamLogger{
		opts:     opts,
		redactor: redactor,
		metrics:  metrics,
		buf:      make([]record, 0, opts.BufferSize),
		writers:  make(map[Stream]*streamWriter),
	}
}

// Start launches the background flusher. Safe to call once.
func (l *StreamLogger) Start(ctx context.Context) {
	if l == nil || l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
	slog.Info("Stream logger started", "dir", l.opts.Dir, "flush_interval", l.opts.FlushInterval)
}

// Stop flushes remaining entries and closes the files.
func (l *StreamLogger) Stop() {
	if l == nil || l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.flush()
	l.mu.Lock()
	for _, w := range l.writers {
		_ = w.lj.Close()
	}
	l.writers = make(map[Stream]*streamWriter)
	l.mu.Unlock()
	slog.Info("Stream logger stopped")
}

func (l *StreamLogger) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

// Audit appends an entry to the audit stream.
func (l *StreamLogger) Audit(e Entry) { l.log(StreamAudit, e) }

// Session appends an entry to the session stream.
func (l *StreamLogger) Session(e Entry) { l.log(StreamSession, e) }

// Performance appends an entry to the performance stream.
func (l *StreamLogger) Performance(e Entry) { l.log(StreamPerformance, e) }

// Context appends an entry to the context stream.
func (l *StreamLogger) Context(e Entry) { l.log(StreamContext, e) }

func (l *StreamLogger) log(stream Stream, e Entry) {
	if l == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e.Fields = l.redactor.RedactFields(e.Fields)

	l.mu.Lock()
	if len(l.buf) >= l.opts.BufferSize {
		// Bounded buffer: drop the oldest entry and account for it.
		copy(l.buf, l.buf[1:])
		l.buf = l.buf[:len(l.buf)-1]
		l.dropped++
	}
	l.buf = append(l.buf, record{stream: stream, entry: e})
	l.mu.Unlock()
}

// flush drains the buffer and appends each record to its stream file.
func (l *StreamLogger) flush() {
	l.mu.Lock()
	if len(l.buf) == 0 && l.dropped == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.buf
	l.buf = make([]record, 0, l.opts.BufferSize)
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		l.metrics.LogEntriesDropped(dropped)
		slog.Warn("Stream logger dropped entries", "count", dropped)
	}

	for _, rec := range batch {
		line, err := json.Marshal(rec.entry)
		if err != nil {
			slog.Warn("Failed to marshal log entry", "stream", rec.stream, "error", err)
			continue
		}
		w := l.writer(rec.stream, rec.entry.Time)
		if _, err := w.Write(append(line, '\n')); err != nil {
			slog.Warn("Failed to append log entry", "stream", rec.stream, "error", err)
		}
	}
}

// writer returns the lumberjack writer for a stream, rolling to a new
// date-named file when the entry's date differs from the open one.
func (l *StreamLogger) writer(stream Stream, ts time.Time) *lumberjack.Logger {
	date := ts.Format("2006-01-02")

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.writers[stream]
	if ok && w.date == date {
		return w.lj
	}
	if ok {
		_ = w.lj.Close()
	}
	lj := &lumberjack.Logger{
		Filename:   filepath.Join(l.opts.Dir, string(stream)+"-"+date+".jsonl"),
		MaxSize:    l.opts.MaxFileSizeMB,
		MaxBackups: l.opts.MaxBackups,
	}
	l.writers[stream] = &streamWriter{date: date, lj: lj}
	return lj
}
