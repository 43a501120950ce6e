package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, bufSize int) (*StreamLogger, string) {
	t.Helper()
	dir := t.TempDir()
	l := NewStreamLogger(LoggerOptions{
		Dir:           dir,
		BufferSize:    bufSize,
		FlushInterval: time.Hour, // flush manually in tests
		MaxFileSizeMB: 10,
		MaxBackups:    2,
	}, NewRedactor(nil), nil)
	return l, dir
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return entries
}

func streamFile(dir string, stream Stream) string {
	date := time.Now().UTC().Format("2006-01-02")
	return filepath.Join(dir, string(stream)+"-"+date+".jsonl")
}

func TestStreamLoggerWritesJSONL(t *testing.T) {
	l, dir := newTestLogger(t, 16)

	l.Audit(Entry{Event: "audit_started", SessionID: "sess-1", LoopID: "loop-1", Iteration: 3})
	l.Audit(Entry{Event: "audit_completed", SessionID: "sess-1", Iteration: 3,
		Fields: map[string]any{"verdict": "pass"}})
	l.Session(Entry{Event: "session_created", SessionID: "sess-1"})
	l.flush()

	audit := readEntries(t, streamFile(dir, StreamAudit))
	require.Len(t, audit, 2)
	assert.Equal(t, "audit_started", audit[0].Event)
	assert.Equal(t, "sess-1", audit[0].SessionID)
	assert.Equal(t, 3, audit[0].Iteration)
	assert.False(t, audit[0].Time.IsZero())
	assert.Equal(t, "pass", audit[1].Fields["verdict"])

	session := readEntries(t, streamFile(dir, StreamSession))
	require.Len(t, session, 1)
	assert.Equal(t, "session_created", session[0].Event)

	// Streams not written to have no files.
	_, err := os.Stat(streamFile(dir, StreamPerformance))
	assert.True(t, os.IsNotExist(err))
}

func TestStreamLoggerRedactsFields(t *testing.T) {
	l, dir := newTestLogger(t, 16)

	l.Context(Entry{Event: "context_created", Fields: map[string]any{
		"api_token": "sk-secret",
		"command":   "codex --key=abc serve",
	}})
	l.flush()

	entries := readEntries(t, streamFile(dir, StreamContext))
	require.Len(t, entries, 1)
	assert.Equal(t, Redacted, entries[0].Fields["api_token"])
	assert.Equal(t, "codex --key="+Redacted+" serve", entries[0].Fields["command"])
}

func TestStreamLoggerBoundedBufferDropsOldest(t *testing.T) {
	l, dir := newTestLogger(t, 4)

	for i := 0; i < 10; i++ {
		l.Performance(Entry{Event: "tick", Iteration: i})
	}
	l.flush()

	entries := readEntries(t, streamFile(dir, StreamPerformance))
	require.Len(t, entries, 4)
	// The newest four survive.
	assert.Equal(t, 6, entries[0].Iteration)
	assert.Equal(t, 9, entries[3].Iteration)
}

func TestStreamLoggerStartStopFlushes(t *testing.T) {
	l, dir := newTestLogger(t, 16)
	l.Start(context.Background())
	l.Audit(Entry{Event: "audit_started", SessionID: "sess-1"})
	l.Stop()

	entries := readEntries(t, streamFile(dir, StreamAudit))
	require.Len(t, entries, 1)

	// Nil logger is a no-op everywhere.
	var nilLogger *StreamLogger
	nilLogger.Start(context.Background())
	nilLogger.Audit(Entry{Event: "ignored"})
	nilLogger.Stop()
}
