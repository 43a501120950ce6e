package session

import "errors"

var (
	// ErrNotFound is returned when a session is neither live nor on disk.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyComplete is returned by mutators on a terminal session.
	ErrAlreadyComplete = errors.New("session already complete")

	// ErrCapacity is returned when creating a session would exceed the
	// active-session cap. Retryable once older sessions are reaped.
	ErrCapacity = errors.New("session capacity reached")

	// ErrSnapshotFailed is returned when persisting a snapshot failed after
	// retries. The in-memory mutation has still been applied.
	ErrSnapshotFailed = errors.New("session snapshot failed")
)
