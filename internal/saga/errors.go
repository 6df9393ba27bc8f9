package saga

import "errors"

var (
	ErrSessionExists    = errors.New("session already exists")
	ErrSessionNotFound  = errors.New("session not found")
	ErrStepNotFound     = errors.New("step not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrStepNotRetryable = errors.New("step is not in a retryable state")
	ErrSessionClosed    = errors.New("session is in a terminal state")
)
