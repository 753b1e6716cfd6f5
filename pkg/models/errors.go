package models

import (
	"errors"
	"fmt"
)

// ConflictError indicates an active queue item already exists for the same
// conversation and analysis type. Callers should treat it as
// "already scheduled", not as a failure.
type ConflictError struct {
	ConversationID string
	AnalysisType   AnalysisType
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("analysis %s already active for conversation %s", e.AnalysisType, e.ConversationID)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// NotClaimedError indicates a complete/fail call against a queue item that is
// not in the claimed state. A correct caller never triggers this; it signals a
// logic bug or a stale worker.
type NotClaimedError struct {
	Status QueueStatus
	ID     int64
}

func (e *NotClaimedError) Error() string {
	return fmt.Sprintf("queue item %d is %s, not claimed", e.ID, e.Status)
}

// PayloadTooLargeError is returned by an analysis backend when a batch payload
// exceeds its size limit. Recoverable by bisecting the batch.
type PayloadTooLargeError struct {
	Limit int
	Size  int
}

func (e *PayloadTooLargeError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("payload %d bytes exceeds limit %d", e.Size, e.Limit)
	}
	return "payload too large"
}

// ValidationError marks a malformed or untrustworthy backend result item.
// Absorbed per-item; never fatal to a batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

// AttemptsExhaustedError marks a queue item stuck at max attempts. It must be
// explicitly failed by an operator or the reaper, never silently retried.
type AttemptsExhaustedError struct {
	ID       int64
	Attempts int
}

func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("queue item %d exhausted %d attempts", e.ID, e.Attempts)
}

// ConnectivityError indicates the analysis backend is unreachable.
type ConnectivityError struct {
	Backend string
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach %s backend: %v", e.Backend, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthError indicates the analysis backend rejected our credentials.
// The message is user-facing and should say what to do about it.
type AuthError struct {
	Backend string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s backend rejected credentials: sign in required", e.Backend)
}
