// Package shared provides the error taxonomy and small helpers used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
)

var (
	// ErrTimeout matches any TimeoutError via errors.Is.
	ErrTimeout = errors.New("operation timed out")
	// ErrSessionExpired matches any SessionExpiredError via errors.Is.
	ErrSessionExpired = errors.New("session expired")
)

// Kind is the coarse class of a failure.
type Kind int

const (
	// KindUnknown is anything that could not be categorized.
	KindUnknown Kind = iota
	// KindTimeout means an operation exceeded its allotted wait.
	KindTimeout
	// KindRetryExhausted means every retry was consumed.
	KindRetryExhausted
	// KindTerminal means the backend rejected the request in a way retrying cannot fix.
	KindTerminal
	// KindNetwork means the backend could not be reached.
	KindNetwork
	// KindSessionExpired means no valid remote session exists.
	KindSessionExpired
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRetryExhausted:
		return "retry_exhausted"
	case KindTerminal:
		return "terminal"
	case KindNetwork:
		return "network"
	case KindSessionExpired:
		return "session_expired"
	default:
		return "unknown"
	}
}

// TimeoutError is returned when an attempt outlives its timeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.After)
}

// Is reports ErrTimeout as a match.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// DeadlineExceeded marks the error for errdefs.IsDeadlineExceeded.
func (e *TimeoutError) DeadlineExceeded() {}

// RetryExhaustedError wraps the last error once all attempts failed.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// TerminalBackendError wraps a backend failure that must not be retried.
type TerminalBackendError struct {
	Err error
}

func (e *TerminalBackendError) Error() string {
	return fmt.Sprintf("terminal backend error: %v", e.Err)
}

func (e *TerminalBackendError) Unwrap() error { return e.Err }

// NetworkError is a connectivity failure talking to the backend.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Unavailable marks the error for errdefs.IsUnavailable.
func (e *NetworkError) Unavailable() {}

// SessionExpiredError means no valid remote session could be confirmed.
type SessionExpiredError struct {
	Reason string
}

func (e *SessionExpiredError) Error() string {
	if e.Reason == "" {
		return ErrSessionExpired.Error()
	}
	return ErrSessionExpired.Error() + ": " + e.Reason
}

// Is reports ErrSessionExpired as a match.
func (e *SessionExpiredError) Is(target error) bool { return target == ErrSessionExpired }

// Unauthorized marks the error for errdefs.IsUnauthorized.
func (e *SessionExpiredError) Unauthorized() {}

// UnknownError wraps a failure nobody could categorize.
type UnknownError struct {
	Err error
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown error: %v", e.Err)
}

func (e *UnknownError) Unwrap() error { return e.Err }

// BackendError carries the machine-readable code and human-readable message
// returned by the remote backend. Err holds the errdefs class for the status.
type BackendError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("backend error %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("backend error %d: %s", e.Status, msg)
}

func (e *BackendError) Unwrap() error { return e.Err }

// terminalCodes are PostgREST/Postgres codes for permission and malformed-request failures.
var terminalCodes = map[string]struct{}{
	"42501":    {}, // insufficient_privilege
	"22P02":    {}, // invalid_text_representation
	"PGRST301": {}, // JWT invalid
	"PGRST302": {}, // anonymous access disabled
}

// IsTerminal reports whether retrying err cannot help.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var terminal *TerminalBackendError
	if errors.As(err, &terminal) {
		return true
	}
	var backend *BackendError
	if errors.As(err, &backend) {
		if _, ok := terminalCodes[backend.Code]; ok {
			return true
		}
	}
	return errdefs.IsPermissionDenied(err) ||
		errdefs.IsInvalidArgument(err) ||
		errdefs.IsUnauthorized(err)
}

// Classify maps err onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var exhausted *RetryExhaustedError
	var expired *SessionExpiredError
	var network *NetworkError
	switch {
	case errors.As(err, &exhausted):
		return KindRetryExhausted
	case errors.As(err, &expired):
		return KindSessionExpired
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case IsTerminal(err):
		return KindTerminal
	case errors.As(err, &network), errdefs.IsUnavailable(err):
		return KindNetwork
	default:
		return KindUnknown
	}
}
