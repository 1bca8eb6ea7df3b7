package shared

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/containerd/errdefs"
)

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"permission denied", errdefs.ErrPermissionDenied, true},
		{"invalid argument", fmt.Errorf("create draft: %w", errdefs.ErrInvalidArgument), true},
		{"unauthenticated", errdefs.ErrUnauthenticated, true},
		{"unavailable", errdefs.ErrUnavailable, false},
		{"timeout", &TimeoutError{After: time.Second}, false},
		{"wrapped terminal", &TerminalBackendError{Err: errors.New("x")}, true},
		{"postgres privilege code", &BackendError{Status: http.StatusInternalServerError, Code: "42501"}, true},
		{"backend 503", &BackendError{Status: http.StatusServiceUnavailable, Err: errdefs.ErrUnavailable}, false},
		{"session expired", &SessionExpiredError{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.err); got != tt.want {
				t.Errorf("IsTerminal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"timeout", &TimeoutError{After: time.Second}, KindTimeout},
		{"exhausted", &RetryExhaustedError{Attempts: 3, Err: &TimeoutError{}}, KindRetryExhausted},
		{"terminal", errdefs.ErrPermissionDenied, KindTerminal},
		{"network", &NetworkError{Op: "get session", Err: errors.New("dial tcp: refused")}, KindNetwork},
		{"unavailable", errdefs.ErrUnavailable, KindNetwork},
		{"expired", fmt.Errorf("extend: %w", &SessionExpiredError{Reason: "no session"}), KindSessionExpired},
		{"unknown", errors.New("odd"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorMatching(t *testing.T) {
	timeout := fmt.Errorf("save: %w", &TimeoutError{After: 2 * time.Second})
	if !errors.Is(timeout, ErrTimeout) {
		t.Error("expected wrapped TimeoutError to match ErrTimeout")
	}
	if !errdefs.IsDeadlineExceeded(timeout) {
		t.Error("expected TimeoutError to satisfy errdefs.IsDeadlineExceeded")
	}
	if errdefs.IsDeadlineExceeded(context.Canceled) {
		t.Error("did not expect context.Canceled to be a deadline")
	}

	exhausted := &RetryExhaustedError{Attempts: 3, Err: timeout}
	if !errors.Is(exhausted, ErrTimeout) {
		t.Error("expected RetryExhaustedError to unwrap to the last error")
	}

	expired := &SessionExpiredError{Reason: "refresh failed"}
	if !errors.Is(expired, ErrSessionExpired) {
		t.Error("expected SessionExpiredError to match ErrSessionExpired")
	}
	if expired.Error() != "session expired: refresh failed" {
		t.Errorf("unexpected message %q", expired.Error())
	}
}

func TestIsSQLiteConflictError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY: database busy"), true},
		{errors.New("database is locked"), true},
		{errors.New("no such table"), false},
	}
	for _, tt := range tests {
		if got := IsSQLiteConflictError(tt.err); got != tt.want {
			t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
