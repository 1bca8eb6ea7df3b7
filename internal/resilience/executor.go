package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/clinote/internal/metrics"
	"github.com/ashureev/clinote/internal/scheduler"
	"github.com/ashureev/clinote/internal/shared"
)

// Attempt describes one try of an operation.
type Attempt struct {
	Index   int
	Err     error
	Elapsed time.Duration
}

// Executor runs operations under a Policy. It holds no per-call state and
// is safe for concurrent use.
type Executor struct {
	clock   scheduler.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the clock used for timeouts and backoff waits.
func WithClock(c scheduler.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = scheduler.Real()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Call names an operation and its policy. OnAttempt, if set, sees every
// attempt as it finishes.
type Call struct {
	Name      string
	Policy    Policy
	OnAttempt func(Attempt)
}

type result[T any] struct {
	val T
	err error
}

// Run executes op until it succeeds, fails terminally or runs out of
// retries. Attempts run strictly one after another.
//
// A timed-out attempt has its context cancelled, but the remote side may
// still complete the request; its result is discarded.
func Run[T any](ctx context.Context, e *Executor, call Call, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := call.Policy.Validate(); err != nil {
		return zero, fmt.Errorf("invalid policy for %s: %w", call.Name, err)
	}

	attempts := call.Policy.Attempts()
	var lastErr error
	for i := 0; i < attempts; i++ {
		if delay := call.Policy.Delay(i); delay > 0 {
			e.logger.Debug("Retrying operation",
				"operation", call.Name,
				"attempt", i,
				"delay", delay,
			)
			if err := scheduler.Sleep(ctx, e.clock, delay); err != nil {
				return zero, err
			}
		}

		started := e.clock.Now()
		val, err := runAttempt(ctx, e.clock, call.Policy.Timeout, op)
		elapsed := e.clock.Now().Sub(started)

		if call.OnAttempt != nil {
			call.OnAttempt(Attempt{Index: i, Err: err, Elapsed: elapsed})
		}

		if err == nil {
			e.metrics.ObserveAttempt(call.Name, "ok", elapsed)
			e.metrics.ObserveOperation(call.Name, "ok")
			return val, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			e.metrics.ObserveAttempt(call.Name, "cancelled", elapsed)
			e.metrics.ObserveOperation(call.Name, "cancelled")
			return zero, ctxErr
		}

		if shared.IsTerminal(err) {
			e.metrics.ObserveAttempt(call.Name, "terminal", elapsed)
			e.metrics.ObserveOperation(call.Name, shared.KindTerminal.String())
			e.logger.Warn("Operation failed with terminal error",
				"operation", call.Name,
				"attempt", i,
				"error", err,
			)
			var terminal *shared.TerminalBackendError
			if errors.As(err, &terminal) {
				return zero, err
			}
			return zero, &shared.TerminalBackendError{Err: err}
		}

		e.metrics.ObserveAttempt(call.Name, "retryable", elapsed)
		e.logger.Warn("Operation attempt failed",
			"operation", call.Name,
			"attempt", i,
			"max_retries", call.Policy.MaxRetries,
			"error", err,
		)
		lastErr = err
	}

	e.metrics.ObserveOperation(call.Name, shared.KindRetryExhausted.String())
	return zero, &shared.RetryExhaustedError{Attempts: attempts, Err: lastErr}
}

// Do is Run for operations that only return an error.
func (e *Executor) Do(ctx context.Context, call Call, op func(context.Context) error) error {
	_, err := Run(ctx, e, call, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func runAttempt[T any](ctx context.Context, clock scheduler.Clock, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: &shared.UnknownError{Err: fmt.Errorf("operation panicked: %v", r)}}
			}
		}()
		val, err := op(attemptCtx)
		done <- result[T]{val: val, err: err}
	}()

	var expired chan struct{}
	if timeout > 0 {
		expired = make(chan struct{})
		t := clock.AfterFunc(timeout, func() { close(expired) })
		defer t.Stop()
	}

	select {
	case r := <-done:
		return r.val, r.err
	case <-expired:
		return zero, &shared.TimeoutError{After: timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
