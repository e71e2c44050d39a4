// Package poll implements bounded polling of a condition and a coarse retry
// helper built on exponential backoff.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Predicate reports whether the polled condition holds. A non-nil error is
// treated as transient and recorded as the last error of the poll, unless it
// was marked with Fatal.
type Predicate func(ctx context.Context) (bool, error)

// TimeoutError is returned by Poll when the condition did not hold before the
// timeout elapsed.
type TimeoutError struct {
	Timeout  time.Duration
	Elapsed  time.Duration
	Attempts int
	// LastErr is the last error returned by the predicate, if any.
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("condition not met after %s (timeout %s, %d attempts)",
		e.Elapsed.Round(time.Millisecond), e.Timeout, e.Attempts)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Fatal marks err so that Poll stops immediately and returns it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}

// Poll calls check immediately and then every interval until it returns true,
// it returns a fatal error, ctx is canceled, or timeout elapses.
//
// Poll only gives up after a check has completed at or after the deadline, so
// a TimeoutError is never returned before timeout and at most one interval
// (plus the duration of one check) after it.
func Poll(ctx context.Context, timeout, interval time.Duration, check Predicate) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}

	var (
		start    = time.Now()
		deadline = start.Add(timeout)
		attempts int
		lastErr  error
	)

	timer := time.NewTimer(interval)
	timer.Stop()
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("polling canceled: %w", err)
		}

		attempts++
		ok, err := check(ctx)
		switch {
		case err != nil && IsFatal(err):
			var fe fatalError
			errors.As(err, &fe)
			return fe.err
		case err != nil:
			lastErr = err
		case ok:
			return nil
		}

		if now := time.Now(); !now.Before(deadline) {
			return &TimeoutError{
				Timeout:  timeout,
				Elapsed:  now.Sub(start),
				Attempts: attempts,
				LastErr:  lastErr,
			}
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return fmt.Errorf("polling canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
