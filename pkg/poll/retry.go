package poll

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
)

// Retrier runs a function until it succeeds, backing off exponentially
// between attempts.
type Retrier struct {
	Config backoff.Config

	// Permanent reports errors which must not be retried. May be nil.
	Permanent func(error) bool

	Logger log.Logger
}

// Do calls fn until it returns nil, returns a permanent error, or the backoff
// gives up. When retries are exhausted the last error from fn is returned.
// A zero MaxRetries in the backoff config retries until ctx is canceled.
func (r *Retrier) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	logger := r.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var lastErr error
	bo := backoff.New(ctx, r.Config)
	for bo.Ongoing() {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if r.Permanent != nil && r.Permanent(err) {
			return err
		}
		lastErr = err

		level.Warn(logger).Log("msg", "attempt failed", "op", name, "attempt", bo.NumRetries()+1, "err", err)
		bo.Wait()
	}

	if lastErr != nil {
		return lastErr
	}
	return bo.Err()
}
