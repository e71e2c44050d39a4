package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoll_ImmediateSuccess(t *testing.T) {
	var calls int
	err := Poll(context.Background(), time.Second, time.Hour, func(ctx context.Context) (bool, error) {
		calls++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestPoll_SucceedsAfterTransientErrors(t *testing.T) {
	var calls int
	err := Poll(context.Background(), time.Second, 5*time.Millisecond, func(ctx context.Context) (bool, error) {
		calls++
		switch calls {
		case 1:
			return false, errors.New("connection reset")
		case 2:
			return false, nil
		default:
			return true, nil
		}
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPoll_TimeoutBounds(t *testing.T) {
	var (
		timeout  = 100 * time.Millisecond
		interval = 30 * time.Millisecond
		start    = time.Now()
	)

	err := Poll(context.Background(), timeout, interval, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	elapsed := time.Since(start)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.GreaterOrEqual(t, elapsed, timeout)
	// Allow some scheduling slack on top of timeout+interval.
	require.Less(t, elapsed, timeout+interval+50*time.Millisecond)
	require.GreaterOrEqual(t, te.Elapsed, timeout)
	require.GreaterOrEqual(t, te.Attempts, 4)
	require.NoError(t, te.LastErr)
}

func TestPoll_TimeoutKeepsLastError(t *testing.T) {
	var calls int
	err := Poll(context.Background(), 20*time.Millisecond, 5*time.Millisecond, func(ctx context.Context) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("first")
		}
		return false, errors.New("latest")
	})

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.EqualError(t, te.LastErr, "latest")
	require.Contains(t, err.Error(), "last error: latest")
}

func TestPoll_Fatal(t *testing.T) {
	boom := errors.New("boom")
	var calls int
	err := Poll(context.Background(), time.Second, time.Millisecond, func(ctx context.Context) (bool, error) {
		calls++
		if calls == 2 {
			return false, Fatal(boom)
		}
		return false, nil
	})
	require.Equal(t, boom, err)
	require.Equal(t, 2, calls)
	require.False(t, IsFatal(err))
	require.True(t, IsFatal(Fatal(boom)))
	require.NoError(t, Fatal(nil))
}

func TestPoll_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Poll(ctx, time.Minute, time.Second, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPoll_InvalidInterval(t *testing.T) {
	err := Poll(context.Background(), time.Second, 0, func(ctx context.Context) (bool, error) {
		return true, nil
	})
	require.Error(t, err)
}
