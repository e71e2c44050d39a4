package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	cause := errors.New("connection refused")

	tt := []struct {
		name   string
		err    error
		expect string
		kind   Kind
	}{
		{
			name:   "message only",
			err:    New(QueueBlocked, "agent %q is blocked", "publish"),
			expect: `QUEUE_BLOCKED: agent "publish" is blocked`,
			kind:   QueueBlocked,
		},
		{
			name:   "with cause",
			err:    Wrap(cause, Generic, "fetching agents"),
			expect: "GENERIC: fetching agents: connection refused",
			kind:   Generic,
		},
		{
			name:   "wrapped by fmt",
			err:    fmt.Errorf("check failed: %w", New(ActionNotReplicated, "timed out")),
			expect: "check failed: ACTION_NOT_REPLICATED: timed out",
			kind:   ActionNotReplicated,
		},
		{
			name:   "plain error",
			err:    cause,
			expect: "connection refused",
			kind:   Generic,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			require.EqualError(t, tc.err, tc.expect)
			require.Equal(t, tc.kind, KindOf(tc.err))
			require.True(t, IsKind(tc.err, tc.kind))
		})
	}

	require.Equal(t, Kind(""), KindOf(nil))
	require.False(t, IsKind(nil, Generic))
	require.ErrorIs(t, Wrap(cause, Generic, "x"), cause)
}

func TestSkip(t *testing.T) {
	err := fmt.Errorf("page check: %w", Skip("got %d from publish", 401))
	require.True(t, IsSkip(err))
	require.EqualError(t, err, "page check: skipped: got 401 from publish")
	require.False(t, IsSkip(New(Generic, "nope")))
	require.False(t, IsSkip(nil))
}
