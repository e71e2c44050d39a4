package replication

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cqsmoke/cqsmoke/pkg/client"
	"github.com/cqsmoke/cqsmoke/pkg/failure"
	"github.com/cqsmoke/cqsmoke/pkg/poll"
	"github.com/cqsmoke/cqsmoke/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const testPath = "/content/test-site/testpage_1"

var testOptions = ConfirmOptions{
	PreflightTimeout: 50 * time.Millisecond,
	Timeout:          100 * time.Millisecond,
	PollInterval:     5 * time.Millisecond,
}

func newTestConfirmer(t *testing.T, ft *fakeTransport, reg prometheus.Registerer) *Confirmer {
	t.Helper()

	logger := util.TestLogger(t)
	return NewConfirmer(NewClient(ft, Options{}, logger), testOptions, NewMetrics(reg), logger)
}

func queued(id string) testQueue {
	return testQueue{
		id:    "q1",
		state: "RUNNING",
		pkgs:  []testPkg{{id: "package-0@1", pkgID: id, path: testPath, state: "QUEUED"}},
	}
}

func TestReplicate_Confirmed(t *testing.T) {
	// Preflight fetch, then the package stays queued for two polls.
	ft := &fakeTransport{
		get: func(call int, _ string, _ int) ([]byte, error) {
			if call >= 2 && call <= 3 {
				return agentsDoc(t, "publish", "RUNNING", queued("dstrpck-1")), nil
			}
			return agentsDoc(t, "publish", "IDLE", testQueue{id: "q1", state: "IDLE"}), nil
		},
	}
	reg := prometheus.NewRegistry()
	c := newTestConfirmer(t, ft, reg)

	res, err := c.Replicate(context.Background(), Activate, "publish", testPath)
	require.NoError(t, err)
	require.Equal(t, StageConfirmed, res.Stage)
	require.Equal(t, "dstrpck-1", res.ID)
	require.Equal(t, 3, res.Polls)
	require.Len(t, ft.posts, 1)

	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.confirmations.WithLabelValues("publish", "Activate", "confirmed")))
	require.Equal(t, 3.0, testutil.ToFloat64(c.metrics.polls.WithLabelValues("publish")))
}

func TestReplicate_OtherPackagesDoNotBlock(t *testing.T) {
	// A queued package with a different pkgId is not ours.
	ft := &fakeTransport{
		get: func(call int, _ string, _ int) ([]byte, error) {
			return agentsDoc(t, "publish", "RUNNING", queued("dstrpck-other")), nil
		},
	}
	c := newTestConfirmer(t, ft, nil)

	res, err := c.Replicate(context.Background(), Activate, "publish", testPath)
	require.NoError(t, err)
	require.Equal(t, 1, res.Polls)
}

func TestReplicate_BlockedAgent(t *testing.T) {
	ft := &fakeTransport{
		get: func(int, string, int) ([]byte, error) {
			q := queued("dstrpck-old")
			q.state = "BLOCKED"
			return agentsDoc(t, "publish", "blocked", q), nil
		},
	}
	reg := prometheus.NewRegistry()
	c := newTestConfirmer(t, ft, reg)

	res, err := c.Replicate(context.Background(), Activate, "publish", testPath)
	require.Equal(t, failure.QueueBlocked, failure.KindOf(err))
	require.Contains(t, err.Error(), `"state":"blocked"`)
	require.Equal(t, StageBlocked, res.Stage)
	require.Empty(t, ft.posts, "no request may be triggered for a blocked agent")
	require.Equal(t, 1, ft.getCount())
	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.confirmations.WithLabelValues("publish", "Activate", "blocked")))
}

func TestPreflight_AgentNameIsExact(t *testing.T) {
	doc := []byte(`{
		"items": ["Publish", "publish"],
		"Publish": {"name": "Publish", "status": {"state": "BLOCKED"}},
		"publish": {"name": "publish", "status": {"state": "RUNNING"}}
	}`)
	ft := &fakeTransport{
		get: func(int, string, int) ([]byte, error) { return doc, nil },
	}
	c := newTestConfirmer(t, ft, nil)

	_, err := c.Preflight(context.Background(), "publish")
	require.NoError(t, err)

	_, err = c.Preflight(context.Background(), "Publish")
	require.Equal(t, failure.QueueBlocked, failure.KindOf(err))
}

func TestReplicate_AgentMissing(t *testing.T) {
	ft := &fakeTransport{
		get: func(call int, _ string, _ int) ([]byte, error) {
			if call%2 == 0 {
				return nil, errors.New("connection reset")
			}
			return agentsDoc(t, "preview", "IDLE"), nil
		},
	}
	c := newTestConfirmer(t, ft, nil)

	start := time.Now()
	res, err := c.Replicate(context.Background(), Deactivate, "publish", testPath)
	require.Equal(t, failure.ReplicationNotAvailable, failure.KindOf(err))
	require.GreaterOrEqual(t, time.Since(start), testOptions.PreflightTimeout)
	require.Equal(t, StageFatal, res.Stage)
	require.Empty(t, ft.posts)

	var te *poll.TimeoutError
	require.ErrorAs(t, err, &te)
}

func TestReplicate_TriggerRejected(t *testing.T) {
	ft := &fakeTransport{
		get: func(int, string, int) ([]byte, error) {
			return agentsDoc(t, "publish", "IDLE"), nil
		},
		post: func(string, url.Values) (*client.Response, error) {
			return &client.Response{StatusCode: http.StatusBadRequest, Body: []byte("bad path")}, nil
		},
	}
	c := newTestConfirmer(t, ft, nil)

	res, err := c.Replicate(context.Background(), Deactivate, "publish", testPath)
	require.Equal(t, failure.DeactivationRequestFailed, failure.KindOf(err))
	require.Contains(t, err.Error(), "bad path")
	require.Equal(t, StageFatal, res.Stage)
	require.Equal(t, 1, ft.getCount(), "no polling after a failed trigger")
	require.Zero(t, res.Polls)
}

func TestReplicate_NotDrained(t *testing.T) {
	ft := &fakeTransport{
		get: func(int, string, int) ([]byte, error) {
			return agentsDoc(t, "publish", "RUNNING", queued("dstrpck-1")), nil
		},
	}
	c := newTestConfirmer(t, ft, nil)

	res, err := c.Replicate(context.Background(), Activate, "publish", testPath)
	require.Equal(t, failure.ActionNotReplicated, failure.KindOf(err))
	require.Equal(t, StageTimedOut, res.Stage)
	require.Greater(t, res.Polls, 1)
	require.GreaterOrEqual(t, res.Elapsed, testOptions.Timeout)
	require.Contains(t, err.Error(), testPath)
	require.Contains(t, err.Error(), `"pkgId":"dstrpck-1"`)
}

func TestAwaitDrained_BlockedQueueKeepsPolling(t *testing.T) {
	ft := &fakeTransport{
		get: func(call int, _ string, _ int) ([]byte, error) {
			blocked := testQueue{
				id:    "q2",
				state: "BLOCKED",
				pkgs:  []testPkg{{id: "package-9", pkgID: "dstrpck-9", path: "/content/other", state: "ERROR"}},
			}
			if call < 4 {
				return agentsDoc(t, "publish", "RUNNING", queued("dstrpck-1"), blocked), nil
			}
			return agentsDoc(t, "publish", "RUNNING", blocked), nil
		},
	}
	c := newTestConfirmer(t, ft, nil)

	polls, err := c.AwaitDrained(context.Background(), "publish", testPath, "dstrpck-1")
	require.NoError(t, err)
	require.Equal(t, 4, polls)
}

func TestAwaitDrained_TransientErrors(t *testing.T) {
	ft := &fakeTransport{
		get: func(call int, _ string, _ int) ([]byte, error) {
			switch call {
			case 1:
				return nil, &client.StatusError{StatusCode: http.StatusBadGateway}
			case 2:
				return []byte("<html>Bad Gateway</html>"), nil
			case 3:
				return agentsDoc(t, "preview", "IDLE"), nil
			}
			return agentsDoc(t, "publish", "IDLE"), nil
		},
	}
	c := newTestConfirmer(t, ft, nil)

	polls, err := c.AwaitDrained(context.Background(), "publish", testPath, "")
	require.NoError(t, err)
	require.Equal(t, 4, polls)
}

func TestAwaitDrained_TimeoutWithoutSnapshot(t *testing.T) {
	ft := &fakeTransport{
		get: func(int, string, int) ([]byte, error) {
			return nil, errors.New("connection refused")
		},
	}
	c := newTestConfirmer(t, ft, nil)

	_, err := c.AwaitDrained(context.Background(), "publish", testPath, "")
	require.Equal(t, failure.ActionNotReplicated, failure.KindOf(err))
	require.True(t, strings.Contains(err.Error(), "last snapshot: <none>"))
	require.Contains(t, err.Error(), "connection refused")
}

func TestAwaitDrained_Canceled(t *testing.T) {
	ft := &fakeTransport{
		get: func(int, string, int) ([]byte, error) {
			return agentsDoc(t, "publish", "RUNNING", queued("")), nil
		},
	}
	c := newTestConfirmer(t, ft, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.AwaitDrained(ctx, "publish", testPath, "dstrpck-1")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, failure.IsKind(err, failure.ActionNotReplicated))
}

func TestStageString(t *testing.T) {
	require.Equal(t, "timed_out", StageTimedOut.String())
	require.Equal(t, "stage(42)", Stage(42).String())
}
