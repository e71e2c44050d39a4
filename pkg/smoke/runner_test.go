package smoke

import (
	"context"
	"net/http"
	"testing"

	"github.com/cqsmoke/cqsmoke/internal/fakecms"
	"github.com/cqsmoke/cqsmoke/pkg/failure"
	"github.com/cqsmoke/cqsmoke/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func runChecks(t *testing.T, env *Env, concurrency int, names ...string) []Result {
	t.Helper()

	checks, err := Select(names)
	require.NoError(t, err)

	r := &Runner{Env: env, Checks: checks, Concurrency: concurrency, Logger: util.TestLogger(t)}
	return r.Run(context.Background())
}

func TestRunner_AllPass(t *testing.T) {
	cms := fakecms.New()
	env := newTestEnv(t, cms)

	reg := prometheus.NewRegistry()
	checks := All()
	r := &Runner{Env: env, Checks: checks, Concurrency: 2, Metrics: NewMetrics(reg), Logger: util.TestLogger(t)}
	results := r.Run(context.Background())

	require.Len(t, results, len(checks))
	for i, res := range results {
		require.Equal(t, checks[i].Name, res.Check)
		require.Equal(t, StatusPass, res.Status, "%s: %v", res.Check, res.Err)
	}
	require.False(t, Failed(results))

	// Activations and withdrawals on both publish and preview.
	require.GreaterOrEqual(t, cms.Replications(), 6)
	require.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.results.WithLabelValues(CheckPublishDelete, "PASS")))
}

func TestPublish_BlockedAgent(t *testing.T) {
	cms := fakecms.New()
	cms.BlockAgent("publish")
	env := newTestEnv(t, cms)

	results := runChecks(t, env, 1, CheckPublishDeactivate)
	require.Equal(t, StatusFail, results[0].Status)
	require.Equal(t, failure.QueueBlocked, failure.KindOf(results[0].Err))
	require.Zero(t, cms.Replications())
	require.True(t, Failed(results))
}

func TestPublish_RequiresAuthIsSkipped(t *testing.T) {
	cms := fakecms.New()
	cms.PublishRequiresAuth = true
	env := newTestEnv(t, cms)

	results := runChecks(t, env, 1, CheckPublishDelete)
	require.Equal(t, StatusSkip, results[0].Status, "%v", results[0].Err)
	require.Equal(t, 1, cms.Replications(), "a skip is not retried")
	require.False(t, Failed(results))
}

func TestPublish_NotReplicated(t *testing.T) {
	cms := fakecms.New()
	cms.Stall("publish", true)
	env := newTestEnv(t, cms)

	results := runChecks(t, env, 1, CheckPublishDeactivate)
	require.Equal(t, StatusFail, results[0].Status)
	require.Equal(t, failure.ActionNotReplicated, failure.KindOf(results[0].Err))
	require.Equal(t, 2, cms.Replications(), "one activation per attempt")
}

func TestPublish_ActivationRejected(t *testing.T) {
	cms := fakecms.New()
	cms.RejectReplication(http.StatusInternalServerError)
	env := newTestEnv(t, cms)

	results := runChecks(t, env, 1, CheckPublishDelete)
	require.Equal(t, failure.ActivationRequestFailed, failure.KindOf(results[0].Err))
}

func TestPublish_ActivationFailedInBody(t *testing.T) {
	cms := fakecms.New()
	cms.FailReplication(http.StatusInternalServerError)
	env := newTestEnv(t, cms)

	results := runChecks(t, env, 1, CheckPublishDeactivate)
	require.Equal(t, StatusFail, results[0].Status)
	require.Equal(t, failure.ActivationRequestFailed, failure.KindOf(results[0].Err))
	require.Zero(t, cms.Replications())
}

func TestPublish_PageChecksDisabled(t *testing.T) {
	cms := fakecms.New()
	cms.PublishRequiresAuth = true
	env := newTestEnv(t, cms)
	env.Pages = nil
	env.PreviewAgent = ""

	results := runChecks(t, env, 1, CheckPublishDeactivate)
	require.Equal(t, StatusPass, results[0].Status, "%v", results[0].Err)
	require.Equal(t, 2, cms.Replications())
}

func TestPublish_MissingPreviewAgent(t *testing.T) {
	cms := fakecms.New()
	cms.RemoveAgent("preview")
	env := newTestEnv(t, cms)

	results := runChecks(t, env, 1, CheckPublishDeactivate)
	require.Equal(t, StatusPass, results[0].Status, "%v", results[0].Err)
	require.Equal(t, 2, cms.Replications())
}

func TestServiceCheck(t *testing.T) {
	cms := fakecms.New()
	env := newTestEnv(t, cms)
	env.Preview = newTestClient(t, "preview", "http://127.0.0.1:1")

	results := runChecks(t, env, 1, CheckService)
	require.Equal(t, StatusPass, results[0].Status)

	env.ServiceStrict = true
	results = runChecks(t, env, 1, CheckService)
	require.Equal(t, StatusFail, results[0].Status)
	require.Equal(t, failure.ServiceNotAvailable, failure.KindOf(results[0].Err))
	require.Contains(t, results[0].Err.Error(), "PREVIEW not available")
}

func TestTogglesCheck(t *testing.T) {
	cms := fakecms.New()
	cms.Toggles = []string{"FT_SITES-1", "DISABLED"}
	env := newTestEnv(t, cms)

	results := runChecks(t, env, 1, CheckToggles)
	require.Equal(t, StatusFail, results[0].Status)
	require.Contains(t, results[0].Err.Error(), "does not list ENABLED")
}

func TestSelect(t *testing.T) {
	checks, err := Select([]string{CheckPublishDelete, CheckService})
	require.NoError(t, err)
	require.Len(t, checks, 2)
	require.Equal(t, CheckService, checks[0].Name)
	require.Equal(t, CheckPublishDelete, checks[1].Name)

	_, err = Select([]string{"toggles", "jsp-compile", "about"})
	require.EqualError(t, err, "unknown checks: about, jsp-compile")
}
