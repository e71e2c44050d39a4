package smoke

import (
	"testing"
	"time"

	"github.com/cqsmoke/cqsmoke/internal/fakecms"
	"github.com/cqsmoke/cqsmoke/pkg/client"
	"github.com/cqsmoke/cqsmoke/pkg/poll"
	"github.com/cqsmoke/cqsmoke/pkg/replication"
	"github.com/cqsmoke/cqsmoke/pkg/util"
	"github.com/grafana/dskit/backoff"
	"github.com/stretchr/testify/require"
)

const testParent = "/content/test-site"

func newTestClient(t *testing.T, name, url string) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig
	cfg.URL = url
	c, err := client.New(name, cfg, util.TestLogger(t))
	require.NoError(t, err)
	return c
}

// newTestEnv starts cms and returns an Env talking to it with short timeouts.
func newTestEnv(t *testing.T, cms *fakecms.CMS) *Env {
	t.Helper()

	author, publish := cms.Servers()
	t.Cleanup(author.Close)
	t.Cleanup(publish.Close)

	var (
		logger = util.TestLogger(t)
		ac     = newTestClient(t, "author", author.URL)
		pc     = newTestClient(t, "publish", publish.URL)
	)

	confirmer := replication.NewConfirmer(
		replication.NewClient(ac, replication.Options{}, logger),
		replication.ConfirmOptions{
			PreflightTimeout: 200 * time.Millisecond,
			Timeout:          300 * time.Millisecond,
			PollInterval:     5 * time.Millisecond,
		},
		nil,
		logger,
	)

	return &Env{
		Author:       ac,
		Publish:      pc,
		Confirmer:    confirmer,
		PublishAgent: "publish",
		PreviewAgent: "preview",
		Pages: &PageChecker{
			Publish:             pc,
			Timeout:             200 * time.Millisecond,
			PollInterval:        5 * time.Millisecond,
			SkipDispatcherCache: true,
			Logger:              logger,
		},
		Retry: poll.Retrier{
			Config: backoff.Config{
				MinBackoff: time.Millisecond,
				MaxBackoff: 5 * time.Millisecond,
				MaxRetries: 2,
			},
		},
		ContentParent: testParent,
		Logger:        logger,
	}
}
