package smoke

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cqsmoke/cqsmoke/pkg/client"
	"github.com/cqsmoke/cqsmoke/pkg/failure"
	"github.com/cqsmoke/cqsmoke/pkg/poll"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// PageChecker verifies how the publish tier answers for a page.
type PageChecker struct {
	Publish *client.Client

	Timeout      time.Duration
	PollInterval time.Duration
	// SkipDispatcherCache adds a changing query parameter to every request
	// so that a caching proxy in front of publish does not answer.
	SkipDispatcherCache bool

	Logger log.Logger
}

// Expect waits until the rendered page at pagePath answers with status.
//
// A 401 on the first request means publish is not reachable with the
// configured credentials; the check is skipped rather than failed.
func (pc *PageChecker) Expect(ctx context.Context, pagePath string, status int) error {
	var (
		p      = pagePath + ".html"
		logger = pc.logger()
	)
	level.Info(logger).Log("msg", "checking page on publish", "url", pc.Publish.URL(p), "expected_status", status)

	resp, err := pc.Publish.Get(ctx, p, pc.query())
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		return failure.Skip("publish requires authentication for %s", p)
	}

	err = poll.Poll(ctx, pc.Timeout, pc.PollInterval, func(ctx context.Context) (bool, error) {
		resp, err := pc.Publish.Get(ctx, p, pc.query())
		if err != nil {
			return false, err
		}
		if resp.StatusCode != status {
			return false, fmt.Errorf("got status %d", resp.StatusCode)
		}
		return true, nil
	})
	if err == nil {
		return nil
	}

	level.Warn(logger).Log("msg", "page did not reach expected status, check connectivity to publish", "path", pagePath, "expected_status", status, "err", err)
	kind := failure.PageAvailable
	if status == http.StatusOK {
		kind = failure.PageNotAvailable
	}
	return failure.Wrap(err, kind, "page %s did not return %d on publish", pagePath, status)
}

func (pc *PageChecker) query() url.Values {
	if !pc.SkipDispatcherCache {
		return nil
	}
	return url.Values{"timestamp": {strconv.FormatInt(time.Now().UnixMilli(), 10)}}
}

func (pc *PageChecker) logger() log.Logger {
	if pc.Logger == nil {
		return log.NewNopLogger()
	}
	return pc.Logger
}
