// Package smoke implements the smoke checks run against an author/publish
// pair and the runner executing them.
package smoke

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/cqsmoke/cqsmoke/pkg/client"
	"github.com/cqsmoke/cqsmoke/pkg/failure"
	"github.com/cqsmoke/cqsmoke/pkg/poll"
	"github.com/cqsmoke/cqsmoke/pkg/replication"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// Paths probed by the checks.
const (
	SystemReadyPath = "/systemready"
	TogglesPath     = "/etc.clientlibs/toggles.json"
)

// Env holds everything checks talk to.
type Env struct {
	Author  *client.Client
	Publish *client.Client
	// Preview is optional.
	Preview *client.Client

	Confirmer    *replication.Confirmer
	PublishAgent string
	PreviewAgent string

	// Pages verifies replicated pages on publish. Nil disables page checks.
	Pages *PageChecker

	// Retry repeats a failed replication round trip.
	Retry poll.Retrier

	ContentParent   string
	ContentTemplate string

	// ServiceStrict fails the service check when an instance is not ready.
	ServiceStrict bool

	Logger log.Logger
}

// NewFixture returns a Fixture for a single check.
func (e *Env) NewFixture(logger log.Logger) *Fixture {
	return NewFixture(e.Author, e.ContentParent, e.ContentTemplate, logger)
}

func (e *Env) instances() []*client.Client {
	out := []*client.Client{e.Author, e.Publish}
	if e.Preview != nil {
		out = append(out, e.Preview)
	}
	return out
}

// Check is a named smoke check.
type Check struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env, fx *Fixture, logger log.Logger) error
}

// Check names.
const (
	CheckService           = "service"
	CheckErrorHandler      = "error-handler"
	CheckToggles           = "toggles"
	CheckPublishDeactivate = "publish-deactivate"
	CheckPublishDelete     = "publish-delete"
)

// All returns every available check in execution order.
func All() []Check {
	return []Check{
		{CheckService, "Instances report ready", serviceReady},
		{CheckErrorHandler, "Missing content answers 404", errorHandler},
		{CheckToggles, "Clientlib toggles list ENABLED", toggles},
		{CheckPublishDeactivate, "Activate then deactivate a page", publishDeactivate},
		{CheckPublishDelete, "Activate then delete a page", publishDelete},
	}
}

// Select returns the named checks in execution order. No names selects all
// checks.
func Select(names []string) ([]Check, error) {
	all := All()
	if len(names) == 0 {
		return all, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out []Check
	for _, c := range all {
		if want[c.Name] {
			out = append(out, c)
			delete(want, c.Name)
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for n := range want {
			unknown = append(unknown, n)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown checks: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func serviceReady(ctx context.Context, env *Env, _ *Fixture, logger log.Logger) error {
	for _, c := range env.instances() {
		resp, err := c.Get(ctx, SystemReadyPath, nil)
		if err == nil && resp.StatusCode != http.StatusOK {
			err = fmt.Errorf("status code %d, response %q", resp.StatusCode, strings.TrimSpace(string(resp.Body)))
		}
		if err == nil {
			level.Info(logger).Log("msg", "health check passed", "instance", c.Name())
			continue
		}

		ferr := failure.Wrap(err, failure.ServiceNotAvailable, "%s not available", strings.ToUpper(c.Name()))
		if env.ServiceStrict {
			return ferr
		}
		level.Warn(logger).Log("msg", "health check failed", "instance", c.Name(), "err", ferr)
	}
	return nil
}

func errorHandler(ctx context.Context, env *Env, _ *Fixture, logger log.Logger) error {
	for _, c := range []*client.Client{env.Author, env.Publish} {
		p := path.Join(env.ContentParent, uuid.NewString())
		code, err := c.GetPath(ctx, p)
		if err != nil {
			return failure.Wrap(err, failure.Generic, "requesting %s on %s", p, c.Name())
		}
		if code != http.StatusNotFound {
			level.Error(logger).Log("msg", "missing resource did not answer 404, check the error handler", "instance", c.Name(), "path", p, "status", code)
			return failure.New(failure.Generic, "error handler on %s answered %d for missing resource %s", c.Name(), code, p)
		}
	}
	return nil
}

func toggles(ctx context.Context, env *Env, _ *Fixture, _ log.Logger) error {
	resp, err := env.Author.Get(ctx, TogglesPath, nil)
	if err != nil {
		return failure.Wrap(err, failure.Generic, "requesting toggles")
	}
	if resp.StatusCode != http.StatusOK {
		return failure.New(failure.Generic, "toggles endpoint answered %d", resp.StatusCode)
	}

	found := false
	_, err = jsonparser.ArrayEach(resp.Body, func(value []byte, dt jsonparser.ValueType, _ int, _ error) {
		if dt == jsonparser.String && string(value) == "ENABLED" {
			found = true
		}
	}, "enabled")
	if err != nil {
		return failure.Wrap(err, failure.Generic, "reading toggles response %q", string(resp.Body))
	}
	if !found {
		return failure.New(failure.Generic, "toggles response does not list ENABLED: %s", string(resp.Body))
	}
	return nil
}

func publishDeactivate(ctx context.Context, env *Env, fx *Fixture, logger log.Logger) error {
	return env.roundTrip(ctx, CheckPublishDeactivate, fx, logger, func(ctx context.Context, p string, preview bool) error {
		if err := env.replicate(ctx, replication.Deactivate, env.PublishAgent, p); err != nil {
			return err
		}
		if err := env.expectPage(ctx, p, http.StatusNotFound); err != nil {
			return err
		}
		if preview {
			return env.replicate(ctx, replication.Deactivate, env.PreviewAgent, p)
		}
		return nil
	})
}

func publishDelete(ctx context.Context, env *Env, fx *Fixture, logger log.Logger) error {
	return env.roundTrip(ctx, CheckPublishDelete, fx, logger, func(ctx context.Context, p string, preview bool) error {
		if err := env.Author.DeletePage(ctx, p); err != nil {
			return failure.Wrap(err, failure.Generic, "deleting %s", p)
		}
		if _, err := env.Confirmer.AwaitDrained(ctx, env.PublishAgent, p, ""); err != nil {
			return err
		}
		if err := env.expectPage(ctx, p, http.StatusNotFound); err != nil {
			return err
		}
		if preview {
			_, err := env.Confirmer.AwaitDrained(ctx, env.PreviewAgent, p, "")
			return err
		}
		return nil
	})
}

// roundTrip activates a fresh page on publish (and preview, when that agent
// exists), verifies it and then runs withdraw. The whole sequence is retried
// until it succeeds, is skipped or retries run out.
func (e *Env) roundTrip(ctx context.Context, name string, fx *Fixture, logger log.Logger, withdraw func(ctx context.Context, p string, preview bool) error) error {
	preview, err := e.previewAvailable(ctx)
	if err != nil {
		level.Info(logger).Log("msg", "no preview agent found", "err", err)
	}

	r := e.Retry
	r.Permanent = failure.IsSkip
	r.Logger = logger
	return r.Do(ctx, name, func(ctx context.Context) error {
		p, err := fx.CreatePage(ctx)
		if err != nil {
			return err
		}
		if err := e.replicate(ctx, replication.Activate, e.PublishAgent, p); err != nil {
			return err
		}
		if err := e.expectPage(ctx, p, http.StatusOK); err != nil {
			return err
		}
		if preview {
			if err := e.replicate(ctx, replication.Activate, e.PreviewAgent, p); err != nil {
				return err
			}
		}
		return withdraw(ctx, p, preview)
	})
}

func (e *Env) replicate(ctx context.Context, action replication.Action, agent, p string) error {
	_, err := e.Confirmer.Replicate(ctx, action, agent, p)
	return err
}

func (e *Env) expectPage(ctx context.Context, p string, status int) error {
	if e.Pages == nil {
		return nil
	}
	return e.Pages.Expect(ctx, p, status)
}

func (e *Env) previewAvailable(ctx context.Context) (bool, error) {
	if e.PreviewAgent == "" {
		return false, nil
	}
	set, err := e.Confirmer.Client().Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return set.Has(e.PreviewAgent), nil
}
