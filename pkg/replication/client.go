package replication

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/cqsmoke/cqsmoke/pkg/client"
	"github.com/cqsmoke/cqsmoke/pkg/failure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
)

// Paths of the distribution endpoints.
const (
	DefaultAgentsPath = "/libs/sling/distribution/services/agents"
	ReplicatePath     = "/bin/replicate.json"
)

// DefaultSnapshotDepth is the depth at which the agents document includes
// packages.
const DefaultSnapshotDepth = 3

// Action is a replication command.
type Action string

// Supported actions.
const (
	Activate   Action = "Activate"
	Deactivate Action = "Deactivate"
)

// ParseAction parses an action name case-insensitively.
func ParseAction(s string) (Action, error) {
	switch {
	case strings.EqualFold(s, string(Activate)):
		return Activate, nil
	case strings.EqualFold(s, string(Deactivate)):
		return Deactivate, nil
	}
	return "", fmt.Errorf("unknown replication action %q", s)
}

func (a Action) failureKind() failure.Kind {
	if a == Deactivate {
		return failure.DeactivationRequestFailed
	}
	return failure.ActivationRequestFailed
}

// Transport is the subset of the instance client used for replication.
type Transport interface {
	GetJSON(ctx context.Context, path string, depth int) ([]byte, error)
	PostForm(ctx context.Context, path string, form url.Values) (*client.Response, error)
}

// Acknowledgement is the response of the instance to a replication request.
type Acknowledgement struct {
	// StatusCode is the HTTP status code of the response.
	StatusCode int
	// Code is the status code embedded in the response body, or zero when
	// the body carries none.
	Code    int
	Message string
	// ID correlates the request with the distribution package it produced.
	// It may be empty.
	ID string
}

// Options configures a Client.
type Options struct {
	AgentsPath    string
	SnapshotDepth int
}

// Client triggers replication actions and reads distribution agent state from
// an author instance.
type Client struct {
	transport Transport
	opts      Options
	logger    log.Logger
}

// NewClient creates a new Client. Zero options take their defaults.
func NewClient(t Transport, opts Options, logger log.Logger) *Client {
	if opts.AgentsPath == "" {
		opts.AgentsPath = DefaultAgentsPath
	}
	if opts.SnapshotDepth <= 0 {
		opts.SnapshotDepth = DefaultSnapshotDepth
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{transport: t, opts: opts, logger: logger}
}

// Activate publishes path through agent.
func (c *Client) Activate(ctx context.Context, agent, path string) (*Acknowledgement, error) {
	return c.Trigger(ctx, Activate, agent, path)
}

// Deactivate withdraws path through agent.
func (c *Client) Deactivate(ctx context.Context, agent, path string) (*Acknowledgement, error) {
	return c.Trigger(ctx, Deactivate, agent, path)
}

// Trigger requests action for path. An empty agent leaves the choice of agent
// to the instance.
//
// A response whose HTTP status or embedded status code is not 200 returns the
// acknowledgement together with an ACTIVATION_REQUEST_FAILED or
// DEACTIVATION_REQUEST_FAILED error. Transport failures are GENERIC.
func (c *Client) Trigger(ctx context.Context, action Action, agent, path string) (*Acknowledgement, error) {
	if action != Activate && action != Deactivate {
		return nil, failure.New(failure.Generic, "unknown replication action %q", action)
	}

	form := url.Values{
		"cmd":       {string(action)},
		"_charset_": {"utf-8"},
		"path":      {path},
		"sync":      {"true"},
	}
	if agent != "" {
		form.Set("agentId", agent)
	}

	level.Info(c.logger).Log("msg", "requesting replication", "action", action, "agent", agent, "path", path)
	resp, err := c.transport.PostForm(ctx, ReplicatePath, form)
	if err != nil {
		return nil, failure.Wrap(err, failure.Generic, "%s request for %s", strings.ToLower(string(action)), path)
	}

	ack := ParseAcknowledgement(resp.StatusCode, resp.Body)
	if !ack.OK() {
		err := failure.New(action.failureKind(), "%s of %s returned status %d (embedded code %d): %s",
			strings.ToLower(string(action)), path, ack.StatusCode, ack.Code, ack.Message)
		level.Error(c.logger).Log("msg", "replication request failed", "action", action, "path", path, "err", err)
		return ack, err
	}

	level.Info(c.logger).Log("msg", "replication request accepted", "action", action, "path", path, "id", ack.ID, "message", ack.Message)
	return ack, nil
}

// OK reports whether the request was accepted: the HTTP status is 200 and the
// embedded status code, when present, is 200 as well.
func (a *Acknowledgement) OK() bool {
	return a.StatusCode == http.StatusOK && (a.Code == 0 || a.Code == http.StatusOK)
}

// ParseAcknowledgement builds an Acknowledgement from a replication response.
// The embedded code and message are read from "status.code" and
// "status.message", either as flat keys or nested below "status", and the id
// from the first element of "artifactId". A body which is not JSON is used as
// the message.
func ParseAcknowledgement(statusCode int, body []byte) *Acknowledgement {
	ack := &Acknowledgement{StatusCode: statusCode}

	if _, dt, _, err := jsonparser.Get(body); err != nil || dt != jsonparser.Object {
		ack.Message = string(bytes.TrimSpace(body))
		return ack
	}

	ack.Message = str(body, "status.message")
	if ack.Message == "" {
		ack.Message = str(body, "status", "message")
	}
	ack.Code = int(num(body, "status.code"))
	if ack.Code == 0 {
		ack.Code = int(num(body, "status", "code"))
	}
	ack.ID = str(body, "artifactId", "[0]")
	return ack
}

// Snapshot fetches and parses the current state of all distribution agents.
func (c *Client) Snapshot(ctx context.Context) (AgentSet, error) {
	bb, err := c.transport.GetJSON(ctx, c.opts.AgentsPath, c.opts.SnapshotDepth)
	if err != nil {
		return nil, failure.Wrap(err, failure.Generic, "fetching distribution agents")
	}
	set, err := ParseAgents(bb)
	if err != nil {
		return nil, failure.Wrap(err, failure.Generic, "parsing distribution agents")
	}
	return set, nil
}

// BlockedQueueNames returns the ids of the blocked queues of agent.
func (c *Client) BlockedQueueNames(ctx context.Context, agent string) ([]string, error) {
	bb, err := c.transport.GetJSON(ctx, path.Join(c.opts.AgentsPath, agent, "queues"), 1)
	if err != nil {
		return nil, failure.Wrap(err, failure.Generic, "fetching queues of agent %s", agent)
	}

	var blocked []string
	for _, id := range stringArray(bb, "items") {
		if strings.EqualFold(str(bb, id, "state"), stateBlocked) {
			blocked = append(blocked, id)
		}
	}
	return blocked, nil
}

// ClearBlockedQueues removes every item from the blocked queues of agent and
// returns the ids of the queues it cleared.
func (c *Client) ClearBlockedQueues(ctx context.Context, agent string) ([]string, error) {
	names, err := c.BlockedQueueNames(ctx, agent)
	if err != nil {
		return nil, err
	}

	var (
		cleared []string
		errs    error
	)
	for _, name := range names {
		level.Info(c.logger).Log("msg", "clearing blocked queue", "agent", agent, "queue", name)

		p := path.Join(c.opts.AgentsPath, agent, "queues", name)
		resp, err := c.transport.PostForm(ctx, p, url.Values{
			"operation": {"delete"},
			"limit":     {"-1"},
		})
		switch {
		case err != nil:
			errs = multierror.Append(errs, fmt.Errorf("clearing queue %s: %w", name, err))
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			errs = multierror.Append(errs, fmt.Errorf("clearing queue %s: unexpected status code %d", name, resp.StatusCode))
		default:
			cleared = append(cleared, name)
		}
	}
	if errs != nil {
		return cleared, failure.Wrap(errs, failure.Generic, "clearing blocked queues of agent %s", agent)
	}
	return cleared, nil
}
