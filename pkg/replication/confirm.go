package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cqsmoke/cqsmoke/pkg/failure"
	"github.com/cqsmoke/cqsmoke/pkg/poll"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Stage is the position of a replication request in its confirmation.
type Stage int

// Stages of a confirmation. Confirmed, TimedOut, Blocked and Fatal are
// terminal.
const (
	StagePreflight Stage = iota
	StageTriggered
	StagePolling
	StageConfirmed
	StageTimedOut
	StageBlocked
	StageFatal
)

var stageNames = map[Stage]string{
	StagePreflight: "preflight",
	StageTriggered: "triggered",
	StagePolling:   "polling",
	StageConfirmed: "confirmed",
	StageTimedOut:  "timed_out",
	StageBlocked:   "blocked",
	StageFatal:     "fatal",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ConfirmOptions controls the timing of a Confirmer.
type ConfirmOptions struct {
	// PreflightTimeout bounds how long to wait for the agent to appear.
	PreflightTimeout time.Duration
	// Timeout bounds how long to wait for the queue to drain.
	Timeout      time.Duration
	PollInterval time.Duration
}

// DefaultConfirmOptions are the timings used against a real instance.
var DefaultConfirmOptions = ConfirmOptions{
	PreflightTimeout: 5 * time.Minute,
	Timeout:          5 * time.Minute,
	PollInterval:     500 * time.Millisecond,
}

// Result describes a finished confirmation.
type Result struct {
	Action  Action
	Agent   string
	Path    string
	ID      string
	Polls   int
	Elapsed time.Duration
	Stage   Stage
}

// Confirmer triggers replication requests and waits until the distribution
// queues of the agent no longer hold the replicated path.
type Confirmer struct {
	client  *Client
	opts    ConfirmOptions
	metrics *Metrics
	logger  log.Logger
}

// NewConfirmer creates a new Confirmer. metrics may be nil.
func NewConfirmer(c *Client, opts ConfirmOptions, metrics *Metrics, logger log.Logger) *Confirmer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Confirmer{client: c, opts: opts, metrics: metrics, logger: logger}
}

// Client returns the replication client used by the Confirmer.
func (c *Confirmer) Client() *Client { return c.client }

// Preflight waits for agent to be listed and fails with QUEUE_BLOCKED if it
// is blocked. It returns the last snapshot fetched.
func (c *Confirmer) Preflight(ctx context.Context, agent string) (AgentSet, error) {
	var last AgentSet
	err := poll.Poll(ctx, c.opts.PreflightTimeout, c.opts.PollInterval, func(ctx context.Context) (bool, error) {
		set, err := c.client.Snapshot(ctx)
		if err != nil {
			level.Debug(c.logger).Log("msg", "fetching agents failed", "err", err)
			return false, err
		}
		last = set
		if !set.Has(agent) {
			level.Warn(c.logger).Log("msg", "distribution agent missing from the agent list", "agent", agent, "agents", strings.Join(set.Names(), ","))
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return last, err
		}
		return last, failure.Wrap(err, failure.ReplicationNotAvailable, "distribution agent %s not available", agent)
	}

	if last.Blocked(agent) {
		a := last.Get(agent)
		level.Error(c.logger).Log("msg", "distribution agent is blocked", "agent", agent, "blocked_queues", strings.Join(a.BlockedQueues(), ","))
		return last, failure.New(failure.QueueBlocked, "distribution agent %s is blocked: %s", agent, a)
	}
	return last, nil
}

// Replicate runs action for path through agent: it checks the agent is
// usable, triggers the request and waits until the request left the agent's
// queues. The returned Result is never nil.
func (c *Confirmer) Replicate(ctx context.Context, action Action, agent, path string) (*Result, error) {
	var (
		start = time.Now()
		res   = &Result{Action: action, Agent: agent, Path: path, Stage: StagePreflight}
	)

	err := c.replicate(ctx, res)
	res.Elapsed = time.Since(start)
	c.metrics.observe(res)

	logger := log.With(c.logger, "action", action, "agent", agent, "path", path, "stage", res.Stage, "polls", res.Polls, "elapsed", res.Elapsed)
	if err != nil {
		level.Error(logger).Log("msg", "replication not confirmed", "err", err)
		return res, err
	}
	level.Info(logger).Log("msg", "replication confirmed", "id", res.ID)
	return res, nil
}

func (c *Confirmer) replicate(ctx context.Context, res *Result) error {
	if _, err := c.Preflight(ctx, res.Agent); err != nil {
		res.Stage = StageFatal
		if failure.IsKind(err, failure.QueueBlocked) {
			res.Stage = StageBlocked
		}
		return err
	}

	ack, err := c.client.Trigger(ctx, res.Action, res.Agent, res.Path)
	if err != nil {
		res.Stage = StageFatal
		return err
	}
	res.Stage = StageTriggered
	res.ID = ack.ID

	res.Stage = StagePolling
	polls, err := c.AwaitDrained(ctx, res.Agent, res.Path, res.ID)
	res.Polls = polls
	switch {
	case failure.IsKind(err, failure.ActionNotReplicated):
		res.Stage = StageTimedOut
	case err != nil:
		res.Stage = StageFatal
	default:
		res.Stage = StageConfirmed
	}
	return err
}

// AwaitDrained polls the agent until none of its non-empty queues holds a
// package for path and id, and returns the number of snapshots fetched.
// Blocked queues are logged but do not stop the wait.
func (c *Confirmer) AwaitDrained(ctx context.Context, agent, path, id string) (int, error) {
	var (
		polls int
		last  *Agent
	)

	err := poll.Poll(ctx, c.opts.Timeout, c.opts.PollInterval, func(ctx context.Context) (bool, error) {
		polls++
		c.metrics.poll(agent)

		set, err := c.client.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		a := set.Get(agent)
		if a == nil {
			return false, fmt.Errorf("distribution agent %s missing from the agent list", agent)
		}
		last = a

		c.logBlocked(a)
		for _, p := range a.FindPackages(path, id) {
			level.Debug(c.logger).Log("msg", "package still queued", "agent", agent, "package", p.ID, "pkg_id", p.PkgID, "state", p.State, "paths", strings.Join(p.Paths, ","))
		}
		return !a.ContainsPath(path, id), nil
	})
	if err == nil {
		return polls, nil
	}

	var te *poll.TimeoutError
	if errors.As(err, &te) {
		snapshot := "<none>"
		if last != nil {
			snapshot = last.String()
		}
		return polls, failure.Wrap(err, failure.ActionNotReplicated,
			"%s (id %q) still queued on agent %s after %s, last snapshot: %s",
			path, id, agent, te.Elapsed.Round(time.Millisecond), snapshot)
	}
	return polls, failure.Wrap(err, failure.Generic, "waiting for agent %s to drain", agent)
}

func (c *Confirmer) logBlocked(a *Agent) {
	for _, qid := range a.queueIDs() {
		q := a.Queues[qid]
		if q.IsBlocked() {
			level.Warn(c.logger).Log("msg", "distribution queue is blocked", "agent", a.Name, "queue", qid, "items", q.ItemsCount)
		}
		if q.Empty {
			continue
		}
		for _, pid := range q.packageIDs() {
			p := q.Packages[pid]
			if !p.IsBlocked() {
				continue
			}
			level.Warn(c.logger).Log("msg", "distribution package failed", "agent", a.Name, "queue", qid,
				"package", p.ID, "pkg_id", p.PkgID, "paths", strings.Join(p.Paths, ","), "error", p.ErrorMessage)
		}
	}
}
