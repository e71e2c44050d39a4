package smoke

import (
	"context"
	"time"

	"github.com/cqsmoke/cqsmoke/pkg/failure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// cleanupTimeout bounds the teardown of a single check.
const cleanupTimeout = time.Minute

// Status is the outcome of a check.
type Status string

// Possible outcomes.
const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

// Result is the outcome of a single check.
type Result struct {
	Check    string
	Status   Status
	Err      error
	Duration time.Duration
}

// Runner runs checks against an Env.
type Runner struct {
	Env    *Env
	Checks []Check
	// Concurrency is the number of checks run at the same time. Values below
	// one run checks one after another.
	Concurrency int

	Metrics *Metrics
	Logger  log.Logger
}

// Run runs every check and returns their results in the order of Checks.
func (r *Runner) Run(ctx context.Context) []Result {
	logger := r.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}

	var (
		results = make([]Result, len(r.Checks))
		g       errgroup.Group
	)
	g.SetLimit(limit)

	for i, c := range r.Checks {
		i, c := i, c
		g.Go(func() error {
			results[i] = r.runCheck(ctx, c, log.With(logger, "check", c.Name))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) runCheck(ctx context.Context, c Check, logger log.Logger) Result {
	level.Info(logger).Log("msg", "starting check", "description", c.Description)

	var (
		start = time.Now()
		fx    = r.Env.NewFixture(logger)
		err   = c.Run(ctx, r.Env, fx, logger)
	)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if cerr := fx.Cleanup(cleanupCtx); cerr != nil {
		level.Warn(logger).Log("msg", "cleaning up test content failed", "err", cerr)
	}

	res := Result{Check: c.Name, Status: StatusPass, Err: err, Duration: time.Since(start)}
	switch {
	case err == nil:
		level.Info(logger).Log("msg", "check passed", "duration", res.Duration)
	case failure.IsSkip(err):
		res.Status = StatusSkip
		level.Warn(logger).Log("msg", "check skipped", "reason", err)
	default:
		res.Status = StatusFail
		level.Error(logger).Log("msg", "check failed", "kind", failure.KindOf(err), "err", err)
	}
	r.Metrics.observe(res)
	return res
}

// Failed reports whether any result failed.
func Failed(results []Result) bool {
	for _, r := range results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Metrics tracks check outcomes. A nil *Metrics records nothing.
type Metrics struct {
	results  *prometheus.CounterVec
	duration *prometheus.GaugeVec
}

// NewMetrics creates Metrics and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cqsmoke_check_results_total",
			Help: "Total number of smoke check results by status.",
		}, []string{"check", "status"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cqsmoke_check_duration_seconds",
			Help: "Duration of the last run of a smoke check.",
		}, []string{"check"}),
	}
	if reg != nil {
		reg.MustRegister(m.results, m.duration)
	}
	return m
}

func (m *Metrics) observe(res Result) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(res.Check, string(res.Status)).Inc()
	m.duration.WithLabelValues(res.Check).Set(res.Duration.Seconds())
}
