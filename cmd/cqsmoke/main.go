// Command cqsmoke runs smoke checks against an author/publish pair and
// provides tools for inspecting and driving content replication.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cqsmoke/cqsmoke/pkg/build"
	"github.com/cqsmoke/cqsmoke/pkg/config"
	"github.com/cqsmoke/cqsmoke/pkg/logging"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// errChecksFailed is returned when at least one check failed. The results
// table already explains why.
var errChecksFailed = errors.New("smoke checks failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	if err == nil {
		return
	}
	if !errors.Is(err, errChecksFailed) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	stop()
	os.Exit(1)
}

// app holds the state shared by all subcommands.
type app struct {
	// configFlags are the flags forwarded to config.Load.
	configFlags *flag.FlagSet

	timeout     time.Duration
	metricsFile string

	logOut io.Writer
}

func newRootCmd(out, logOut io.Writer) *cobra.Command {
	a := &app{
		configFlags: config.NewFlagSet("cqsmoke"),
		logOut:      logOut,
	}

	cmd := &cobra.Command{
		Use:           "cqsmoke",
		Short:         "Smoke tests for content replication between author and publish",
		Version:       build.Print("cqsmoke"),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{ .Version }}\n")
	cmd.SetOut(out)

	pf := cmd.PersistentFlags()
	pf.AddGoFlagSet(a.configFlags)
	pf.DurationVar(&a.timeout, "timeout", 0, "Abort after this duration. Zero disables the timeout")
	pf.StringVar(&a.metricsFile, "metrics.file", "", "Write Prometheus metrics in text format to this file when done")

	cmd.AddCommand(
		runCmd(a),
		replicateCmd(a),
		agentsCmd(a),
		clearQueuesCmd(a),
	)
	return cmd
}

// setup loads the configuration from the config flags set on cmd and builds
// the logger.
func (a *app) setup(cmd *cobra.Command) (*config.Config, log.Logger, error) {
	var args []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if a.configFlags.Lookup(f.Name) != nil {
			args = append(args, fmt.Sprintf("-%s=%s", f.Name, f.Value.String()))
		}
	})

	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, err := config.Load(fs, args)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(a.logOut, cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	level.Debug(logger).Log("msg", "configuration loaded", "author", cfg.Author.URL, "publish", cfg.Publish.URL)
	return cfg, logger, nil
}

// context returns the command context bounded by --timeout.
func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *app) registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(version.NewCollector("cqsmoke"))
	return reg
}

// writeMetrics writes reg to --metrics.file, if set.
func (a *app) writeMetrics(reg prometheus.Gatherer, logger log.Logger) {
	if a.metricsFile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(a.metricsFile, reg); err != nil {
		level.Warn(logger).Log("msg", "failed to write metrics file", "file", a.metricsFile, "err", err)
	}
}
