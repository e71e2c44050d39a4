package main

import (
	"fmt"
	"io"
	"time"

	"github.com/cqsmoke/cqsmoke/pkg/failure"
	"github.com/cqsmoke/cqsmoke/pkg/smoke"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func runCmd(a *app) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "run [check...]",
		Short: "Run smoke checks",
		Long: `run executes the named smoke checks, or the checks enabled in the
configuration file when no names are given, and prints a summary table.
The command exits non-zero when any check failed. Skipped checks do not fail
the run.`,

		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				printChecks(cmd.OutOrStdout(), smoke.All())
				return nil
			}

			cfg, logger, err := a.setup(cmd)
			if err != nil {
				return err
			}

			names := args
			if len(names) == 0 {
				names = cfg.Checks.Enabled
			}
			checks, err := smoke.Select(names)
			if err != nil {
				return err
			}

			reg := a.registry()
			env, err := newEnv(cfg, reg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := a.context(cmd)
			defer cancel()

			r := &smoke.Runner{
				Env:         env,
				Checks:      checks,
				Concurrency: cfg.Checks.Concurrency,
				Metrics:     smoke.NewMetrics(reg),
				Logger:      logger,
			}
			results := r.Run(ctx)

			printResults(cmd.OutOrStdout(), results)
			a.writeMetrics(reg, logger)
			if smoke.Failed(results) {
				return errChecksFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list the available checks and exit")
	return cmd
}

func printChecks(w io.Writer, checks []smoke.Check) {
	table := tablewriter.NewWriter(w)
	defer table.Render()

	table.SetHeader([]string{"Check", "Description"})
	for _, c := range checks {
		table.Append([]string{c.Name, c.Description})
	}
}

func printResults(w io.Writer, results []smoke.Result) {
	table := tablewriter.NewWriter(w)
	defer table.Render()

	table.SetHeader([]string{"Check", "Status", "Duration", "Kind", "Details"})
	table.SetAutoWrapText(false)

	for _, res := range results {
		var kind, details string
		switch res.Status {
		case smoke.StatusFail:
			kind = string(failure.KindOf(res.Err))
			details = res.Err.Error()
		case smoke.StatusSkip:
			details = res.Err.Error()
		}
		table.Append([]string{
			res.Check,
			colorStatus(res.Status),
			res.Duration.Round(time.Millisecond).String(),
			kind,
			details,
		})
	}
	table.SetFooter([]string{"", "", "", "Total", fmt.Sprint(len(results))})
}

func colorStatus(s smoke.Status) string {
	switch s {
	case smoke.StatusPass:
		return color.GreenString(string(s))
	case smoke.StatusSkip:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}
