package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/cqsmoke/cqsmoke/pkg/replication"
	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func replicateCmd(a *app) *cobra.Command {
	var action, agent string

	cmd := &cobra.Command{
		Use:   "replicate [path]",
		Short: "Replicate a path and wait until the distribution queue confirms it",
		Long: `replicate sends an activation or deactivation request for the given
path through a distribution agent, then polls the agent's queues until the
request has left them. The agent defaults to the configured publish agent.`,
		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := replication.ParseAction(action)
			if err != nil {
				return err
			}

			cfg, logger, err := a.setup(cmd)
			if err != nil {
				return err
			}
			if agent == "" {
				agent = cfg.Replication.PublishAgent
			}

			reg := a.registry()
			_, confirmer, err := newConfirmer(cfg, reg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := a.context(cmd)
			defer cancel()

			res, err := confirmer.Replicate(ctx, act, agent, args[0])
			if res != nil {
				printReplication(cmd.OutOrStdout(), res)
			}
			a.writeMetrics(reg, logger)
			return err
		},
	}

	cmd.Flags().StringVar(&action, "action", string(replication.Activate), "replication action: Activate or Deactivate")
	cmd.Flags().StringVar(&agent, "agent", "", "distribution agent to replicate through")
	return cmd
}

func printReplication(w io.Writer, res *replication.Result) {
	table := tablewriter.NewWriter(w)
	defer table.Render()

	table.SetHeader([]string{"Action", "Agent", "Path", "ID", "Stage", "Polls", "Elapsed"})
	table.Append([]string{
		string(res.Action),
		res.Agent,
		res.Path,
		res.ID,
		res.Stage.String(),
		strconv.Itoa(res.Polls),
		res.Elapsed.Round(time.Millisecond).String(),
	})
}

func agentsCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Show the distribution agents and their queues",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "table" && output != "json" {
				return fmt.Errorf("unsupported output %q", output)
			}

			cfg, logger, err := a.setup(cmd)
			if err != nil {
				return err
			}
			_, confirmer, err := newConfirmer(cfg, nil, logger)
			if err != nil {
				return err
			}

			ctx, cancel := a.context(cmd)
			defer cancel()

			set, err := confirmer.Client().Snapshot(ctx)
			if err != nil {
				return err
			}

			if output == "json" {
				bb, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(set, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bb))
				return err
			}
			printAgents(cmd.OutOrStdout(), set)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}

func printAgents(w io.Writer, set replication.AgentSet) {
	table := tablewriter.NewWriter(w)
	defer table.Render()

	table.SetHeader([]string{"Agent", "State", "Queue", "Queue State", "Items", "Blocked"})
	for _, name := range set.Names() {
		a := set.Get(name)
		if len(a.Queues) == 0 {
			table.Append([]string{a.Name, a.State, "", "", "", strconv.FormatBool(a.IsBlocked())})
			continue
		}
		ids := make([]string, 0, len(a.Queues))
		for id := range a.Queues {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			q := a.Queues[id]
			table.Append([]string{
				a.Name,
				a.State,
				q.ID,
				q.State,
				strconv.Itoa(q.ItemsCount),
				strconv.FormatBool(q.IsBlocked()),
			})
		}
	}
}

func clearQueuesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-queues [agent]",
		Short: "Remove every item from the blocked queues of a distribution agent",
		Args:  cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.setup(cmd)
			if err != nil {
				return err
			}
			_, confirmer, err := newConfirmer(cfg, nil, logger)
			if err != nil {
				return err
			}

			ctx, cancel := a.context(cmd)
			defer cancel()

			cleared, err := confirmer.Client().ClearBlockedQueues(ctx, args[0])
			for _, q := range cleared {
				fmt.Fprintf(cmd.OutOrStdout(), "cleared queue %s\n", q)
			}
			if err == nil && len(cleared) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no blocked queues on agent %s\n", args[0])
			}
			return err
		},
	}
}
