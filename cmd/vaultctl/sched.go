package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSchedCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sched",
		Short: "Manage scheduled jobs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List schedule definitions",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := c.ScheduledJobs(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSCHEDULE\tENABLED\tSTATUS\tNEXT RUN\tRUNS (OK/FAIL)")
			for _, j := range jobs {
				sched := j.CronExpr
				if j.ScheduleKind == "interval" {
					sched = fmt.Sprintf("every %dm", j.IntervalMin)
				}
				next := "-"
				if j.NextRunAt != nil {
					next = j.NextRunAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%d (%d/%d)\n",
					j.ID, j.Kind, sched, j.Enabled, j.Status, next, j.RunCount, j.SuccessCount, j.FailureCount)
			}
			return w.Flush()
		},
	}

	enable := &cobra.Command{
		Use:   "enable ID",
		Short: "Enable a schedule",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.SetScheduleEnabled(cmd.Context(), args[0], true)
		},
	}
	disable := &cobra.Command{
		Use:   "disable ID",
		Short: "Disable a schedule",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.SetScheduleEnabled(cmd.Context(), args[0], false)
		},
	}

	var offset, limit int64
	runs := &cobra.Command{
		Use:   "runs ID",
		Short: "Show run history, newest first",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := c.ScheduledJobRuns(cmd.Context(), args[0], offset, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tDURATION\tTRIGGER\tERROR")
			for _, r := range history {
				fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%s\t%s\n",
					r.ID, r.Status, r.StartedAt.Format(time.RFC3339), r.DurationMs, r.TriggeredBy, r.Error)
			}
			return w.Flush()
		},
	}
	runs.Flags().Int64Var(&offset, "offset", 0, "Skip the first N runs")
	runs.Flags().Int64Var(&limit, "limit", 0, "Return at most N runs")

	cmd.AddCommand(list, enable, disable, runs)
	return cmd
}
