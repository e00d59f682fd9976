package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/imagevault/imagevault/api/types"
)

func newJobCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and control background jobs",
	}

	status := &cobra.Command{
		Use:   "status ID",
		Short: "Show job status and progress",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(cmd, job)
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel ID",
		Short: "Request job cancellation",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CancelJob(cmd.Context(), args[0])
		},
	}

	var interval time.Duration
	watch := &cobra.Command{
		Use:   "watch ID",
		Short: "Poll a job until it reaches a terminal state",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchJob(cmd, c, args[0], interval)
		},
	}
	watch.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval")

	cmd.AddCommand(status, cancel, watch)
	return cmd
}

func watchJob(cmd *cobra.Command, c *client, id string, interval time.Duration) error {
	ctx := cmd.Context()
	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d/%d (failed %d)\n", job.Status, job.Done, job.Total, job.Failed)
		switch job.Status {
		case "completed":
			if job.Failed > 0 {
				return &exitError{code: exitJobFailed, err: fmt.Errorf("job %s completed with %d failures", id, job.Failed)}
			}
			return nil
		case "failed", "cancelled":
			return &exitError{code: exitJobFailed, err: fmt.Errorf("job %s %s: %s", id, job.Status, job.LastError)}
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(interval):
		}
	}
}

func printJob(cmd *cobra.Command, job *types.BackgroundJob) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", job.ID)
	fmt.Fprintf(w, "Kind:\t%s\n", job.Kind)
	fmt.Fprintf(w, "Status:\t%s\n", job.Status)
	fmt.Fprintf(w, "Progress:\t%d/%d (failed %d)\n", job.Done, job.Total, job.Failed)
	fmt.Fprintf(w, "Started:\t%s\n", job.StartedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:\t%s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", job.LastError)
	}
	_ = w.Flush()
}
