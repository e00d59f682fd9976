package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newScanCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Enqueue collection or library scans",
	}

	var force bool
	collection := &cobra.Command{
		Use:   "collection ID",
		Short: "Scan one collection",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := c.ScanCollection(cmd.Context(), args[0], force)
			if err != nil {
				return scanErr(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID)
			return nil
		},
	}
	collection.Flags().BoolVar(&force, "force", false, "Invalidate existing artifacts and regenerate")

	var libForce bool
	library := &cobra.Command{
		Use:   "library ID",
		Short: "Scan every collection of a library",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := c.ScanLibrary(cmd.Context(), args[0], libForce)
			if err != nil {
				return scanErr(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID)
			return nil
		},
	}
	library.Flags().BoolVar(&libForce, "force", false, "Invalidate existing artifacts and regenerate")

	cmd.AddCommand(collection, library)
	return cmd
}

// scanErr maps enqueue failures: a daemon that cannot reach its broker
// reports 503, which scripts distinguish from an unreachable daemon.
func scanErr(err error) error {
	if ae, ok := err.(*apiError); ok && ae.Status == 503 {
		return &exitError{code: exitBus, err: err}
	}
	return err
}
