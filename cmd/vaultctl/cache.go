package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/imagevault/imagevault/api/types"
)

func newCacheCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cache roots",
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List cache roots",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			roots, err := c.CacheRoots(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPATH\tPRIORITY\tUSED\tLIMIT\tFILES\tACTIVE")
			for _, r := range roots {
				limit := "unlimited"
				if r.MaxBytes != nil {
					limit = units.BytesSize(float64(*r.MaxBytes))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%t\n",
					r.ID, r.Name, r.Path, r.Priority,
					units.BytesSize(float64(r.CurrentBytes)), limit, r.FileCount, r.Active)
			}
			return w.Flush()
		},
	}

	var (
		name     string
		priority int
		maxSize  string
	)
	add := &cobra.Command{
		Use:   "add PATH",
		Short: "Register a directory as a cache root",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.CacheRootCreateRequest{Name: name, Path: args[0], Priority: priority}
			if maxSize != "" {
				n, err := units.RAMInBytes(maxSize)
				if err != nil {
					return &exitError{code: exitUsage, err: fmt.Errorf("invalid --max-size %q: %v", maxSize, err)}
				}
				req.MaxBytes = &n
			}
			root, err := c.CreateCacheRoot(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), root.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "Display name (defaults to the directory name)")
	add.Flags().IntVar(&priority, "priority", 0, "Placement priority, higher wins")
	add.Flags().StringVar(&maxSize, "max-size", "", `Byte budget, e.g. "200GiB" (unlimited when unset)`)

	rm := &cobra.Command{
		Use:   "rm ID",
		Short: "Remove a cache root (files stay on disk)",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.DeleteCacheRoot(cmd.Context(), args[0])
		},
	}

	validate := &cobra.Command{
		Use:   "validate PATH",
		Short: "Check whether a directory can serve as a cache root",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := c.ValidateCachePath(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !v.Valid {
				return fmt.Errorf("invalid: %s", v.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok (%s free)\n", units.BytesSize(float64(v.FreeBytes)))
			return nil
		},
	}

	cmd.AddCommand(ls, add, rm, validate)
	return cmd
}
