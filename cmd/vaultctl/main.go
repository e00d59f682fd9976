// vaultctl is the operator tool for the imagevault daemon: it enqueues
// scans, watches jobs, manages schedules and cache roots.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, stable for scripting.
const (
	exitOK        = 0
	exitGeneric   = 1
	exitUsage     = 2
	exitCatalog   = 3
	exitBus       = 4
	exitJobFailed = 10
)

func newRootCommand() (*cobra.Command, *client) {
	c := &client{}
	cmd := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Control the imagevault daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&c.host, "host", envOr("IMAGEVAULT_HOST", "http://127.0.0.1:8425"), "Daemon address")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: exitUsage, err: err}
	})
	cmd.AddCommand(
		newScanCommand(c),
		newJobCommand(c),
		newSchedCommand(c),
		newCacheCommand(c),
	)
	return cmd, c
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	cmd, _ := newRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(codeOf(err))
	}
	os.Exit(exitOK)
}

// exitError carries an explicit exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exactArgs validates positional arguments with the usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &exitError{
				code: exitUsage,
				err:  fmt.Errorf("%q requires exactly %d argument(s)", cmd.CommandPath(), n),
			}
		}
		return nil
	}
}

func codeOf(err error) int {
	if e, ok := err.(*exitError); ok {
		return e.code
	}
	if _, ok := err.(*transportError); ok {
		return exitCatalog
	}
	return exitGeneric
}
