package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/imagevault/imagevault/daemon"
	"github.com/imagevault/imagevault/daemon/config"
)

// Exit codes. Supervisors key restart policies off these.
const (
	exitOK      = 0
	exitConfig  = 2
	exitCatalog = 3
	exitBus     = 4
)

type options struct {
	configFile string
	logLevel   string
}

func newDaemonCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "imagevaultd [OPTIONS]",
		Short:         "Image collection indexing and derivation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	// Accept underscores in flag names for compatibility with older unit
	// files.
	flags.SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	flags.StringVar(&opts.configFile, "config-file", "", "Daemon configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "info", `Logging level ("debug"|"info"|"warn"|"error")`)
	return cmd
}

func runDaemon(ctx context.Context, opts options) error {
	if err := log.SetLevel(opts.logLevel); err != nil {
		return errors.Wrap(cerrdefs.ErrInvalidArgument, err.Error())
	}
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = d.Run(runCtx)
	log.G(ctx).Info("shutting down")
	d.Shutdown(context.WithoutCancel(ctx))
	return err
}

func main() {
	cmd := newDaemonCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, daemon.ErrCatalogUnavailable):
		return exitCatalog
	case errors.Is(err, daemon.ErrBusUnavailable):
		return exitBus
	case cerrdefs.IsInvalidArgument(err):
		return exitConfig
	}
	return 1
}
