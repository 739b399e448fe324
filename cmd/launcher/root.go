package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/game_launcher/internal/config"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "launcher",
		Short:         "Install, update and start game releases",
		Long:          "launcher keeps a merged catalog of game releases, installs and removes them one at a time and starts installed games.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newReleasesCmd(),
		newInstalledCmd(),
		newDownloadCmd(),
		newDeleteCmd(),
		newRunCmd(),
		newHistoryCmd(),
	)

	return rootCmd
}

// withApp loads the configuration, builds a started application logging to logOut
// and closes it once fn returns. The context is cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, logOut io.Writer, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logOut)
	if err != nil {
		return err
	}

	defer a.close(context.WithoutCancel(ctx))

	return fn(a.ctx(ctx), a)
}
