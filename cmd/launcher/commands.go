package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/game_launcher/internal/model"
	"github.com/italolelis/game_launcher/internal/repository"
	"github.com/italolelis/game_launcher/internal/tasks"
	"github.com/spf13/cobra"
)

func newReleasesCmd() *cobra.Command {
	var (
		profile     string
		preReleases bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "releases",
		Short: "List the releases offered by the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := repository.Query{PreReleases: preReleases}

			if profile != "" {
				q.Profile = model.Profile(strings.ToUpper(profile))
				if !q.Profile.Valid() {
					return fmt.Errorf("invalid profile %q", profile)
				}
			}

			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				if err := a.refresh(ctx); err != nil {
					return err
				}

				releases := a.launcher.Releases(q)

				if asJSON {
					return writeJSON(cmd.OutOrStdout(), releases)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tRELEASED\tACTION\tSOURCE")

				for _, r := range releases {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, humanize.Time(r.Timestamp), a.launcher.Action(r.ID), r.Source)
				}

				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "only list releases of this profile (OMEGA or ENGINE)")
	cmd.Flags().BoolVar(&preReleases, "prereleases", false, "include nightly builds")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print releases as JSON")

	return cmd
}

func newInstalledCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "installed",
		Short: "List installed games",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cmd.ErrOrStderr(), func(_ context.Context, a *app) error {
				for _, id := range a.launcher.InstalledGames() {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}

				return nil
			})
		},
	}
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download <id>",
		Short: "Download and install a release, e.g. OMEGA/STABLE/5.3.0",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseGameIdentifier(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				if err := a.refresh(ctx); err != nil {
					return err
				}

				t, err := a.launcher.Download(ctx, id)
				if err != nil {
					return err
				}

				return waitTask(ctx, cmd.OutOrStdout(), t)
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove an installed game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseGameIdentifier(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				t, err := a.launcher.Delete(ctx, id)
				if err != nil {
					return err
				}

				return waitTask(ctx, cmd.OutOrStdout(), t)
			})
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Start an installed game and wait for it to exit",
		Long:  "Start an installed game. With close_after_start set in the settings the command returns as soon as the game is running.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := model.ParseGameIdentifier(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				session, err := a.launcher.Run(ctx, id)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()

				select {
				case <-a.launcher.CloseRequested():
					fmt.Fprintf(out, "%s started\n", id)

					return nil
				case <-session.Done():
				case <-ctx.Done():
					fmt.Fprintf(out, "%s is still running\n", id)

					return nil
				}

				if err := session.Err(); err != nil {
					return err
				}

				info := session.Info()
				fmt.Fprintf(out, "%s exited after %s\n", id, info.EndedAt.Sub(info.StartedAt).Round(time.Second))

				return nil
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent downloads and deletes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("invalid limit %d", limit)
			}

			return withApp(cmd, cmd.ErrOrStderr(), func(ctx context.Context, a *app) error {
				records, err := a.launcher.History(ctx, limit)
				if err != nil {
					return err
				}

				if asJSON {
					return writeJSON(cmd.OutOrStdout(), records)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "STARTED\tKIND\tGAME\tSTATE\tERROR")

				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						r.StartedAt.Local().Format(time.DateTime), r.Kind, r.GameID, r.State, r.Error)
				}

				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")

	return cmd
}

// waitTask prints the progress of t until it is terminal. Cancelling ctx cancels t.
func waitTask(ctx context.Context, out io.Writer, t *tasks.Task) error {
	updates := t.Updates()

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				fmt.Fprintf(out, "\r%s %s: %s\n", t.Kind(), t.Target(), t.State())

				return t.Err()
			}

			if u.Indeterminate {
				fmt.Fprintf(out, "\r%s %s: %s", t.Kind(), t.Target(), u.State)

				continue
			}

			fmt.Fprintf(out, "\r%s %s: %s %3.0f%%", t.Kind(), t.Target(), u.State, u.Progress*100)
		case <-ctx.Done():
			t.Cancel()
			<-t.Done()

			fmt.Fprintf(out, "\r%s %s: %s\n", t.Kind(), t.Target(), t.State())

			return ctx.Err()
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
