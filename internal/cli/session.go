package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"homescout/internal/core"
	"homescout/internal/database"
	"homescout/internal/session"

	"github.com/spf13/cobra"
)

type sessionOutput struct {
	SessionID string                   `json:"sessionId"`
	Summary   session.MigrationSummary `json:"summary"`
	Prompt    session.MigrationPrompt  `json:"prompt"`
}

func newSessionCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage the anonymous session",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the anonymous session and what would be migrated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				out := sessionOutput{
					SessionID: rt.Sessions.GetCurrentSessionID(),
					Summary:   rt.Sessions.GetMigrationSummary(),
					Prompt:    rt.Sessions.GenerateMigrationPrompt(),
				}
				return g.print(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "Session: %s\n", out.SessionID)
					fmt.Fprintf(w, "Saved properties: %d\n", out.Summary.SavedProperties)
					if out.Prompt.Show {
						fmt.Fprintln(w, out.Prompt.Message)
						for _, item := range out.Prompt.Items {
							fmt.Fprintf(w, "  - %s\n", item)
						}
					}
				})
			})
		},
	}

	reset := &cobra.Command{
		Use:   "new",
		Short: "Start a fresh anonymous session id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				id := rt.Sessions.CreateNewSession()
				return g.print(cmd.OutOrStdout(), map[string]string{"sessionId": id}, func(w io.Writer) {
					fmt.Fprintf(w, "Session: %s\n", id)
				})
			})
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Move anonymous data into the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				if err := requireAuth(rt); err != nil {
					return err
				}
				res, err := rt.Auth.MigrateSession(ctx)
				if err != nil {
					return formError(err, "Session migration failed")
				}
				return g.print(cmd.OutOrStdout(), res, func(w io.Writer) {
					if res == nil {
						fmt.Fprintln(w, "Nothing to migrate")
						return
					}
					fmt.Fprintf(w, "Migrated: %s\n", strings.Join(res.MigratedItems, ", "))
					for _, e := range res.Errors {
						fmt.Fprintf(w, "Error: %s\n", e)
					}
				})
			})
		},
	}

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Push saved properties to the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				ids := rt.Sessions.GetSavedProperties()
				if len(ids) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing to sync")
					return nil
				}
				if err := rt.API.SyncSavedProperties(ctx, rt.Sessions.GetCurrentSessionID(), ids); err != nil {
					return formError(err, "Failed to sync saved properties")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Synced %d saved properties\n", len(ids))
				return nil
			})
		},
	}

	cmd.AddCommand(show, reset, migrate, sync)
	return cmd
}

func newSavedCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saved",
		Short: "Manage saved properties",
	}

	printSaved := func(cmd *cobra.Command, ids []string) error {
		return g.print(cmd.OutOrStdout(), ids, func(w io.Writer) {
			if len(ids) == 0 {
				fmt.Fprintln(w, "No saved properties")
				return
			}
			for _, id := range ids {
				fmt.Fprintln(w, id)
			}
		})
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved property ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				return printSaved(cmd, rt.Sessions.GetSavedProperties())
			})
		},
	}

	add := &cobra.Command{
		Use:   "add <property-id>...",
		Short: "Save one or more properties",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				for _, id := range args {
					if err := rt.Sessions.AddSavedProperty(strings.TrimSpace(id)); err != nil {
						return fmt.Errorf("save %s: %w", id, err)
					}
				}
				return printSaved(cmd, rt.Sessions.GetSavedProperties())
			})
		},
	}

	remove := &cobra.Command{
		Use:     "remove <property-id>...",
		Aliases: []string{"rm"},
		Short:   "Remove saved properties",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				for _, id := range args {
					if err := rt.Sessions.RemoveSavedProperty(strings.TrimSpace(id)); err != nil {
						return fmt.Errorf("remove %s: %w", id, err)
					}
				}
				return printSaved(cmd, rt.Sessions.GetSavedProperties())
			})
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

func newEventsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the local authentication audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(cmd, func(ctx context.Context, rt *core.Runtime) error {
				if rt.DB == nil {
					return exitError(exitFailure, "local database unavailable")
				}
				events, err := rt.DB.ListAuthEvents(limit)
				if err != nil {
					return fmt.Errorf("list auth events: %w", err)
				}
				return g.print(cmd.OutOrStdout(), events, func(w io.Writer) {
					printEvents(w, events)
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events")
	return cmd
}

func printEvents(w io.Writer, events []database.AuthEventLog) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tUSER\tSESSION")
	for _, ev := range events {
		user := ev.UserID
		if user == "" {
			user = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.CreatedAt.Local().Format(time.DateTime), ev.Type, user, ev.SessionID)
	}
	_ = tw.Flush()
}
