package main

import (
	"context"
	"fmt"

	"github.com/metalagman/deckhand/internal/app"
	"github.com/metalagman/deckhand/internal/sandbox"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Manage sandboxes",
	}
	cmd.AddCommand(sandboxCreateCmd())
	cmd.AddCommand(sandboxListCmd())
	cmd.AddCommand(sandboxCloseCmd())
	cmd.AddCommand(sandboxRestoreCmd())
	return cmd
}

func sandboxCreateCmd() *cobra.Command {
	var repo, title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a sandbox for a repository and dock its viewer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, c app.Components) error {
				if err := requireAgent(c.Config); err != nil {
					return err
				}
				t, err := repoTarget(ctx, repo)
				if err != nil {
					return err
				}
				if title == "" {
					title = t.RepositoryName
				}
				v, err := c.Manager.Open(ctx, sandbox.CreateRequest{
					RepoURL:  t.RepositoryURL,
					RepoName: t.RepositoryName,
					Branch:   t.Branch,
					Agent:    c.Config.Agent,
					Title:    title,
				})
				if err != nil {
					return err
				}
				log.Info().Msgf("sandbox %s docked at %d: %s", v.SandboxID, v.Dock, v.DisplayEndpoint)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository (owner/name or url); defaults to the origin remote")
	cmd.Flags().StringVar(&title, "title", "", "viewer title")
	return cmd
}

func sandboxListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List open sandboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, c app.Components) error {
				viewers := c.Manager.Registry().List()
				if len(viewers) == 0 {
					log.Info().Msg("no open sandboxes")
					return nil
				}
				for _, v := range viewers {
					line := fmt.Sprintf("#%d %s %q %s", v.Dock, v.SandboxID, v.Title, v.DisplayEndpoint)
					if id := v.StoryID(); id != "" {
						line += " story=" + id
					}
					log.Info().Msg(line)
				}
				q := c.Manager.Quota()
				log.Info().Msgf("%d of %d sandbox slots in use", q.InUse(), q.Max())
				return nil
			})
		},
	}
}

func sandboxCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <sandbox-id>",
		Short: "Destroy a sandbox and close its viewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, c app.Components) error {
				id := args[0]
				if _, ok := c.Manager.Registry().Get(id); !ok {
					return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
				}
				c.Manager.Destroy(ctx, id)
				log.Info().Msgf("sandbox %s closed", id)
				return nil
			})
		},
	}
}

func sandboxRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Reconcile stored sandboxes with the platform",
		Long:  "Drop records of sandboxes that no longer run and adopt running sandboxes without a record.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Restore runs on start of every exclusive command.
			return withApp(cmd, true, func(ctx context.Context, c app.Components) error {
				log.Info().Msgf("%d viewer(s) open", c.Manager.Registry().Len())
				return nil
			})
		},
	}
}
