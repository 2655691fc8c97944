package main

import (
	"context"

	"github.com/metalagman/deckhand/internal/app"
	"github.com/metalagman/deckhand/internal/backlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func backlogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Generate backlogs",
	}
	cmd.AddCommand(backlogGenerateCmd())
	return cmd
}

func backlogGenerateCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Ask an agent to draft an epic, feature and story backlog for a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, c app.Components) error {
				if err := requireAgent(c.Config); err != nil {
					return err
				}
				t, err := repoTarget(ctx, repo)
				if err != nil {
					return err
				}
				out, err := c.Runner.Run(ctx, t, c.Flows.Backlog)
				if err != nil {
					return err
				}
				printOutcome(out)
				stories, err := c.Items.List(ctx, backlog.Filter{RepositoryID: t.RepositoryID, Kind: backlog.KindStory})
				if err != nil {
					return err
				}
				log.Info().Msgf("%s now has %d stories; see `deckhand story list --repo %s`", t.RepositoryID, len(stories), t.RepositoryID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository (owner/name or url); defaults to the origin remote")
	return cmd
}
