package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/metalagman/deckhand/internal/app"
	"github.com/metalagman/deckhand/internal/backlog"
	"github.com/metalagman/deckhand/internal/bridge"
	"github.com/metalagman/deckhand/internal/reconcile"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func storyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "story",
		Short: "Work with backlog stories",
	}
	cmd.AddCommand(storyListCmd())
	cmd.AddCommand(storyAddCmd())
	cmd.AddCommand(storyImplementCmd())
	cmd.AddCommand(storyReadyCmd())
	cmd.AddCommand(storyPRCmd())
	return cmd
}

func storyListCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items with their effective status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c app.Components) error {
				board, err := c.Service.Board(ctx, repo)
				if err != nil {
					return err
				}
				if len(board) == 0 {
					log.Info().Msg("no work items")
					return nil
				}
				for _, it := range board {
					log.Info().Msg(formatBoardItem(it))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "only items of this repository id")
	return cmd
}

func formatBoardItem(it reconcile.BoardItem) string {
	indent := ""
	switch it.Kind {
	case backlog.KindFeature:
		indent = "  "
	case backlog.KindStory:
		indent = "    "
	}
	line := fmt.Sprintf("%s%s %s [%s] %s", indent, it.Kind, it.ID, it.Effective.Label(), it.Title)
	if it.PRURL != "" {
		line += " " + it.PRURL
	} else if it.ReadyForPR {
		line += " (ready for pr)"
	}
	return line
}

func storyAddCmd() *cobra.Command {
	var repo, parent, kind, description string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a work item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.TrimSpace(strings.Join(args, " "))
			if title == "" {
				return fmt.Errorf("title is required")
			}
			return withApp(cmd, false, func(ctx context.Context, c app.Components) error {
				repoID := repo
				if repoID == "" {
					t, err := repoTarget(ctx, "")
					if err != nil {
						return err
					}
					repoID = t.RepositoryID
				}
				it, err := c.Items.Add(ctx, backlog.Item{
					Kind:         backlog.Kind(kind),
					ParentID:     parent,
					RepositoryID: repoID,
					Title:        title,
					Description:  description,
				})
				if err != nil {
					return err
				}
				log.Info().Msgf("%s %s added", it.Kind, it.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "repository id (owner/name); defaults to the origin remote")
	cmd.Flags().StringVar(&parent, "parent", "", "parent epic or feature id")
	cmd.Flags().StringVar(&kind, "kind", string(backlog.KindStory), "epic, feature or story")
	cmd.Flags().StringVar(&description, "description", "", "item description")
	return cmd
}

func storyImplementCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "implement <story-id>",
		Short: "Run the implementation flow for a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, c app.Components) error {
				if err := requireAgent(c.Config); err != nil {
					return err
				}
				out, err := c.Service.Implement(ctx, args[0])
				if err != nil {
					if out.RunID != "" {
						log.Warn().Msgf("run %s stopped in %s; resume with `deckhand flow resume %s`", out.RunID, out.State, out.RunID)
					}
					return err
				}
				printOutcome(out)
				return nil
			})
		},
	}
}

func storyReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready <story-id>",
		Short: "Mark a story's implementation as ready for a pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c app.Components) error {
				if err := c.Service.MarkReadyForPR(ctx, args[0]); err != nil {
					return err
				}
				log.Info().Msgf("story %s ready for pr", args[0])
				return nil
			})
		},
	}
}

func storyPRCmd() *cobra.Command {
	var title, body string
	cmd := &cobra.Command{
		Use:   "pr <story-id>",
		Short: "Push the story's sandbox checkout and open a pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, c app.Components) error {
				opts := reconcile.PROptions{Title: title, Body: body}
				if token := os.Getenv("GITHUB_TOKEN"); token != "" {
					opts.Credentials = &bridge.Credentials{Token: token}
				}
				url, err := c.Service.PushAndCreatePR(ctx, args[0], opts)
				if err != nil {
					return err
				}
				log.Info().Msgf("pull request %s", url)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "pull request title (default: story title)")
	cmd.Flags().StringVar(&body, "body", "", "pull request body (default: story description)")
	return cmd
}
