package main

import (
	"context"

	"github.com/metalagman/deckhand/internal/app"
	"github.com/metalagman/deckhand/internal/workflow"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func analyzeCmd() *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run repository or file analysis in a throwaway sandbox",
	}
	cmd.PersistentFlags().StringVar(&repo, "repo", "", "repository (owner/name or url); defaults to the origin remote")

	cmd.AddCommand(&cobra.Command{
		Use:   "repo",
		Short: "Analyze a whole repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysis(cmd, repo, "")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "file <path>",
		Short: "Analyze one file of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalysis(cmd, repo, args[0])
		},
	})
	cmd.AddCommand(analyzeListCmd(&repo))
	return cmd
}

func runAnalysis(cmd *cobra.Command, repo, path string) error {
	return withApp(cmd, true, func(ctx context.Context, c app.Components) error {
		if err := requireAgent(c.Config); err != nil {
			return err
		}
		t, err := repoTarget(ctx, repo)
		if err != nil {
			return err
		}
		flow := c.Flows.AnalyzeRepo
		if path != "" {
			t = workflow.FileTarget(t.RepositoryID, t.RepositoryURL, t.RepositoryName, t.Branch, path)
			flow = c.Flows.AnalyzeFile
		}
		out, err := c.Runner.Run(ctx, t, flow)
		if err != nil {
			return err
		}
		printOutcome(out)
		return nil
	})
}

func analyzeListCmd(repo *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored analyses, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c app.Components) error {
				t, err := repoTarget(ctx, *repo)
				if err != nil {
					return err
				}
				list, err := c.Analyses.List(ctx, t.RepositoryID)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					log.Info().Msg("no analyses")
					return nil
				}
				for _, a := range list {
					scope := a.Path
					if scope == "" {
						scope = "(repository)"
					}
					log.Info().Msgf("%s %s %s: %s (%d findings)", a.CreatedAt.Format("2006-01-02 15:04"), a.ID, scope, a.Summary, len(a.Findings))
				}
				return nil
			})
		},
	}
}
