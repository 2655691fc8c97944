package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/metalagman/deckhand/internal/app"
	"github.com/metalagman/deckhand/internal/config"
	"github.com/metalagman/deckhand/internal/git"
	"github.com/metalagman/deckhand/internal/reconcile"
	"github.com/metalagman/deckhand/internal/tracker"
	"github.com/metalagman/deckhand/internal/workflow"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

func loadConfig(repoRoot string) (config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = defaultConfigPath
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(repoRoot, path)
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("json")
	return config.Load(viper.GetViper())
}

// withApp starts the component graph for one command. exclusive commands
// take the state lock and restore open sandboxes first.
func withApp(cmd *cobra.Command, exclusive bool, fn func(ctx context.Context, c app.Components) error) error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(repoRoot)
	if err != nil {
		return err
	}
	opts := []fx.Option{app.Options(cfg, app.PathsFor(repoRoot))}
	if exclusive {
		opts = append(opts, app.Sandboxes)
	}
	return app.Run(cmd.Context(), fx.Options(opts...), fn)
}

func requireAgent(cfg config.Config) error {
	if err := cfg.Agent.Validate(); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	return nil
}

// repoTarget resolves the repository a flow works on: the --repo flag, or
// the origin of the current checkout.
func repoTarget(ctx context.Context, repo string) (workflow.Target, error) {
	if repo == "" {
		repoRoot, err := os.Getwd()
		if err != nil {
			return workflow.Target{}, err
		}
		origin, err := git.OriginURL(ctx, repoRoot)
		if err != nil {
			return workflow.Target{}, fmt.Errorf("no --repo given and no origin remote: %w", err)
		}
		repo = origin
	}
	owner, name, err := tracker.ParseRepo(reconcile.RepositoryURL(repo))
	if err != nil {
		return workflow.Target{}, err
	}
	id := owner + "/" + name
	url := reconcile.RepositoryURL(id)
	branch, err := git.DefaultBranch(ctx, url)
	if err != nil {
		log.Warn().Err(err).Str("repo", url).Msg("default branch lookup failed, using the sandbox default")
		branch = ""
	}
	return workflow.RepositoryTarget(id, url, git.RepoName(url), branch), nil
}

func printOutcome(out workflow.Outcome) {
	log.Info().Msgf("run %s finished in %s (sandbox %s)", out.RunID, out.State, out.SandboxID)
}
