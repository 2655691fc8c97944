package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/metalagman/deckhand/internal/app"
	"github.com/metalagman/deckhand/internal/reconcile"
	"github.com/metalagman/deckhand/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func scriptCmd() *cobra.Command {
	var endpoint, sandboxID, repo, branch, prompt string
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Run one prompt over the scripted session channel of a sandbox",
		Long:  "Connect to a bridge's session endpoint, configure the agent, clone a repository and run a prompt to completion.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("--prompt is required")
			}
			if endpoint == "" && sandboxID == "" {
				return fmt.Errorf("one of --endpoint or --sandbox is required")
			}
			return withApp(cmd, sandboxID != "", func(ctx context.Context, c app.Components) error {
				if err := requireAgent(c.Config); err != nil {
					return err
				}
				target := endpoint
				if sandboxID != "" {
					v, ok := c.Manager.Registry().Get(sandboxID)
					if !ok {
						return fmt.Errorf("sandbox %s is not open", sandboxID)
					}
					target = v.BridgeEndpoint
				}
				res, err := runScript(ctx, target, session.InitParamsFrom(c.Config.Agent), repo, branch, prompt)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Output)
				if res.ExitCode != 0 {
					return fmt.Errorf("agent exited with code %d", res.ExitCode)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "bridge endpoint url")
	cmd.Flags().StringVar(&sandboxID, "sandbox", "", "open sandbox whose bridge to use")
	cmd.Flags().StringVar(&repo, "repo", "", "repository to clone before the prompt")
	cmd.Flags().StringVar(&branch, "branch", "", "branch to check out")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to run")
	return cmd
}

func runScript(ctx context.Context, endpoint string, params session.InitParams, repo, branch, prompt string) (session.RunResult, error) {
	s, err := session.NewScripted(endpoint)
	if err != nil {
		return session.RunResult{}, err
	}
	if err := s.Connect(ctx); err != nil {
		return session.RunResult{}, err
	}
	defer func() {
		if err := s.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("close session channel")
		}
	}()

	if err := s.Init(ctx, params); err != nil {
		return session.RunResult{}, err
	}
	cwd := ""
	if repo != "" {
		clone, err := s.Clone(ctx, session.CloneParams{RepoURL: reconcile.RepositoryURL(repo), Branch: branch})
		if err != nil {
			return session.RunResult{}, err
		}
		cwd = clone.Path
		log.Info().Str("path", cwd).Msg("repository cloned")
	}
	return s.Run(ctx, session.RunParams{Prompt: prompt, Cwd: cwd})
}
