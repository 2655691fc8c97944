package main

import (
	"context"
	"os"

	"github.com/metalagman/deckhand/internal/app"
	"github.com/metalagman/deckhand/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd() *cobra.Command {
	var addr string
	var noReconcile bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Restore sandboxes and serve the story board, API and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := os.Getwd()
			if err != nil {
				return err
			}
			cfg, err := serveConfig(repoRoot, addr, noReconcile)
			if err != nil {
				return err
			}

			a := fx.New(app.Options(cfg, app.PathsFor(repoRoot)), app.Sandboxes, app.Serve)
			if err := a.Err(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case sig := <-a.Done():
				log.Info().Str("signal", sig.String()).Msg("shutting down")
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), a.StopTimeout())
			defer cancel()
			return a.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noReconcile, "no-reconcile", false, "do not run the periodic reconciler")
	return cmd
}

// serveConfig loads the configuration for serve. The board starts
// implementation runs, so the agent config must be complete up front.
func serveConfig(repoRoot, addr string, noReconcile bool) (config.Config, error) {
	cfg, err := loadConfig(repoRoot)
	if err != nil {
		return config.Config{}, err
	}
	if err := requireAgent(cfg); err != nil {
		return config.Config{}, err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if noReconcile {
		cfg.Reconcile.Disabled = true
	}
	return cfg, nil
}
