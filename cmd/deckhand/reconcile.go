package main

import (
	"context"

	"github.com/metalagman/deckhand/internal/app"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Promote pending-review stories whose pull request was merged",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c app.Components) error {
				sum := c.Reconciler.CheckOnce(ctx)
				log.Info().Msgf("checked %d, promoted %d, failed %d", sum.Checked, sum.Promoted, sum.Failed)
				return nil
			})
		},
	}
}
