package main

import (
	"context"

	"github.com/metalagman/deckhand/internal/app"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func flowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Inspect and resume flow runs",
	}
	cmd.AddCommand(flowListCmd())
	cmd.AddCommand(flowEventsCmd())
	cmd.AddCommand(flowResumeCmd())
	return cmd
}

func flowListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c app.Components) error {
				runs, err := c.Runs.ListRuns(ctx, state)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					log.Info().Msg("no runs")
					return nil
				}
				for _, r := range runs {
					line := r.UpdatedAt.Format("2006-01-02 15:04:05") + " " + r.ID + " " + r.Flow + " " + r.TargetKey + " " + r.State
					if r.Error != "" {
						line += ": " + r.Error
					}
					log.Info().Msg(line)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state")
	return cmd
}

func flowEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the transition timeline of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, c app.Components) error {
				events, err := c.Runs.Events(ctx, args[0])
				if err != nil {
					return err
				}
				for _, ev := range events {
					log.Info().Msgf("%3d %s %s %s", ev.Seq, ev.At.Format("15:04:05"), ev.Type, ev.Message)
				}
				return nil
			})
		},
	}
}

func flowResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume waiting for the answer of an interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, c app.Components) error {
				out, err := c.Runner.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				printOutcome(out)
				return nil
			})
		},
	}
}
