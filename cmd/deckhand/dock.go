package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/metalagman/deckhand/internal/app"
	"github.com/metalagman/deckhand/internal/dock"
	"github.com/spf13/cobra"
)

func dockCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "dock",
		Short: "Show open sandbox viewers in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, c app.Components) error {
				m := dock.New(dock.ManagerSource{Manager: c.Manager}, interval)
				_, err := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen()).Run()
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "refresh interval")
	return cmd
}
