package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/metalagman/deckhand/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var defaultConfigPath = filepath.Join(".deckhand", "config.json")

var (
	cfgFile   string
	debug     bool
	logFormat string
	rootCmd   = &cobra.Command{
		Use:           "deckhand",
		Short:         "deckhand runs AI coding agents in sandboxes and tracks their stories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	// .env is optional; values already in the environment win.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatConsole, "log format (console|json)")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		return fmt.Errorf("bind config flag: %w", err)
	}
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.Init(debug, logFormat)
	}
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(sandboxCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(backlogCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(scriptCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dockCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "deckhand:", err)
}
