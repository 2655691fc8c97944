package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/metalagman/deckhand/internal/git"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigJSON = `{
  "agent": {
    "provider": "anthropic",
    "model": "claude-sonnet-4-5",
    "api_key": ""
  },
  "platform": {
    "base_url": "http://localhost:8000",
    "timeout": "30s"
  },
  "sandbox": {
    "max_open": 5,
    "settle_delay": "10s",
    "health_interval": "2s",
    "health_timeout": "3m",
    "ready_grace": "3s",
    "send_retry_delay": "2s"
  },
  "completion": {
    "poll_interval": "3s",
    "stable_polls": 4,
    "min_content_length": 10,
    "implement_deadline": "15m",
    "analysis_deadline": "30m"
  },
  "tracker": {
    "provider": "github",
    "bin_path": "gh"
  },
  "reconcile": {
    "interval": "5m"
  },
  "server": {
    "addr": ":8080"
  }
}
`

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize deckhand in the current directory",
		Long:  "Initialize deckhand by creating the .deckhand directory and installing a default config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := os.Getwd()
			if err != nil {
				return err
			}
			if !git.Available(cmd.Context(), repoRoot) {
				log.Warn().Msg("current directory is not a git repository; pass --repo to repository commands")
			}
			return initProject(repoRoot)
		},
	}
}

func initProject(repoRoot string) error {
	stateDir := filepath.Join(repoRoot, ".deckhand")
	log.Info().Str("dir", stateDir).Msg("creating deckhand directory")
	if err := os.MkdirAll(filepath.Join(stateDir, "locks"), 0o755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}

	configPath := filepath.Join(repoRoot, defaultConfigPath)
	if _, err := os.Stat(configPath); err == nil {
		log.Info().Msg("config.json already exists, skipping")
	} else {
		log.Info().Str("path", configPath).Msg("installing default config")
		if err := writeFile(configPath, defaultConfigJSON); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}
	log.Info().Msg("deckhand initialized; set DECKHAND_AGENT_API_KEY or agent.api_key before creating sandboxes")
	return nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
