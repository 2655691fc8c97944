package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/metalagman/deckhand/internal/backlog"
	"github.com/metalagman/deckhand/internal/reconcile"
	"github.com/spf13/viper"
)

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	repoRoot := t.TempDir()
	if err := writeFile(filepath.Join(repoRoot, "custom.json"), `{
  "platform": {"base_url": "http://platform.local"},
  "sandbox": {"max_open": 2}
}`); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DECKHAND_AGENT_API_KEY", "from-env")

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", "custom.json")

	cfg, err := loadConfig(repoRoot)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Agent.APIKey != "from-env" {
		t.Fatalf("agent.api_key = %q, want from-env", cfg.Agent.APIKey)
	}
	if cfg.Sandbox.MaxOpen != 2 {
		t.Fatalf("sandbox.max_open = %d, want 2", cfg.Sandbox.MaxOpen)
	}
}

func TestLoadConfig_RejectsSchemaViolations(t *testing.T) {
	repoRoot := t.TempDir()
	if err := writeFile(filepath.Join(repoRoot, defaultConfigPath), `{
  "platform": {"base_url": "http://platform.local"},
  "sandbox": {"max_open": 0}
}`); err != nil {
		t.Fatalf("write config: %v", err)
	}

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", defaultConfigPath)

	if _, err := loadConfig(repoRoot); err == nil {
		t.Fatal("expected max_open 0 to be rejected")
	}
}

func TestFormatBoardItem(t *testing.T) {
	t.Parallel()

	it := reconcile.BoardItem{
		Item:      backlog.Item{ID: "s1", Kind: backlog.KindStory, Title: "Export CSV", ReadyForPR: true},
		Effective: backlog.StatusInProgress,
	}
	got := formatBoardItem(it)
	if !strings.HasPrefix(got, "    story s1 [In Progress] Export CSV") {
		t.Fatalf("unexpected line %q", got)
	}
	if !strings.HasSuffix(got, "(ready for pr)") {
		t.Fatalf("missing ready marker in %q", got)
	}
}
