package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestServeConfig_RequiresAgent(t *testing.T) {
	repoRoot := t.TempDir()
	if err := writeFile(filepath.Join(repoRoot, defaultConfigPath), `{
  "platform": {"base_url": "http://platform.local"}
}`); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DECKHAND_AGENT_API_KEY", "")

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", defaultConfigPath)

	_, err := serveConfig(repoRoot, "", false)
	if err == nil {
		t.Fatal("expected serve to refuse an empty agent config")
	}
	if !strings.Contains(err.Error(), "agent config") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestServeConfig_AppliesFlags(t *testing.T) {
	repoRoot := t.TempDir()
	if err := writeFile(filepath.Join(repoRoot, defaultConfigPath), `{
  "platform": {"base_url": "http://platform.local"},
  "agent": {"provider": "anthropic", "model": "claude-sonnet", "api_key": "k"}
}`); err != nil {
		t.Fatalf("write config: %v", err)
	}

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", defaultConfigPath)

	cfg, err := serveConfig(repoRoot, "127.0.0.1:9999", true)
	if err != nil {
		t.Fatalf("serve config: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("server.addr = %q", cfg.Server.Addr)
	}
	if !cfg.Reconcile.Disabled {
		t.Fatal("reconciler should be disabled")
	}
}
