package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestDefaultConfigJSON_IsLoadable(t *testing.T) {
	repoRoot := t.TempDir()
	if err := writeFile(filepath.Join(repoRoot, defaultConfigPath), defaultConfigJSON); err != nil {
		t.Fatalf("write default config: %v", err)
	}

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", defaultConfigPath)

	cfg, err := loadConfig(repoRoot)
	if err != nil {
		t.Fatalf("load default config: %v", err)
	}
	if cfg.Sandbox.MaxOpen != 5 {
		t.Fatalf("sandbox.max_open = %d, want 5", cfg.Sandbox.MaxOpen)
	}
	if cfg.Agent.Provider != "anthropic" {
		t.Fatalf("agent.provider = %q, want anthropic", cfg.Agent.Provider)
	}
}

func TestInitProject_KeepsExistingConfig(t *testing.T) {
	t.Parallel()

	repoRoot := t.TempDir()
	path := filepath.Join(repoRoot, defaultConfigPath)
	if err := writeFile(path, `{"platform": {"base_url": "http://mine"}}`); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := initProject(repoRoot); err != nil {
		t.Fatalf("init: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(got) != `{"platform": {"base_url": "http://mine"}}` {
		t.Fatalf("config overwritten: %s", got)
	}
	if _, err := os.Stat(filepath.Join(repoRoot, ".deckhand", "locks")); err != nil {
		t.Fatalf("locks dir: %v", err)
	}
}

func TestInitProject_WritesDefaultConfig(t *testing.T) {
	t.Parallel()

	repoRoot := t.TempDir()
	if err := initProject(repoRoot); err != nil {
		t.Fatalf("init: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(repoRoot, defaultConfigPath))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(got) != defaultConfigJSON {
		t.Fatalf("unexpected default config: %s", got)
	}
}
