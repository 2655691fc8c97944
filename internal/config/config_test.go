package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestAgentConfigValidate_FailsFastOnMissingFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  AgentConfig
		want string
	}{
		{"missing provider", AgentConfig{Model: "m", APIKey: "k"}, "agent.provider"},
		{"unknown provider", AgentConfig{Provider: "acme", Model: "m", APIKey: "k"}, "not supported"},
		{"missing model", AgentConfig{Provider: ProviderAnthropic, APIKey: "k"}, "agent.model"},
		{"missing key", AgentConfig{Provider: ProviderOpenAI, Model: "gpt-5"}, "agent.api_key"},
		{"relative base url", AgentConfig{Provider: ProviderOpenAI, Model: "gpt-5", APIKey: "k", BaseURL: "/v1"}, "agent.base_url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	ok := AgentConfig{Provider: ProviderAnthropic, Model: "claude", APIKey: "k", BaseURL: "https://api.example.com"}
	assert.NoError(t, ok.Validate())
}

func TestLoad_ReadsFileAndAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"platform": {"base_url": "http://platform.local"},
		"sandbox": {"max_open": 3, "settle_delay": "250ms"},
		"completion": {"stable_polls": 2}
	}`)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "http://platform.local", cfg.Platform.BaseURL)
	assert.Equal(t, 3, cfg.Sandbox.MaxOpen)
	assert.Equal(t, 250*time.Millisecond, cfg.Sandbox.SettleDelay)
	assert.Equal(t, 2, cfg.Completion.StablePolls)
	assert.Equal(t, 3*time.Second, cfg.Completion.PollInterval)
	assert.Equal(t, 10, cfg.Completion.MinContentLength)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, "gh", cfg.Tracker.BinPath)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"platform": {"base_url": "http://platform.local"}}`)
	t.Setenv("DECKHAND_AGENT_API_KEY", "from-env")
	t.Setenv("DECKHAND_SANDBOX_MAX_OPEN", "7")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Agent.APIKey)
	assert.Equal(t, 7, cfg.Sandbox.MaxOpen)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `{"platform": {"base_url": "http://p", "bogus": 1}}`)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	_, err := Load(v)
	require.Error(t, err)
	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.NotEmpty(t, schemaErr.Problems)
}

func TestLoad_RequiresPlatformURL(t *testing.T) {
	path := writeConfig(t, `{}`)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platform.base_url")
}

func TestValidateSettings_RejectsBadDuration(t *testing.T) {
	t.Parallel()

	err := ValidateSettings(map[string]any{
		"completion": map[string]any{"poll_interval": "soon"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval")
}
