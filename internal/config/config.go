// Package config provides configuration loading and management for deckhand.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Supported agent providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Config is the root configuration.
type Config struct {
	Agent      AgentConfig      `json:"agent"      mapstructure:"agent"`
	Platform   PlatformConfig   `json:"platform"   mapstructure:"platform"`
	Sandbox    SandboxConfig    `json:"sandbox"    mapstructure:"sandbox"`
	Completion CompletionConfig `json:"completion" mapstructure:"completion"`
	Tracker    TrackerConfig    `json:"tracker"    mapstructure:"tracker"`
	Reconcile  ReconcileConfig  `json:"reconcile"  mapstructure:"reconcile"`
	Server     ServerConfig     `json:"server"     mapstructure:"server"`
}

// AgentConfig is the AI provider configuration handed to the agent running in a sandbox.
// It is intentionally closed: nothing else is passed through.
type AgentConfig struct {
	Provider string `json:"provider"           mapstructure:"provider"`
	APIKey   string `json:"api_key"            mapstructure:"api_key"`
	Model    string `json:"model"              mapstructure:"model"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
}

// Validate reports the first missing or malformed field.
func (c AgentConfig) Validate() error {
	switch strings.TrimSpace(c.Provider) {
	case "":
		return fmt.Errorf("agent.provider is required")
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
	default:
		return fmt.Errorf("agent.provider %q is not supported", c.Provider)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("agent.model is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("agent.api_key is required (set DECKHAND_AGENT_API_KEY)")
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("agent.base_url %q is not an absolute url", c.BaseURL)
		}
	}
	return nil
}

// PlatformConfig points at the sandbox platform API.
type PlatformConfig struct {
	BaseURL string        `json:"base_url"          mapstructure:"base_url"`
	Token   string        `json:"token,omitempty"   mapstructure:"token"`
	Image   string        `json:"image,omitempty"   mapstructure:"image"`
	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// SandboxConfig controls sandbox provisioning and agent readiness.
type SandboxConfig struct {
	MaxOpen        int           `json:"max_open"         mapstructure:"max_open"`
	SettleDelay    time.Duration `json:"settle_delay"     mapstructure:"settle_delay"`
	HealthInterval time.Duration `json:"health_interval"  mapstructure:"health_interval"`
	HealthTimeout  time.Duration `json:"health_timeout"   mapstructure:"health_timeout"`
	ReadyGrace     time.Duration `json:"ready_grace"      mapstructure:"ready_grace"`
	SendRetryDelay time.Duration `json:"send_retry_delay" mapstructure:"send_retry_delay"`
}

// CompletionConfig tunes the response completion heuristic.
type CompletionConfig struct {
	PollInterval      time.Duration `json:"poll_interval"      mapstructure:"poll_interval"`
	StablePolls       int           `json:"stable_polls"       mapstructure:"stable_polls"`
	MinContentLength  int           `json:"min_content_length" mapstructure:"min_content_length"`
	ImplementDeadline time.Duration `json:"implement_deadline" mapstructure:"implement_deadline"`
	AnalysisDeadline  time.Duration `json:"analysis_deadline"  mapstructure:"analysis_deadline"`
}

// TrackerConfig selects the external PR tracker.
type TrackerConfig struct {
	Provider string `json:"provider"           mapstructure:"provider"`
	BinPath  string `json:"bin_path,omitempty" mapstructure:"bin_path"`
}

// ReconcileConfig controls the periodic tracker reconciliation.
type ReconcileConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Disabled bool          `json:"disabled" mapstructure:"disabled"`
}

// ServerConfig is the HTTP UI/API listener.
type ServerConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Platform: PlatformConfig{
			Timeout: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			MaxOpen:        5,
			SettleDelay:    10 * time.Second,
			HealthInterval: 2 * time.Second,
			HealthTimeout:  3 * time.Minute,
			ReadyGrace:     3 * time.Second,
			SendRetryDelay: 2 * time.Second,
		},
		Completion: CompletionConfig{
			PollInterval:      3 * time.Second,
			StablePolls:       4,
			MinContentLength:  10,
			ImplementDeadline: 15 * time.Minute,
			AnalysisDeadline:  30 * time.Minute,
		},
		Tracker: TrackerConfig{
			Provider: "github",
			BinPath:  "gh",
		},
		Reconcile: ReconcileConfig{
			Interval: 5 * time.Minute,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Validate checks cross-field constraints that the schema cannot express.
func (c Config) Validate() error {
	if c.Sandbox.MaxOpen <= 0 {
		return fmt.Errorf("sandbox.max_open must be > 0")
	}
	if c.Completion.StablePolls <= 0 {
		return fmt.Errorf("completion.stable_polls must be > 0")
	}
	if c.Completion.PollInterval <= 0 {
		return fmt.Errorf("completion.poll_interval must be > 0")
	}
	if c.Sandbox.HealthInterval <= 0 || c.Sandbox.HealthTimeout <= 0 {
		return fmt.Errorf("sandbox.health_interval and sandbox.health_timeout must be > 0")
	}
	if strings.TrimSpace(c.Platform.BaseURL) == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	return nil
}
