package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. DECKHAND_AGENT_API_KEY.
const EnvPrefix = "DECKHAND"

// SetDefaults registers the built-in defaults on v. Every key is registered so
// that environment overrides work for keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("agent.provider", d.Agent.Provider)
	v.SetDefault("agent.api_key", d.Agent.APIKey)
	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.base_url", d.Agent.BaseURL)

	v.SetDefault("platform.base_url", d.Platform.BaseURL)
	v.SetDefault("platform.token", d.Platform.Token)
	v.SetDefault("platform.image", d.Platform.Image)
	v.SetDefault("platform.timeout", d.Platform.Timeout.String())

	v.SetDefault("sandbox.max_open", d.Sandbox.MaxOpen)
	v.SetDefault("sandbox.settle_delay", d.Sandbox.SettleDelay.String())
	v.SetDefault("sandbox.health_interval", d.Sandbox.HealthInterval.String())
	v.SetDefault("sandbox.health_timeout", d.Sandbox.HealthTimeout.String())
	v.SetDefault("sandbox.ready_grace", d.Sandbox.ReadyGrace.String())
	v.SetDefault("sandbox.send_retry_delay", d.Sandbox.SendRetryDelay.String())

	v.SetDefault("completion.poll_interval", d.Completion.PollInterval.String())
	v.SetDefault("completion.stable_polls", d.Completion.StablePolls)
	v.SetDefault("completion.min_content_length", d.Completion.MinContentLength)
	v.SetDefault("completion.implement_deadline", d.Completion.ImplementDeadline.String())
	v.SetDefault("completion.analysis_deadline", d.Completion.AnalysisDeadline.String())

	v.SetDefault("tracker.provider", d.Tracker.Provider)
	v.SetDefault("tracker.bin_path", d.Tracker.BinPath)

	v.SetDefault("reconcile.interval", d.Reconcile.Interval.String())
	v.SetDefault("reconcile.disabled", d.Reconcile.Disabled)

	v.SetDefault("server.addr", d.Server.Addr)
}

// Load reads the config file configured on v (if any), applies defaults and
// environment overrides, validates the raw settings against the schema and
// decodes them into Config.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := ValidateSettings(v.AllSettings()); err != nil {
		return Config{}, err
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
