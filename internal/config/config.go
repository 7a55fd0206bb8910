package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Default values.
const (
	DefaultPort           = 18790
	DefaultProviderKind   = "openai"
	DefaultModel          = "gpt-4o-mini"
	DefaultHistoryMode    = "local"
	DefaultRateLimitRPS   = 20
	DefaultRateLimitBurst = 40
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// applyDefaults fills zero-value fields with defaults.
func applyDefaults(cfg *Config) {
	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = DefaultProviderKind
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.History.Mode == "" {
		cfg.History.Mode = DefaultHistoryMode
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "loopback"
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = "token"
	}
	if cfg.Gateway.RateLimit.RPS == 0 {
		cfg.Gateway.RateLimit.RPS = DefaultRateLimitRPS
	}
	if cfg.Gateway.RateLimit.Burst == 0 {
		cfg.Gateway.RateLimit.Burst = DefaultRateLimitBurst
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = "pretty"
	}
}
