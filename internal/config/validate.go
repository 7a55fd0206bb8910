package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/soyeahso/chatline/internal/hooks"
	"github.com/soyeahso/chatline/internal/llm"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Provider validation
	kind, err := llm.ParseProviderKind(cfg.Provider.Kind)
	if err != nil {
		add("provider.kind", "must be one of %v, got %q", llm.Kinds, cfg.Provider.Kind)
	} else if _, err := llm.Normalize(kind, cfg.Provider.BaseURL); err != nil {
		add("provider.baseUrl", "%v", err)
	}
	if strings.TrimSpace(cfg.Provider.Model) == "" {
		add("provider.model", "model is required")
	}
	if cfg.Provider.MaxTokens < 0 {
		add("provider.maxTokens", "must be >= 0, got %d", cfg.Provider.MaxTokens)
	}
	if t := cfg.Provider.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("provider.temperature", "must be between 0 and 2, got %v", *t)
	}
	if err := (&llm.RequestOptions{Headers: cfg.Provider.Headers}).Validate(); err != nil {
		add("provider.headers", "%v", err)
	}

	// Chat validation
	if cfg.Chat.MaxToolRounds < 0 || cfg.Chat.MaxToolRounds > 50 {
		add("chat.maxToolRounds", "must be 0-50, got %d", cfg.Chat.MaxToolRounds)
	}
	r := cfg.Chat.Retry
	if r.MaxAttempts < 0 || r.BaseDelayMs < 0 || r.MaxDelayMs < 0 {
		add("chat.retry", "values must be >= 0")
	}
	if r.BaseDelayMs > 0 && r.MaxDelayMs > 0 && r.MaxDelayMs < r.BaseDelayMs {
		add("chat.retry.maxDelayMs", "must be >= baseDelayMs (%d), got %d", r.BaseDelayMs, r.MaxDelayMs)
	}

	// History validation
	validHistoryModes := []string{"local", "remote"}
	if cfg.History.Mode != "" && !slices.Contains(validHistoryModes, cfg.History.Mode) {
		add("history.mode", "must be one of %v, got %q", validHistoryModes, cfg.History.Mode)
	}
	if cfg.History.Mode == "remote" && strings.TrimSpace(cfg.History.URL) == "" {
		add("history.url", "required when history.mode is remote")
	}
	if cfg.History.MaxConns < 0 {
		add("history.maxConns", "must be >= 0, got %d", cfg.History.MaxConns)
	}

	// Tool server validation
	seen := make(map[string]bool)
	for i, s := range cfg.Tools.Servers {
		path := fmt.Sprintf("tools.servers[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			add(path+".name", "name is required")
		} else if seen[s.Name] {
			add(path+".name", "duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Command) == "" {
			add(path+".command", "command is required")
		}
		if s.TimeoutMs < 0 {
			add(path+".timeoutMs", "must be >= 0, got %d", s.TimeoutMs)
		}
	}

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}

	validBinds := []string{"auto", "lan", "loopback", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		add("gateway.customBindHost", "required when gateway.bind is custom")
	}

	validAuthModes := []string{"token", "password", "none"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		add("gateway.auth.mode", "must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode)
	}
	if cfg.Gateway.Auth.Mode == "none" && !cfg.Gateway.LoopbackOnly() {
		add("gateway.auth.mode", "none is only allowed with a loopback bind")
	}

	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when TLS is enabled")
	}
	if cfg.Gateway.RateLimit.RPS < 0 || cfg.Gateway.RateLimit.Burst < 0 {
		add("gateway.rateLimit", "values must be >= 0")
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}

	validConsoleStyles := []string{"pretty", "compact", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	// Hooks validation
	cmds := cfg.Hooks.Commands()
	for _, event := range hooks.AllEvents {
		for i, c := range cmds[event] {
			if strings.TrimSpace(c.Run) == "" {
				add(fmt.Sprintf("hooks.%s[%d].command", event, i), "command is required")
			}
			if c.Timeout < 0 {
				add(fmt.Sprintf("hooks.%s[%d].timeout", event, i), "must be >= 0")
			}
		}
	}

	return issues
}
