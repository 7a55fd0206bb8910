package config

import (
	"net"
	"time"

	"github.com/soyeahso/chatline/internal/hooks"
	"github.com/soyeahso/chatline/internal/retry"
)

// Config is the root configuration for chatline. YAML is the default file
// format; files ending in .toml are read with the same field names.
type Config struct {
	Provider ProviderConfig `yaml:"provider,omitempty" toml:"provider,omitempty"`
	Chat     ChatConfig     `yaml:"chat,omitempty" toml:"chat,omitempty"`
	History  HistoryConfig  `yaml:"history,omitempty" toml:"history,omitempty"`
	Tools    ToolsConfig    `yaml:"tools,omitempty" toml:"tools,omitempty"`
	Gateway  GatewayConfig  `yaml:"gateway,omitempty" toml:"gateway,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty" toml:"logging,omitempty"`
	Hooks    HooksConfig    `yaml:"hooks,omitempty" toml:"hooks,omitempty"`
}

// ProviderConfig selects the model provider.
type ProviderConfig struct {
	Kind        string            `yaml:"kind,omitempty" toml:"kind,omitempty"` // "openai" | "deepseek" | "compatible"
	BaseURL     string            `yaml:"baseUrl,omitempty" toml:"baseUrl,omitempty"`
	APIKey      string            `yaml:"apiKey,omitempty" toml:"apiKey,omitempty"`
	Model       string            `yaml:"model,omitempty" toml:"model,omitempty"`
	TitleModel  string            `yaml:"titleModel,omitempty" toml:"titleModel,omitempty"` // defaults to model
	Headers     map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`
	MaxTokens   int               `yaml:"maxTokens,omitempty" toml:"maxTokens,omitempty"`
	Temperature *float64          `yaml:"temperature,omitempty" toml:"temperature,omitempty"`
	TimeoutSec  int               `yaml:"timeoutSec,omitempty" toml:"timeoutSec,omitempty"`
}

// ChatConfig controls the chat driver.
type ChatConfig struct {
	ToolsEnabled  *bool       `yaml:"toolsEnabled,omitempty" toml:"toolsEnabled,omitempty"` // defaults to true
	MaxToolRounds int         `yaml:"maxToolRounds,omitempty" toml:"maxToolRounds,omitempty"`
	Titles        *bool       `yaml:"titles,omitempty" toml:"titles,omitempty"` // defaults to true
	SystemPrompt  string      `yaml:"systemPrompt,omitempty" toml:"systemPrompt,omitempty"`
	Retry         RetryConfig `yaml:"retry,omitempty" toml:"retry,omitempty"`
}

// ToolsOn reports whether tool calling is enabled.
func (c ChatConfig) ToolsOn() bool { return c.ToolsEnabled == nil || *c.ToolsEnabled }

// TitlesOn reports whether automatic titles are enabled.
func (c ChatConfig) TitlesOn() bool { return c.Titles == nil || *c.Titles }

// RetryConfig is the provider retry policy.
type RetryConfig struct {
	MaxAttempts int `yaml:"maxAttempts,omitempty" toml:"maxAttempts,omitempty"`
	BaseDelayMs int `yaml:"baseDelayMs,omitempty" toml:"baseDelayMs,omitempty"`
	MaxDelayMs  int `yaml:"maxDelayMs,omitempty" toml:"maxDelayMs,omitempty"`
}

// Policy converts the config to a retry.Policy. Zero fields take defaults.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(r.MaxDelayMs) * time.Millisecond,
	}.Normalize()
}

// HistoryConfig selects the history store backend.
type HistoryConfig struct {
	Mode     string `yaml:"mode,omitempty" toml:"mode,omitempty"` // "local" | "remote"
	Path     string `yaml:"path,omitempty" toml:"path,omitempty"` // SQLite file; defaults to <data>/history.db
	URL      string `yaml:"url,omitempty" toml:"url,omitempty"`   // PostgreSQL URL for remote mode
	MaxConns int    `yaml:"maxConns,omitempty" toml:"maxConns,omitempty"`
}

// ToolsConfig lists tool servers started at launch.
type ToolsConfig struct {
	Builtins *bool             `yaml:"builtins,omitempty" toml:"builtins,omitempty"` // defaults to true
	Servers  []ToolServerEntry `yaml:"servers,omitempty" toml:"servers,omitempty"`
}

// BuiltinsOn reports whether built-in tools are registered.
func (t ToolsConfig) BuiltinsOn() bool { return t.Builtins == nil || *t.Builtins }

// ToolServerEntry launches one stdio tool server.
type ToolServerEntry struct {
	Name      string            `yaml:"name" toml:"name"`
	Command   string            `yaml:"command" toml:"command"`
	Args      []string          `yaml:"args,omitempty" toml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	TimeoutMs int               `yaml:"timeoutMs,omitempty" toml:"timeoutMs,omitempty"`
	Disabled  bool              `yaml:"disabled,omitempty" toml:"disabled,omitempty"`
}

// GatewayConfig controls the gateway HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int              `yaml:"port,omitempty" toml:"port,omitempty"`
	Bind           string           `yaml:"bind,omitempty" toml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string           `yaml:"customBindHost,omitempty" toml:"customBindHost,omitempty"`
	Auth           GatewayAuth      `yaml:"auth,omitempty" toml:"auth,omitempty"`
	TLS            GatewayTLS       `yaml:"tls,omitempty" toml:"tls,omitempty"`
	ControlUI      GatewayControlUI `yaml:"controlUi,omitempty" toml:"controlUi,omitempty"`
	RateLimit      GatewayRateLimit `yaml:"rateLimit,omitempty" toml:"rateLimit,omitempty"`
}

// LoopbackOnly reports whether the gateway only listens on a loopback address.
func (g GatewayConfig) LoopbackOnly() bool {
	switch g.Bind {
	case "", "loopback":
		return true
	case "custom":
		if g.CustomBindHost == "localhost" {
			return true
		}
		ip := net.ParseIP(g.CustomBindHost)
		return ip != nil && ip.IsLoopback()
	}
	return false
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty" toml:"mode,omitempty"` // "token" | "password" | "none"
	Token    string `yaml:"token,omitempty" toml:"token,omitempty"`
	Password string `yaml:"password,omitempty" toml:"password,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty" toml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty" toml:"keyPath,omitempty"`
}

// GatewayControlUI configures browser access.
type GatewayControlUI struct {
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty" toml:"allowedOrigins,omitempty"`
}

// GatewayRateLimit bounds RPC requests per connection.
type GatewayRateLimit struct {
	RPS   float64 `yaml:"rps,omitempty" toml:"rps,omitempty"`
	Burst int     `yaml:"burst,omitempty" toml:"burst,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty" toml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty" toml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty" toml:"consoleStyle,omitempty"` // "pretty" | "compact" | "json"
}

// HooksConfig defines shell commands run on lifecycle events.
type HooksConfig struct {
	StreamStart          []HookEntry `yaml:"streamStart,omitempty" toml:"streamStart,omitempty"`
	StreamDone           []HookEntry `yaml:"streamDone,omitempty" toml:"streamDone,omitempty"`
	StreamError          []HookEntry `yaml:"streamError,omitempty" toml:"streamError,omitempty"`
	ConversationArchived []HookEntry `yaml:"conversationArchived,omitempty" toml:"conversationArchived,omitempty"`
	GatewayStart         []HookEntry `yaml:"gatewayStart,omitempty" toml:"gatewayStart,omitempty"`
	GatewayStop          []HookEntry `yaml:"gatewayStop,omitempty" toml:"gatewayStop,omitempty"`
}

// HookEntry defines a single hook action.
type HookEntry struct {
	Command string `yaml:"command" toml:"command"`
	Timeout int    `yaml:"timeout,omitempty" toml:"timeout,omitempty"` // milliseconds
}

// Commands maps the configured hooks to hook event names.
func (h HooksConfig) Commands() map[string][]hooks.Command {
	out := make(map[string][]hooks.Command)
	add := func(event string, entries []HookEntry) {
		for _, e := range entries {
			out[event] = append(out[event], hooks.Command{
				Run:     e.Command,
				Timeout: time.Duration(e.Timeout) * time.Millisecond,
			})
		}
	}
	add(hooks.EventStreamStart, h.StreamStart)
	add(hooks.EventStreamDone, h.StreamDone)
	add(hooks.EventStreamError, h.StreamError)
	add(hooks.EventConversationArchived, h.ConversationArchived)
	add(hooks.EventGatewayStart, h.GatewayStart)
	add(hooks.EventGatewayStop, h.GatewayStop)
	return out
}
