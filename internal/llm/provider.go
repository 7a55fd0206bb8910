package llm

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/soyeahso/chatline/internal/retry"
)

// ProviderKind is the closed set of supported provider flavours. All of
// them speak the OpenAI chat completions wire format.
type ProviderKind string

const (
	KindOpenAI     ProviderKind = "openai"
	KindDeepSeek   ProviderKind = "deepseek"
	KindCompatible ProviderKind = "compatible"
)

// Kinds lists every provider kind.
var Kinds = []ProviderKind{KindOpenAI, KindDeepSeek, KindCompatible}

// ParseProviderKind maps a config string to a ProviderKind. Empty means openai.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "openai":
		return KindOpenAI, nil
	case "deepseek":
		return KindDeepSeek, nil
	case "compatible", "openai-compatible", "custom":
		return KindCompatible, nil
	default:
		return "", fmt.Errorf("unknown provider kind %q", s)
	}
}

// Endpoint is the normalized shape of a provider's API.
type Endpoint struct {
	Kind         ProviderKind
	BaseURL      string
	StrictSchema bool // send "strict": true on tool schemas
}

const (
	openAIBaseURL   = "https://api.openai.com/v1"
	deepSeekBaseURL = "https://api.deepseek.com/v1"
)

// Normalize resolves the base URL and schema flags for a provider kind.
// It is pure: no network access, no environment lookups.
func Normalize(kind ProviderKind, baseURL string) (Endpoint, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")

	switch kind {
	case KindOpenAI:
		if base == "" {
			base = openAIBaseURL
		}
		return Endpoint{Kind: kind, BaseURL: base, StrictSchema: true}, nil
	case KindDeepSeek:
		if base == "" {
			base = deepSeekBaseURL
		}
		return Endpoint{Kind: kind, BaseURL: base}, nil
	case KindCompatible:
		if base == "" {
			return Endpoint{}, fmt.Errorf("provider kind %q requires a base URL", kind)
		}
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			return Endpoint{}, fmt.Errorf("base URL %q must start with http:// or https://", base)
		}
		return Endpoint{Kind: kind, BaseURL: base}, nil
	default:
		return Endpoint{}, fmt.Errorf("unknown provider kind %q", kind)
	}
}

// ProviderError is returned when an LLM provider rejects a request.
type ProviderError struct {
	Provider string
	Message  string
	Type     string // provider error type, e.g. "rate_limit_error"
	Code     int    // HTTP status code (401, 429, 500, etc.)
}

func (e *ProviderError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s: %d %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Retryable reports whether the provider signalled rate limiting, overload
// or a timeout.
func (e *ProviderError) Retryable() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout, 529:
		return true
	}
	return retry.MessageIsTransient(e.Type) || retry.MessageIsTransient(e.Message)
}

// DecodeError is returned when a stream chunk cannot be decoded. Providers
// occasionally emit truncated frames under load, so it counts as transient.
type DecodeError struct {
	Data string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding stream chunk: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Retryable implements retry.Retryable.
func (e *DecodeError) Retryable() bool { return true }
