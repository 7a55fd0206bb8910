// Package llm talks to OpenAI-compatible chat completion providers.
//
// Responses are consumed as a stream of incremental chunks so callers can
// forward text and reasoning deltas as they arrive and reassemble partial
// tool calls across chunks.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Role constants for messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// FinishReasonToolCalls is the finish reason a provider reports when the
// model stopped to request tool invocations.
const FinishReasonToolCalls = "tool_calls"

// Message is a single turn in a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Reasoning  string     `json:"reasoning_content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool the LLM can invoke.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema object
}

// CompletionRequest is the input to a Complete or Stream call.
type CompletionRequest struct {
	Model       string           `json:"model,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"maxTokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Options     *RequestOptions  `json:"options,omitempty"`
}

// CompletionResponse is the result of a non-streaming completion.
type CompletionResponse struct {
	Content      string        `json:"content"`
	Reasoning    string        `json:"reasoning,omitempty"`
	FinishReason string        `json:"finishReason,omitempty"`
	ToolCalls    []ToolCall    `json:"toolCalls,omitempty"`
	Usage        Usage         `json:"usage"`
	Model        string        `json:"model,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Chunk is one decoded server-sent event of a streaming completion.
type Chunk struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// Choice is one alternative within a chunk.
type Choice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Delta carries the incremental parts of a choice. Every field is optional.
type Delta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ReasoningText returns the reasoning delta regardless of which field the
// provider used for it.
func (d Delta) ReasoningText() string {
	if d.ReasoningContent != "" {
		return d.ReasoningContent
	}
	return d.Reasoning
}

// ToolCallDelta is a fragment of a tool call, addressed by Index.
type ToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// Stream event types.
const (
	EventChunk = "chunk"
	EventError = "error"
)

// StreamEvent is a chunk or a terminal error from a streaming completion.
// The channel is closed after the last event.
type StreamEvent struct {
	Type  string `json:"type"` // "chunk", "error"
	Chunk *Chunk `json:"chunk,omitempty"`
	Err   error  `json:"-"`
}

// Client is the interface all LLM providers must implement.
type Client interface {
	// Complete sends a request and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Stream sends a request and returns a channel of streaming events.
	// Errors returned directly happened before any bytes were received.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)

	// Name returns the provider name (e.g., "openai", "deepseek").
	Name() string
}
