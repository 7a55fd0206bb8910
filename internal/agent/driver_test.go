package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/chatline/internal/llm"
	"github.com/soyeahso/chatline/internal/logging"
	"github.com/soyeahso/chatline/internal/retry"
	"github.com/soyeahso/chatline/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

type tokenLog struct {
	mu        sync.Mutex
	text      strings.Builder
	reasoning strings.Builder
}

func (l *tokenLog) onToken(kind stream.TokenKind, delta string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if kind == stream.KindReasoning {
		l.reasoning.WriteString(delta)
		return
	}
	l.text.WriteString(delta)
}

// scriptedClient answers successive Stream calls from a script and records
// every request.
type scriptedClient struct {
	mu       sync.Mutex
	rounds   []func() (<-chan llm.StreamEvent, error)
	requests []llm.CompletionRequest
}

func (s *scriptedClient) client() *llm.MockClient {
	return &llm.MockClient{
		ProviderName: "scripted",
		StreamFunc: func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.requests = append(s.requests, req)
			if len(s.rounds) == 0 {
				return nil, errors.New("script exhausted")
			}
			next := s.rounds[0]
			s.rounds = s.rounds[1:]
			return next()
		},
	}
}

func chunks(cs ...*llm.Chunk) func() (<-chan llm.StreamEvent, error) {
	return func() (<-chan llm.StreamEvent, error) { return llm.ChunkStream(cs...), nil }
}

func failing(err error) func() (<-chan llm.StreamEvent, error) {
	return func() (<-chan llm.StreamEvent, error) { return nil, err }
}

// midStreamFailure yields the given chunks, then an error event.
func midStreamFailure(err error, cs ...*llm.Chunk) func() (<-chan llm.StreamEvent, error) {
	return func() (<-chan llm.StreamEvent, error) {
		ch := make(chan llm.StreamEvent, len(cs)+1)
		for _, c := range cs {
			ch <- llm.StreamEvent{Type: llm.EventChunk, Chunk: c}
		}
		ch <- llm.StreamEvent{Type: llm.EventError, Err: err}
		close(ch)
		return ch, nil
	}
}

func toolsRegistry() *ToolRegistry {
	reg := NewToolRegistry()
	reg.Register(&echoTool{})
	return reg
}

func TestDriverPlainTurn(t *testing.T) {
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		chunks(llm.ReasoningChunk("thinking"), llm.TextChunk("Hello"), llm.TextChunk(" world"), llm.FinishChunk("stop")),
	}}
	d := NewDriver(script.client(), nil, Config{Model: "m1", Retry: fastRetry()}, silentLog())

	var tokens tokenLog
	res, err := d.Run(context.Background(), Turn{
		RequestID: "req-1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}, tokens.onToken)
	require.NoError(t, err)

	assert.Equal(t, "Hello world", res.Text)
	assert.Equal(t, "thinking", res.Reasoning)
	assert.Equal(t, 0, res.ToolRounds)
	assert.Equal(t, "Hello world", tokens.text.String())
	assert.Equal(t, "thinking", tokens.reasoning.String())

	require.Len(t, script.requests, 1)
	req := script.requests[0]
	assert.Equal(t, "m1", req.Model)
	assert.Empty(t, req.Tools)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
}

func TestDriverTurnModelOverride(t *testing.T) {
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		chunks(llm.TextChunk("ok"), llm.FinishChunk("stop")),
	}}
	d := NewDriver(script.client(), nil, Config{Model: "m1"}, silentLog())

	_, err := d.Run(context.Background(), Turn{Model: "m2", Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "m2", script.requests[0].Model)
}

func TestDriverReplacesCallerSystemPrompt(t *testing.T) {
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		chunks(llm.TextChunk("ok"), llm.FinishChunk("stop")),
	}}
	d := NewDriver(script.client(), nil, Config{ExtraPrompt: "Be brief."}, silentLog())

	_, err := d.Run(context.Background(), Turn{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a pirate."},
		{Role: llm.RoleUser, Content: "hi"},
	}}, nil)
	require.NoError(t, err)

	msgs := script.requests[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Be brief.")
	assert.NotContains(t, msgs[0].Content, "pirate")
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
}

func TestDriverToolLoop(t *testing.T) {
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		chunks(
			llm.ReasoningChunk("need a tool. "),
			llm.ToolCallChunk(0, "call_1", "echo", `{"text":`),
			llm.ToolCallChunk(0, "", "", `"ping"}`),
			llm.FinishChunk(llm.FinishReasonToolCalls),
		),
		chunks(llm.TextChunk("The tool said ping."), llm.FinishChunk("stop")),
	}}
	d := NewDriver(script.client(), toolsRegistry(), Config{ToolsEnabled: true, Retry: fastRetry()}, silentLog())

	var tokens tokenLog
	res, err := d.Run(context.Background(), Turn{
		RequestID: "req-tools",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "echo ping"}},
	}, tokens.onToken)
	require.NoError(t, err)

	assert.Equal(t, 1, res.ToolRounds)
	assert.Equal(t, "The tool said ping.", res.Text)
	assert.Equal(t, "need a tool. ", res.Reasoning, "tool indicator is not persisted")
	assert.Contains(t, tokens.reasoning.String(), "Invoking tool echo…\n")

	require.Len(t, script.requests, 2)
	first := script.requests[0]
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "echo", first.Tools[0].Name)

	second := script.requests[1].Messages
	require.Len(t, second, 4)
	assistant := second[2]
	assert.Equal(t, llm.RoleAssistant, assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, `{"text":"ping"}`, assistant.ToolCalls[0].Function.Arguments)

	toolMsg := second[3]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Equal(t, "echo: ping", toolMsg.Content)
}

func TestDriverToolFailureBecomesText(t *testing.T) {
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		chunks(llm.ToolCallChunk(0, "call_1", "missing_tool", `{}`), llm.FinishChunk(llm.FinishReasonToolCalls)),
		chunks(llm.TextChunk("sorry"), llm.FinishChunk("stop")),
	}}
	d := NewDriver(script.client(), toolsRegistry(), Config{ToolsEnabled: true}, silentLog())

	res, err := d.Run(context.Background(), Turn{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sorry", res.Text)

	toolMsg := script.requests[1].Messages[3]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.True(t, strings.HasPrefix(toolMsg.Content, "error: "))
	assert.Contains(t, toolMsg.Content, "unknown tool")
}

func TestDriverMalformedArgumentsFallBackToEmpty(t *testing.T) {
	var got map[string]any
	reg := NewToolRegistry()
	reg.Register(&funcTool{name: "inspect", fn: func(args map[string]any) (string, error) {
		got = args
		return "done", nil
	}})

	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		chunks(llm.ToolCallChunk(0, "call_1", "inspect", `{"broken`), llm.FinishChunk(llm.FinishReasonToolCalls)),
		chunks(llm.TextChunk("ok"), llm.FinishChunk("stop")),
	}}
	d := NewDriver(script.client(), reg, Config{ToolsEnabled: true}, silentLog())

	_, err := d.Run(context.Background(), Turn{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}, nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestDriverToolCallLimit(t *testing.T) {
	loop := chunks(llm.ToolCallChunk(0, "call", "echo", `{}`), llm.FinishChunk(llm.FinishReasonToolCalls))
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){loop, loop, loop}}
	d := NewDriver(script.client(), toolsRegistry(), Config{ToolsEnabled: true, MaxToolRounds: 2}, silentLog())

	_, err := d.Run(context.Background(), Turn{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}, nil)
	require.Error(t, err)
	assert.Equal(t, "tool call limit reached (2 rounds)", err.Error())
	assert.Len(t, script.requests, 3)
}

func TestDriverToolsDisabledIgnoresToolCalls(t *testing.T) {
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		chunks(llm.TextChunk("plain"), llm.ToolCallChunk(0, "call", "echo", `{}`), llm.FinishChunk(llm.FinishReasonToolCalls)),
	}}
	d := NewDriver(script.client(), toolsRegistry(), Config{ToolsEnabled: true}, silentLog())

	res, err := d.Run(context.Background(), Turn{DisableTools: true, Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", res.Text)
	assert.Len(t, script.requests, 1)
	assert.Empty(t, script.requests[0].Tools)
}

func TestDriverRetriesBeforeOutput(t *testing.T) {
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		failing(&llm.ProviderError{Provider: "openai", Code: 429, Message: "slow down"}),
		midStreamFailure(&llm.ProviderError{Provider: "openai", Code: 503, Message: "overloaded"}),
		chunks(llm.TextChunk("finally"), llm.FinishChunk("stop")),
	}}
	d := NewDriver(script.client(), nil, Config{Retry: fastRetry()}, silentLog())

	var tokens tokenLog
	res, err := d.Run(context.Background(), Turn{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}, tokens.onToken)
	require.NoError(t, err)
	assert.Equal(t, "finally", res.Text)
	assert.Equal(t, "finally", tokens.text.String())
	assert.Len(t, script.requests, 3)
}

func TestDriverNoRetryAfterOutput(t *testing.T) {
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		midStreamFailure(&llm.ProviderError{Provider: "openai", Code: 503, Message: "overloaded"}, llm.TextChunk("partial")),
		chunks(llm.TextChunk("never"), llm.FinishChunk("stop")),
	}}
	d := NewDriver(script.client(), nil, Config{Retry: fastRetry()}, silentLog())

	var tokens tokenLog
	_, err := d.Run(context.Background(), Turn{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}, tokens.onToken)
	require.Error(t, err)

	var perr *llm.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 503, perr.Code)
	assert.Equal(t, "partial", tokens.text.String())
	assert.Len(t, script.requests, 1)
}

func TestDriverNoRetryOnPermanentError(t *testing.T) {
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		failing(&llm.ProviderError{Provider: "openai", Code: 401, Message: "bad key"}),
	}}
	d := NewDriver(script.client(), nil, Config{Retry: fastRetry()}, silentLog())

	_, err := d.Run(context.Background(), Turn{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.Len(t, script.requests, 1)
}

func TestDriverRetriesExhausted(t *testing.T) {
	transient := failing(&llm.ProviderError{Provider: "openai", Code: 502, Message: "bad gateway"})
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){transient, transient, transient, transient}}
	d := NewDriver(script.client(), nil, Config{Retry: fastRetry()}, silentLog())

	_, err := d.Run(context.Background(), Turn{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}, nil)
	require.Error(t, err)
	assert.Len(t, script.requests, 3)
}

func TestDriverIgnoresOtherChoices(t *testing.T) {
	other := &llm.Chunk{Choices: []llm.Choice{{Index: 1, Delta: llm.Delta{Content: "second choice"}}}}
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		chunks(llm.TextChunk("first"), other, llm.FinishChunk("stop")),
	}}
	d := NewDriver(script.client(), nil, Config{}, silentLog())

	res, err := d.Run(context.Background(), Turn{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", res.Text)
}

func TestDriverCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	script := &scriptedClient{rounds: []func() (<-chan llm.StreamEvent, error){
		func() (<-chan llm.StreamEvent, error) {
			cancel()
			return llm.ChunkStream(llm.TextChunk("late")), nil
		},
	}}
	d := NewDriver(script.client(), nil, Config{Retry: fastRetry()}, silentLog())

	_, err := d.Run(ctx, Turn{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, script.requests, 1)
}

func TestDriverSetConfig(t *testing.T) {
	d := NewDriver(&llm.MockClient{}, nil, Config{Model: "a"}, silentLog())
	d.SetConfig(Config{Model: "b", MaxToolRounds: 7})
	assert.Equal(t, "b", d.Config().Model)
	assert.Equal(t, 7, d.Config().MaxToolRounds)
}

func TestClampToolRounds(t *testing.T) {
	assert.Equal(t, DefaultMaxToolRounds, ClampToolRounds(0))
	assert.Equal(t, 1, ClampToolRounds(-3))
	assert.Equal(t, 12, ClampToolRounds(12))
	assert.Equal(t, 50, ClampToolRounds(500))
}

type funcTool struct {
	name string
	fn   func(args map[string]any) (string, error)
}

func (f *funcTool) Name() string        { return f.name }
func (f *funcTool) Description() string { return "test tool" }
func (f *funcTool) InputSchema() string { return `{"type":"object"}` }
func (f *funcTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f.fn(args)
}
