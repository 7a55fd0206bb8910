package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/soyeahso/chatline/internal/llm"
	"github.com/soyeahso/chatline/internal/logging"
	"github.com/soyeahso/chatline/internal/retry"
	"github.com/soyeahso/chatline/internal/stream"
)

// Tool round limits.
const (
	DefaultMaxToolRounds = 5
	minToolRounds        = 1
	maxToolRounds        = 50
)

// Config configures the Driver. It can be replaced at runtime.
type Config struct {
	Model         string
	MaxTokens     int
	Temperature   *float64
	ToolsEnabled  bool
	MaxToolRounds int
	Retry         retry.Policy
	ExtraPrompt   string
}

// ClampToolRounds limits n to [1, 50], mapping zero to the default.
func ClampToolRounds(n int) int {
	switch {
	case n == 0:
		return DefaultMaxToolRounds
	case n < minToolRounds:
		return minToolRounds
	case n > maxToolRounds:
		return maxToolRounds
	default:
		return n
	}
}

// Turn is one logical chat turn.
type Turn struct {
	RequestID    string
	Messages     []llm.Message
	Model        string // overrides Config.Model when set
	Options      *llm.RequestOptions
	DisableTools bool
}

// TurnResult is the text and reasoning to persist. Both are concatenated
// across tool rounds.
type TurnResult struct {
	Text       string `json:"text"`
	Reasoning  string `json:"reasoning,omitempty"`
	ToolRounds int    `json:"toolRounds"`
}

// TokenFunc receives live output.
type TokenFunc func(kind stream.TokenKind, delta string)

// Driver runs chat turns against a model provider, executing tool calls
// between streamed rounds.
type Driver struct {
	client llm.Client
	tools  Executor
	log    *logging.Logger
	now    func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// NewDriver creates a Driver. tools may be nil.
func NewDriver(client llm.Client, tools Executor, cfg Config, log *logging.Logger) *Driver {
	return &Driver{
		client: client,
		tools:  tools,
		cfg:    cfg,
		log:    log.Sub("agent"),
		now:    time.Now,
	}
}

// Config returns the current configuration.
func (d *Driver) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// SetConfig replaces the configuration for turns started afterwards.
func (d *Driver) SetConfig(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.log.Info().Bool("tools", cfg.ToolsEnabled).Int("maxToolRounds", ClampToolRounds(cfg.MaxToolRounds)).Msg("driver config updated")
}

// roundResult is the outcome of one streamed provider request.
type roundResult struct {
	text         strings.Builder
	reasoning    strings.Builder
	finishReason string
	acc          toolCallAccumulator
}

// Run executes a turn, forwarding text and reasoning deltas to onToken.
func (d *Driver) Run(ctx context.Context, turn Turn, onToken TokenFunc) (*TurnResult, error) {
	cfg := d.Config()
	if onToken == nil {
		onToken = func(stream.TokenKind, string) {}
	}

	var defs []llm.ToolDefinition
	if cfg.ToolsEnabled && !turn.DisableTools && d.tools != nil {
		defs = d.tools.Definitions()
	}
	rounds := ClampToolRounds(cfg.MaxToolRounds)

	model := turn.Model
	if model == "" {
		model = cfg.Model
	}

	prompt := BuildSystemPrompt(PromptConfig{Now: d.now(), Tools: defs, ExtraPrompt: cfg.ExtraPrompt})
	msgs := withSystemPrompt(turn.Messages, prompt)

	result := &TurnResult{}
	var text, reasoning strings.Builder

	for {
		req := llm.CompletionRequest{
			Model:       model,
			Messages:    msgs,
			Tools:       defs,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Options:     turn.Options,
		}

		round, err := d.streamWithRetry(ctx, turn.RequestID, req, cfg.Retry, onToken)
		if err != nil {
			return nil, err
		}
		text.WriteString(round.text.String())
		reasoning.WriteString(round.reasoning.String())

		calls := round.acc.calls()
		if len(defs) == 0 || round.finishReason != llm.FinishReasonToolCalls || len(calls) == 0 {
			break
		}
		if result.ToolRounds >= rounds {
			return nil, fmt.Errorf("tool call limit reached (%d rounds)", rounds)
		}

		d.log.Info().
			Str("request", turn.RequestID).
			Int("round", result.ToolRounds+1).
			Int("toolCalls", len(calls)).
			Msg("executing tool calls")

		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   round.text.String(),
			Reasoning: round.reasoning.String(),
			ToolCalls: calls,
		})
		for _, call := range calls {
			onToken(stream.KindReasoning, fmt.Sprintf("Invoking tool %s…\n", call.Function.Name))
			out := d.executeTool(ctx, turn.RequestID, call)
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: out, ToolCallID: call.ID})
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.ToolRounds++
	}

	result.Text = text.String()
	result.Reasoning = reasoning.String()
	return result, nil
}

// executeTool runs one call. Failures become text for the model.
func (d *Driver) executeTool(ctx context.Context, requestID string, call llm.ToolCall) string {
	args := parseToolArguments(call.Function.Arguments)

	start := time.Now()
	out, err := d.tools.Execute(ctx, call.Function.Name, args)
	if err != nil {
		d.log.Warn().Err(err).
			Str("request", requestID).
			Str("tool", call.Function.Name).
			Dur("duration", time.Since(start)).
			Msg("tool failed")
		return "error: " + err.Error()
	}
	d.log.Debug().
		Str("request", requestID).
		Str("tool", call.Function.Name).
		Int("outputLen", len(out)).
		Dur("duration", time.Since(start)).
		Msg("tool completed")
	return out
}

// parseToolArguments decodes a JSON object, returning an empty map for
// anything else.
func parseToolArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// streamWithRetry retries a provider request while nothing from it has
// reached the caller.
func (d *Driver) streamWithRetry(ctx context.Context, requestID string, req llm.CompletionRequest, policy retry.Policy, onToken TokenFunc) (*roundResult, error) {
	var (
		result  *roundResult
		emitted bool
	)
	classify := func(err error) bool {
		return !emitted && retry.ShouldRetry(err)
	}

	err := retry.Do(ctx, policy, classify, func(attempt int) error {
		if attempt > 1 {
			d.log.Warn().Str("request", requestID).Int("attempt", attempt).Msg("retrying provider request")
		}
		var err error
		result, emitted, err = d.streamOnce(ctx, req, onToken)
		if err != nil && classify(err) {
			d.log.Debug().Err(err).Str("request", requestID).Int("attempt", attempt).Msg("transient provider failure")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// streamOnce runs a single provider request. emitted reports whether any
// token was forwarded.
func (d *Driver) streamOnce(ctx context.Context, req llm.CompletionRequest, onToken TokenFunc) (*roundResult, bool, error) {
	ch, err := d.client.Stream(ctx, req)
	if err != nil {
		return nil, false, err
	}

	res := &roundResult{}
	emitted := false

	for ev := range ch {
		if ev.Type == llm.EventError {
			return nil, emitted, ev.Err
		}
		if ev.Chunk == nil {
			continue
		}
		for _, choice := range ev.Chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			if r := choice.Delta.ReasoningText(); r != "" {
				res.reasoning.WriteString(r)
				onToken(stream.KindReasoning, r)
				emitted = true
			}
			if c := choice.Delta.Content; c != "" {
				res.text.WriteString(c)
				onToken(stream.KindText, c)
				emitted = true
			}
			for _, tc := range choice.Delta.ToolCalls {
				res.acc.add(tc)
			}
			if choice.FinishReason != "" {
				res.finishReason = choice.FinishReason
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, emitted, err
	}
	return res, emitted, nil
}
