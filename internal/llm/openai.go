package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultCompletionsPath = "chat/completions"

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	Kind       ProviderKind
	BaseURL    string
	APIKey     string
	Model      string
	Headers    map[string]string // static headers from configuration
	HTTPClient *http.Client
}

// OpenAIClient speaks the OpenAI chat completions protocol. It serves
// OpenAI, DeepSeek and any compatible endpoint.
type OpenAIClient struct {
	endpoint Endpoint
	apiKey   string
	model    string
	headers  map[string]string
	client   *http.Client
}

// NewOpenAIClient creates a client for the configured provider kind.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	ep, err := Normalize(cfg.Kind, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	hc := cfg.HTTPClient
	if hc == nil {
		// No overall timeout: streams may legitimately run for minutes.
		hc = &http.Client{Transport: http.DefaultTransport}
	}
	return &OpenAIClient{
		endpoint: ep,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		headers:  cfg.Headers,
		client:   hc,
	}, nil
}

// Name returns the provider kind.
func (c *OpenAIClient) Name() string { return string(c.endpoint.Kind) }

// Endpoint returns the normalized endpoint.
func (c *OpenAIClient) Endpoint() Endpoint { return c.endpoint }

// Complete sends a non-streaming completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.providerError(resp.StatusCode, body)
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &DecodeError{Data: string(body), Err: err}
	}
	if len(result.Choices) == 0 {
		return nil, &ProviderError{Provider: c.Name(), Message: "response has no choices"}
	}

	choice := result.Choices[0]
	return &CompletionResponse{
		Content:      choice.Message.Content,
		Reasoning:    choice.Message.ReasoningContent,
		FinishReason: choice.FinishReason,
		ToolCalls:    choice.Message.ToolCalls,
		Usage: Usage{
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
		},
		Model:    result.Model,
		Duration: time.Since(start),
	}, nil
}

// Stream sends a streaming completion request. The HTTP exchange happens
// before Stream returns; decoding continues in a goroutine that closes the
// channel when the stream ends.
func (c *OpenAIClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	httpReq, err := c.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, c.providerError(resp.StatusCode, body)
	}

	eventChan := make(chan StreamEvent)
	go c.readStream(ctx, resp.Body, eventChan)
	return eventChan, nil
}

func (c *OpenAIClient) readStream(ctx context.Context, body io.ReadCloser, eventChan chan<- StreamEvent) {
	defer close(eventChan)
	defer body.Close()

	send := func(ev StreamEvent) bool {
		select {
		case eventChan <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := newServerSentEventScanner(body)
	finished := false

	for scanner.Scan() {
		data := strings.TrimSpace(scanner.Data())
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return
		}

		var chunk Chunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Some providers report mid-stream failures as an error object.
			if perr := c.streamError([]byte(data)); perr != nil {
				send(StreamEvent{Type: EventError, Err: perr})
				return
			}
			send(StreamEvent{Type: EventError, Err: &DecodeError{Data: data, Err: err}})
			return
		}
		if len(chunk.Choices) == 0 && chunk.Usage == nil {
			if perr := c.streamError([]byte(data)); perr != nil {
				send(StreamEvent{Type: EventError, Err: perr})
				return
			}
		}
		for _, ch := range chunk.Choices {
			if ch.FinishReason != "" {
				finished = true
			}
		}
		if !send(StreamEvent{Type: EventChunk, Chunk: &chunk}) {
			return
		}
	}

	if err := ctx.Err(); err != nil {
		send(StreamEvent{Type: EventError, Err: err})
		return
	}
	if err := scanner.Err(); err != nil {
		send(StreamEvent{Type: EventError, Err: fmt.Errorf("reading %s stream: %w", c.Name(), err)})
		return
	}
	// Compatible servers sometimes close without [DONE] after the final
	// chunk. A close before any finish reason is a truncated stream.
	if !finished {
		send(StreamEvent{Type: EventError, Err: fmt.Errorf("%s stream ended early: %w", c.Name(), io.ErrUnexpectedEOF)})
	}
}

func (c *OpenAIClient) newRequest(ctx context.Context, req CompletionRequest, stream bool) (*http.Request, error) {
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}

	endpoint, err := c.requestURL(req.Options)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(c.buildRequestBody(req, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	if req.Options != nil {
		for k, v := range req.Options.Headers {
			httpReq.Header.Set(k, v)
		}
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

func (c *OpenAIClient) requestURL(opts *RequestOptions) (string, error) {
	path := defaultCompletionsPath
	if opts != nil && opts.Path != "" {
		path = strings.TrimLeft(opts.Path, "/")
	}

	u, err := url.Parse(c.endpoint.BaseURL + "/" + path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if opts != nil && len(opts.Query) > 0 {
		q := u.Query()
		for k, v := range opts.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type openAIWireMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type openAIWireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      bool            `json:"strict,omitempty"`
}

type openAIWireTool struct {
	Type     string             `json:"type"`
	Function openAIWireFunction `json:"function"`
}

func (c *OpenAIClient) buildRequestBody(req CompletionRequest, stream bool) map[string]any {
	model := req.Model
	if model == "" {
		model = c.model
	}

	// Reasoning is never echoed back; DeepSeek rejects it on input.
	msgs := make([]openAIWireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openAIWireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}

	body := map[string]any{
		"model":    model,
		"messages": msgs,
		"stream":   stream,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if stream && c.endpoint.Kind == KindOpenAI {
		body["stream_options"] = map[string]any{"include_usage": true}
	}

	if len(req.Tools) > 0 {
		tools := make([]openAIWireTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.Parameters
			strict := false
			if c.endpoint.StrictSchema {
				params, strict = strictSchema(params)
			}
			if len(params) == 0 {
				params = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			tools = append(tools, openAIWireTool{
				Type: "function",
				Function: openAIWireFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
					Strict:      strict,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}

type openAIErrorBody struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *OpenAIClient) providerError(status int, body []byte) *ProviderError {
	perr := &ProviderError{Provider: c.Name(), Code: status}
	var parsed openAIErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		perr.Message = parsed.Error.Message
		perr.Type = parsed.Error.Type
	}
	if perr.Message == "" {
		perr.Message = strings.TrimSpace(string(body))
	}
	if perr.Message == "" {
		perr.Message = http.StatusText(status)
	}
	return perr
}

// streamError returns a ProviderError when data is an error object.
func (c *OpenAIClient) streamError(data []byte) *ProviderError {
	var parsed openAIErrorBody
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.Error == nil {
		return nil
	}
	return &ProviderError{
		Provider: c.Name(),
		Message:  parsed.Error.Message,
		Type:     parsed.Error.Type,
	}
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content          string     `json:"content"`
			ReasoningContent string     `json:"reasoning_content"`
			ToolCalls        []ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
