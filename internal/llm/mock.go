package llm

import "context"

// MockClient is a test double for Client.
type MockClient struct {
	ProviderName string
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	StreamFunc   func(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}

func (m *MockClient) Name() string { return m.ProviderName }

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &CompletionResponse{Content: "mock response"}, nil
}

func (m *MockClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	return ChunkStream(TextChunk("mock "), TextChunk("stream response"), FinishChunk("stop")), nil
}

// ChunkStream returns a closed, buffered channel holding one chunk event
// per chunk.
func ChunkStream(chunks ...*Chunk) <-chan StreamEvent {
	ch := make(chan StreamEvent, len(chunks))
	for _, c := range chunks {
		ch <- StreamEvent{Type: EventChunk, Chunk: c}
	}
	close(ch)
	return ch
}

// TextChunk builds a chunk carrying a content delta.
func TextChunk(text string) *Chunk {
	return &Chunk{Choices: []Choice{{Delta: Delta{Content: text}}}}
}

// ReasoningChunk builds a chunk carrying a reasoning delta.
func ReasoningChunk(text string) *Chunk {
	return &Chunk{Choices: []Choice{{Delta: Delta{ReasoningContent: text}}}}
}

// ToolCallChunk builds a chunk carrying one tool call fragment.
func ToolCallChunk(index int, id, name, args string) *Chunk {
	d := ToolCallDelta{Index: index, ID: id}
	if id != "" {
		d.Type = "function"
	}
	d.Function.Name = name
	d.Function.Arguments = args
	return &Chunk{Choices: []Choice{{Delta: Delta{ToolCalls: []ToolCallDelta{d}}}}}
}

// FinishChunk builds a chunk carrying only a finish reason.
func FinishChunk(reason string) *Chunk {
	return &Chunk{Choices: []Choice{{FinishReason: reason}}}
}
