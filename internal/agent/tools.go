package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/soyeahso/chatline/internal/llm"
)

// ErrUnknownTool is returned when the model asks for a tool that is not
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is a capability the model can invoke during a turn.
type Tool interface {
	// Name returns the tool's identifier.
	Name() string

	// Description returns a human-readable description for the LLM.
	Description() string

	// InputSchema returns the JSON Schema for the tool's arguments.
	InputSchema() string

	// Execute runs the tool with parsed arguments and returns text output.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Executor runs tools by name on behalf of the Driver.
type Executor interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// ToolRegistry holds available tools. It is safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same name. It reports
// whether a tool was replaced.
func (r *ToolRegistry) Register(t Tool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.tools[t.Name()]
	r.tools[t.Name()] = t
	return replaced
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns LLM-ready tool definitions sorted by name.
func (r *ToolRegistry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		def := llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
		}
		if schema := t.InputSchema(); schema != "" && json.Valid([]byte(schema)) {
			def.Parameters = json.RawMessage(schema)
		}
		defs = append(defs, def)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	return t.Execute(ctx, args)
}
