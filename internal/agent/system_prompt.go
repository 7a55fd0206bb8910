package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/chatline/internal/llm"
)

// PromptConfig controls system prompt generation.
type PromptConfig struct {
	Now         time.Time
	Tools       []llm.ToolDefinition // non-empty selects the tools-aware prompt
	ExtraPrompt string
}

// BuildSystemPrompt constructs the system prompt for the LLM.
func BuildSystemPrompt(cfg PromptConfig) string {
	var b strings.Builder

	b.WriteString("You are a helpful, accurate assistant.\n")

	// Date context
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	b.WriteString(fmt.Sprintf("Current date: %s\n", now.Format("2006-01-02")))

	b.WriteString("\n")

	// Guidelines
	b.WriteString("Guidelines:\n")
	b.WriteString("- If you don't know something, say so rather than guessing.\n")
	b.WriteString("- Format responses with markdown when helpful.\n")

	if len(cfg.Tools) > 0 {
		b.WriteString("- Call a tool when it gives a better answer than you can from memory. Use the function calling interface, never describe a call in text.\n")
		b.WriteString("- After tool results arrive, answer the user directly.\n")
		b.WriteString("\n## Available Tools\n\n")
		for _, t := range cfg.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}

	// Extra/custom prompt
	if cfg.ExtraPrompt != "" {
		b.WriteString("\n")
		b.WriteString(cfg.ExtraPrompt)
		b.WriteString("\n")
	}

	return b.String()
}

// withSystemPrompt returns msgs with every caller-supplied system message
// removed and prompt installed as the leading system message.
func withSystemPrompt(msgs []llm.Message, prompt string) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: prompt})
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}
