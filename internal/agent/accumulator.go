package agent

import (
	"strings"

	"github.com/soyeahso/chatline/internal/llm"
)

// maxToolCallIndex guards the accumulator against absurd stream indexes.
const maxToolCallIndex = 128

// toolCallFragment is a tool call being reassembled from stream deltas.
type toolCallFragment struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

func (f *toolCallFragment) executable() bool {
	return f != nil && f.id != "" && f.name != ""
}

// toolCallAccumulator merges tool call deltas by their stream index. The
// first id, type and name seen for an index win; arguments concatenate.
type toolCallAccumulator struct {
	frags []*toolCallFragment
}

func (a *toolCallAccumulator) add(d llm.ToolCallDelta) {
	if d.Index < 0 || d.Index >= maxToolCallIndex {
		return
	}
	for len(a.frags) <= d.Index {
		a.frags = append(a.frags, nil)
	}
	f := a.frags[d.Index]
	if f == nil {
		f = &toolCallFragment{}
		a.frags[d.Index] = f
	}
	if f.id == "" {
		f.id = d.ID
	}
	if f.typ == "" {
		f.typ = d.Type
	}
	if f.name == "" {
		f.name = d.Function.Name
	}
	f.args.WriteString(d.Function.Arguments)
}

// calls returns the executable tool calls in index order.
func (a *toolCallAccumulator) calls() []llm.ToolCall {
	var out []llm.ToolCall
	for _, f := range a.frags {
		if !f.executable() {
			continue
		}
		typ := f.typ
		if typ == "" {
			typ = "function"
		}
		out = append(out, llm.ToolCall{
			ID:   f.id,
			Type: typ,
			Function: llm.FunctionCall{
				Name:      f.name,
				Arguments: f.args.String(),
			},
		})
	}
	return out
}
