package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrictSchema(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		strict bool
	}{
		{
			name:   "empty",
			in:     ``,
			want:   `{"type":"object","properties":{},"required":[],"additionalProperties":false}`,
			strict: true,
		},
		{
			name:   "optional property becomes nullable",
			in:     `{"type":"object","properties":{"timezone":{"type":"string"}}}`,
			want:   `{"type":"object","properties":{"timezone":{"type":["string","null"]}},"required":["timezone"],"additionalProperties":false}`,
			strict: true,
		},
		{
			name:   "required property kept as is",
			in:     `{"type":"object","properties":{"q":{"type":"string"},"n":{"type":"integer"}},"required":["q"]}`,
			want:   `{"type":"object","properties":{"q":{"type":"string"},"n":{"type":["integer","null"]}},"required":["n","q"],"additionalProperties":false}`,
			strict: true,
		},
		{
			name: "nested objects and arrays",
			in: `{"type":"object","properties":{"items":{"type":"array","items":{"type":"object","properties":{"id":{"type":"string"}}}}},"required":["items"]}`,
			want: `{"type":"object","properties":{"items":{"type":"array","items":{"type":"object","properties":{"id":{"type":["string","null"]}},` +
				`"required":["id"],"additionalProperties":false}}},"required":["items"],"additionalProperties":false}`,
			strict: true,
		},
		{
			name:   "untyped optional wrapped in anyOf",
			in:     `{"type":"object","properties":{"v":{"enum":["a","b"]}}}`,
			want:   `{"type":"object","properties":{"v":{"anyOf":[{"enum":["a","b"]},{"type":"null"}]}},"required":["v"],"additionalProperties":false}`,
			strict: true,
		},
		{
			name:   "open map cannot be strict",
			in:     `{"type":"object","additionalProperties":{"type":"string"}}`,
			want:   `{"type":"object","additionalProperties":{"type":"string"}}`,
			strict: false,
		},
		{
			name:   "additionalProperties true cannot be strict",
			in:     `{"type":"object","properties":{"a":{"type":"string"}},"additionalProperties":true}`,
			want:   `{"type":"object","properties":{"a":{"type":"string"}},"additionalProperties":true}`,
			strict: false,
		},
		{
			name:   "invalid JSON passes through",
			in:     `{"type":`,
			strict: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, strict := strictSchema(json.RawMessage(tt.in))
			assert.Equal(t, tt.strict, strict)
			if tt.want != "" {
				assert.JSONEq(t, tt.want, string(out))
			} else {
				assert.Equal(t, tt.in, string(out))
			}
		})
	}
}
