package llm

import (
	"encoding/json"
	"sort"
)

// strictSchema rewrites a JSON Schema into the subset accepted by OpenAI's
// strict function calling: every object lists all of its properties as
// required, optional properties become nullable, and additionalProperties
// is false. It reports false when the schema uses a construct that has no
// strict form, in which case the tool is sent without "strict".
func strictSchema(raw json.RawMessage) (json.RawMessage, bool) {
	var schema map[string]any
	if len(raw) == 0 {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	} else if err := json.Unmarshal(raw, &schema); err != nil {
		return raw, false
	}
	if !strictify(schema) {
		return raw, false
	}
	out, err := json.Marshal(schema)
	if err != nil {
		return raw, false
	}
	return out, true
}

// strictify rewrites node in place.
func strictify(node map[string]any) bool {
	for _, k := range []string{"patternProperties", "dependentSchemas", "if", "not"} {
		if _, ok := node[k]; ok {
			return false
		}
	}

	if isObjectSchema(node) {
		switch ap := node["additionalProperties"].(type) {
		case nil:
		case bool:
			if ap {
				return false
			}
		default:
			return false
		}
		node["additionalProperties"] = false

		props, _ := node["properties"].(map[string]any)
		if props == nil {
			props = map[string]any{}
			node["properties"] = props
		}

		required := map[string]bool{}
		if list, ok := node["required"].([]any); ok {
			for _, r := range list {
				if s, ok := r.(string); ok {
					required[s] = true
				}
			}
		}

		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)

		all := make([]any, 0, len(names))
		for _, name := range names {
			child, ok := props[name].(map[string]any)
			if !ok {
				return false
			}
			if !strictify(child) {
				return false
			}
			if !required[name] {
				props[name] = nullable(child)
			}
			all = append(all, name)
		}
		node["required"] = all
	}

	if items, ok := node["items"]; ok {
		child, ok := items.(map[string]any)
		if !ok || !strictify(child) {
			return false
		}
	}
	for _, k := range []string{"anyOf", "oneOf", "allOf"} {
		list, ok := node[k].([]any)
		if !ok {
			continue
		}
		for _, v := range list {
			child, ok := v.(map[string]any)
			if !ok || !strictify(child) {
				return false
			}
		}
	}
	for _, k := range []string{"$defs", "definitions"} {
		defs, ok := node[k].(map[string]any)
		if !ok {
			continue
		}
		for _, v := range defs {
			child, ok := v.(map[string]any)
			if !ok || !strictify(child) {
				return false
			}
		}
	}
	return true
}

func isObjectSchema(node map[string]any) bool {
	switch t := node["type"].(type) {
	case string:
		return t == "object"
	case []any:
		for _, v := range t {
			if v == "object" {
				return true
			}
		}
	}
	_, hasProps := node["properties"]
	return hasProps
}

// nullable lets an optional property be sent as null.
func nullable(node map[string]any) map[string]any {
	switch t := node["type"].(type) {
	case string:
		if t != "null" {
			node["type"] = []any{t, "null"}
		}
		if enum, ok := node["enum"].([]any); ok {
			node["enum"] = append(enum, nil)
		}
		return node
	case []any:
		for _, v := range t {
			if v == "null" {
				return node
			}
		}
		node["type"] = append(t, "null")
		if enum, ok := node["enum"].([]any); ok {
			node["enum"] = append(enum, nil)
		}
		return node
	}
	return map[string]any{"anyOf": []any{node, map[string]any{"type": "null"}}}
}
