package agent

import (
	"context"
	"fmt"
	"time"
)

// CurrentTimeTool reports the current time, optionally in an IANA zone.
type CurrentTimeTool struct {
	Now func() time.Time
}

func (t *CurrentTimeTool) Name() string { return "current_time" }

func (t *CurrentTimeTool) Description() string {
	return "Returns the current date and time. Optionally takes an IANA time zone such as Europe/Berlin."
}

func (t *CurrentTimeTool) InputSchema() string {
	return `{"type":"object","properties":{"timezone":{"type":"string","description":"IANA time zone name"}},"additionalProperties":false}`
}

func (t *CurrentTimeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	ts := now()

	if tz, ok := args["timezone"].(string); ok && tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown time zone %q", tz)
		}
		ts = ts.In(loc)
	}
	return ts.Format("Monday, 2006-01-02 15:04:05 MST (-07:00)"), nil
}

// RegisterBuiltins adds the tools that ship with chatline.
func RegisterBuiltins(r *ToolRegistry) {
	r.Register(&CurrentTimeTool{})
}
