package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds a shell hook that sets no timeout.
const DefaultCommandTimeout = 10 * time.Second

// CommandPrefix names handlers registered by RegisterCommands.
const CommandPrefix = "command:"

// CommandHandler returns a Handler that runs command through sh -c. The
// payload is written to stdin as JSON and the event name is exported as
// CHATLINE_EVENT, with every scalar data field as CHATLINE_<KEY>.
func CommandHandler(command string, timeout time.Duration) Handler {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return func(ctx context.Context, p Payload) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding hook payload: %w", err)
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdin = bytes.NewReader(body)
		cmd.Env = append(os.Environ(), commandEnv(p)...)
		cmd.WaitDelay = time.Second

		out, err := cmd.CombinedOutput()
		if err != nil {
			msg := strings.TrimSpace(string(out))
			if msg != "" {
				return fmt.Errorf("hook command failed: %w: %s", err, msg)
			}
			return fmt.Errorf("hook command failed: %w", err)
		}
		return nil
	}
}

func commandEnv(p Payload) []string {
	env := []string{"CHATLINE_EVENT=" + p.Event}
	for k, v := range p.Data {
		switch v.(type) {
		case string, bool, int, int64, float64:
		default:
			continue
		}
		env = append(env, fmt.Sprintf("CHATLINE_%s=%v", envKey(k), v))
	}
	return env
}

// envKey turns conversationId into CONVERSATION_ID.
func envKey(k string) string {
	var b strings.Builder
	for i, r := range k {
		switch {
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Command is a shell hook from configuration.
type Command struct {
	Run     string
	Timeout time.Duration
}

// RegisterCommands replaces the config-defined shell hooks with the given
// commands per event. It returns how many were registered.
func (m *Manager) RegisterCommands(commands map[string][]Command) int {
	m.Reset(CommandPrefix)
	n := 0
	for event, cmds := range commands {
		if !KnownEvent(event) {
			m.log.Warn().Str("event", event).Msg("ignoring hook for unknown event")
			continue
		}
		for i, c := range cmds {
			if strings.TrimSpace(c.Run) == "" {
				continue
			}
			m.On(event, fmt.Sprintf("%s%s#%d", CommandPrefix, event, i), CommandHandler(c.Run, c.Timeout))
			n++
		}
	}
	return n
}
