package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/soyeahso/chatline/internal/logging"
	"github.com/soyeahso/chatline/internal/version"
)

const mcpDefaultTimeout = 30 * time.Second

// MCPServerConfig describes how to launch a tool server.
type MCPServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration // per request
}

// MCPTool is a tool advertised by a server.
type MCPTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ErrServerClosed is returned for requests to a server that has been closed.
var ErrServerClosed = errors.New("tool server closed")

// MCPClient talks to one tool server process over stdio.
type MCPClient struct {
	cfg    MCPServerConfig
	rpc    *mcpclient.Client
	log    *logging.Logger
	info   mcp.Implementation
	closed atomic.Bool
}

// StartMCPServer launches the server process and performs the initialize
// handshake. Stop it with Close.
func StartMCPServer(ctx context.Context, cfg MCPServerConfig, log *logging.Logger) (*MCPClient, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("tool server %q has no command", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = mcpDefaultTimeout
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	sort.Strings(env)

	rpc, err := mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("starting tool server %s: %w", cfg.Name, err)
	}

	c := &MCPClient{
		cfg: cfg,
		rpc: rpc,
		log: log.Sub("mcp." + cfg.Name),
	}
	if stderr, ok := mcpclient.GetStderr(rpc); ok {
		go c.logStderr(stderr)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "chatline", Version: version.Version}
	hello, err := rpc.Initialize(ctx, req)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing tool server %s: %w", cfg.Name, err)
	}
	c.info = hello.ServerInfo

	c.log.Info().Str("server", hello.ServerInfo.Name).Str("version", hello.ServerInfo.Version).Msg("tool server started")
	return c, nil
}

// Name returns the configured server name.
func (c *MCPClient) Name() string { return c.cfg.Name }

// ListTools returns the tools the server offers.
func (c *MCPClient) ListTools(ctx context.Context) ([]MCPTool, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("tools/list: %w", ErrServerClosed)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res, err := c.rpc.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	tools := make([]MCPTool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := toolSchema(t)
		if err != nil {
			c.log.Warn().Err(err).Str("tool", t.Name).Msg("skipping tool with unreadable schema")
			continue
		}
		tools = append(tools, MCPTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return tools, nil
}

// CallTool invokes a tool and returns its text content. A result flagged
// as an error becomes a Go error carrying the same text.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if c.closed.Load() {
		return "", fmt.Errorf("tools/call: %w", ErrServerClosed)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.rpc.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var parts []string
	for _, item := range res.Content {
		switch tc := item.(type) {
		case mcp.TextContent:
			if tc.Text != "" {
				parts = append(parts, tc.Text)
			}
		case *mcp.TextContent:
			if tc.Text != "" {
				parts = append(parts, tc.Text)
			}
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

// Close stops the server process.
func (c *MCPClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.rpc.Close()
}

func (c *MCPClient) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.log.Debug().Str("stderr", scanner.Text()).Msg("tool server output")
	}
}

// toolSchema returns the tool's input schema as sent on the wire.
func toolSchema(t mcp.Tool) (json.RawMessage, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var wire struct {
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	return wire.InputSchema, nil
}

// mcpTool adapts a server tool to the Tool interface.
type mcpTool struct {
	client *MCPClient
	def    MCPTool
}

func (t *mcpTool) Name() string        { return t.def.Name }
func (t *mcpTool) Description() string { return t.def.Description }
func (t *mcpTool) InputSchema() string { return string(t.def.InputSchema) }

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.client.CallTool(ctx, t.def.Name, args)
}

// RegisterMCPTools lists the server's tools and adds them to the registry.
func RegisterMCPTools(ctx context.Context, reg *ToolRegistry, client *MCPClient) (int, error) {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tools of %s: %w", client.Name(), err)
	}
	for _, def := range tools {
		if reg.Register(&mcpTool{client: client, def: def}) {
			client.log.Warn().Str("tool", def.Name).Msg("tool name collision, later server wins")
		}
	}
	return len(tools), nil
}
