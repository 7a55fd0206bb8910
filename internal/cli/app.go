package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/soyeahso/chatline/internal/agent"
	"github.com/soyeahso/chatline/internal/chat"
	"github.com/soyeahso/chatline/internal/config"
	"github.com/soyeahso/chatline/internal/hooks"
	"github.com/soyeahso/chatline/internal/llm"
	"github.com/soyeahso/chatline/internal/store"
	"github.com/soyeahso/chatline/internal/stream"
	"golang.org/x/sync/errgroup"
)

// app holds the services shared by serve and chat.
type app struct {
	cfg     config.Config
	db      *store.DB
	client  llm.Client
	tools   *agent.ToolRegistry
	servers []*agent.MCPClient
	driver  *agent.Driver
	hooks   *hooks.Manager
	chat    *chat.Service
	titles  *store.TitleGenerator
}

// openStore opens the history store selected by cfg.History.
func openStore(cfg config.Config) (*store.DB, error) {
	opts := store.Options{
		Mode:     store.Mode(cfg.History.Mode),
		Path:     cfg.History.Path,
		URL:      cfg.History.URL,
		MaxConns: cfg.History.MaxConns,
	}
	if opts.Mode == store.ModeLocal && opts.Path == "" {
		opts.Path = paths.History
	}
	return store.Open(opts, log)
}

// newProviderClient builds the model client from cfg.Provider.
func newProviderClient(cfg config.ProviderConfig) (llm.Client, error) {
	kind, err := llm.ParseProviderKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TimeoutSec > 0 {
		transport.ResponseHeaderTimeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return llm.NewOpenAIClient(llm.OpenAIConfig{
		Kind:       kind,
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Headers:    cfg.Headers,
		HTTPClient: &http.Client{Transport: transport},
	})
}

// driverConfig maps the chat settings onto the driver.
func driverConfig(cfg config.Config) agent.Config {
	return agent.Config{
		Model:         cfg.Provider.Model,
		MaxTokens:     cfg.Provider.MaxTokens,
		Temperature:   cfg.Provider.Temperature,
		ToolsEnabled:  cfg.Chat.ToolsOn(),
		MaxToolRounds: cfg.Chat.MaxToolRounds,
		Retry:         cfg.Chat.Retry.Policy(),
		ExtraPrompt:   cfg.Chat.SystemPrompt,
	}
}

// startToolServers launches every enabled tool server concurrently and
// registers their tools. A server that fails to start is logged and skipped.
func startToolServers(ctx context.Context, reg *agent.ToolRegistry, entries []config.ToolServerEntry) []*agent.MCPClient {
	var (
		mu      sync.Mutex
		clients []*agent.MCPClient
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		if e.Disabled {
			continue
		}
		g.Go(func() error {
			client, err := agent.StartMCPServer(gctx, agent.MCPServerConfig{
				Name:    e.Name,
				Command: e.Command,
				Args:    e.Args,
				Env:     e.Env,
				Timeout: time.Duration(e.TimeoutMs) * time.Millisecond,
			}, log)
			if err != nil {
				log.Warn().Err(err).Str("server", e.Name).Msg("tool server failed to start")
				return nil
			}
			mu.Lock()
			clients = append(clients, client)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Register in config order so name collisions resolve predictably.
	byName := make(map[string]*agent.MCPClient, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	var started []*agent.MCPClient
	for _, e := range entries {
		c, ok := byName[e.Name]
		if !ok {
			continue
		}
		n, err := agent.RegisterMCPTools(ctx, reg, c)
		if err != nil {
			log.Warn().Err(err).Str("server", e.Name).Msg("tool server has no usable tools")
			c.Close()
			continue
		}
		log.Info().Str("server", e.Name).Int("tools", n).Msg("tool server ready")
		started = append(started, c)
	}
	return started
}

// newApp wires the chat stack from cfg. The caller must call close.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, hooks: hooks.NewManager(log)}
	a.hooks.RegisterCommands(cfg.Hooks.Commands())

	db, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	a.db = db

	client, err := newProviderClient(cfg.Provider)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring provider: %w", err)
	}
	a.client = client

	if cfg.Chat.TitlesOn() {
		model := cfg.Provider.TitleModel
		if model == "" {
			model = cfg.Provider.Model
		}
		a.titles = db.EnableTitles(client, model)
	}

	a.tools = agent.NewToolRegistry()
	if cfg.Tools.BuiltinsOn() {
		agent.RegisterBuiltins(a.tools)
	}
	a.servers = startToolServers(ctx, a.tools, cfg.Tools.Servers)

	a.driver = agent.NewDriver(client, a.tools, driverConfig(cfg), log)
	a.chat = chat.NewService(db, stream.NewRegistry(log), a.driver, a.hooks, log)
	return a, nil
}

// apply pushes a reloaded config into the running services.
func (a *app) apply(cfg config.Config) {
	a.cfg = cfg
	a.driver.SetConfig(driverConfig(cfg))
	a.hooks.RegisterCommands(cfg.Hooks.Commands())
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.chat.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, s := range a.servers {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing tool server %s: %w", s.Name(), err))
		}
	}
	if a.titles != nil {
		a.titles.Wait()
	}
	a.hooks.Wait()
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
