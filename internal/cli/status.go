package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/chatline/internal/config"
	"github.com/soyeahso/chatline/internal/llm"
	"github.com/soyeahso/chatline/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show chatline status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Chatline %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Printf("Config:  %s\n", paths.Config)
			fmt.Printf("Data:    %s\n", paths.Data)
			fmt.Printf("Logs:    %s\n", paths.Logs)
			fmt.Println()

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Printf("Config:  error loading: %v\n", err)
				return nil
			}

			// Provider
			kind, err := llm.ParseProviderKind(cfg.Provider.Kind)
			if err == nil {
				var ep llm.Endpoint
				ep, err = llm.Normalize(kind, cfg.Provider.BaseURL)
				if err == nil {
					fmt.Printf("Model:   %s %s at %s\n", ep.Kind, cfg.Provider.Model, ep.BaseURL)
				}
			}
			if err != nil {
				fmt.Printf("Model:   invalid provider: %v\n", err)
			}
			if cfg.Provider.APIKey == "" {
				fmt.Println("         (no API key configured)")
			}

			// Chat
			fmt.Printf("Chat:    tools=%v maxToolRounds=%d titles=%v\n",
				cfg.Chat.ToolsOn(), cfg.Chat.MaxToolRounds, cfg.Chat.TitlesOn())

			// History
			switch cfg.History.Mode {
			case "remote":
				fmt.Println("History: remote (PostgreSQL)")
			default:
				path := cfg.History.Path
				if path == "" {
					path = paths.History
				}
				fmt.Printf("History: local %s\n", path)
			}

			// Tools
			var names []string
			for _, s := range cfg.Tools.Servers {
				if !s.Disabled {
					names = append(names, s.Name)
				}
			}
			if len(names) > 0 {
				fmt.Printf("Tools:   builtins=%v servers=%s\n", cfg.Tools.BuiltinsOn(), strings.Join(names, ","))
			} else {
				fmt.Printf("Tools:   builtins=%v (no tool servers)\n", cfg.Tools.BuiltinsOn())
			}

			// Gateway
			fmt.Printf("Gateway: port=%d bind=%s auth=%s tls=%v %s\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode, cfg.Gateway.TLS.Enabled,
				probeGateway(cfg.Gateway))

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}

// probeGateway reports whether a gateway answers on the loopback port.
func probeGateway(gw config.GatewayConfig) string {
	scheme := "http"
	if gw.TLS.Enabled {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://127.0.0.1:%d/health", scheme, gw.Port)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "(unknown)"
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "(not running)"
	}
	defer resp.Body.Close()

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || health.Status != "ok" {
		return "(unhealthy)"
	}
	return "(running)"
}
