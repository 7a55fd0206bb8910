package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soyeahso/chatline/internal/config"
	"github.com/soyeahso/chatline/internal/gateway"
	"github.com/soyeahso/chatline/internal/logging"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != 0 {
				os.Setenv("CHATLINE_GATEWAY_PORT", fmt.Sprint(port))
			}
			if bind != "" {
				os.Setenv("CHATLINE_GATEWAY_BIND", bind)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := paths.EnsureDirs(); err != nil {
				return err
			}

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := a.close(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("shutdown incomplete")
				}
			}()

			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				raw = make(map[string]any)
			}

			srv := gateway.New(cfg, log,
				gateway.WithConfigRaw(raw),
				gateway.WithHooks(a.hooks),
				gateway.WithChat(a.chat),
				gateway.WithHistory(a.db),
			)

			go func() {
				err := config.Watch(ctx, paths.Config, func(next config.Config, err error) {
					if err != nil {
						log.Warn().Err(err).Msg("config reload failed, keeping current settings")
						return
					}
					if issues := config.Validate(&next); len(issues) > 0 {
						log.Warn().Int("issues", len(issues)).Str("first", issues[0].Path+": "+issues[0].Message).Msg("reloaded config is invalid, keeping current settings")
						return
					}
					if logLevel == "" {
						logging.SetGlobalLevel(next.Logging.Level)
					}
					a.apply(next)
					if raw, err := config.LoadRaw(paths.Config); err == nil {
						srv.SetConfigRaw(raw)
					}
					log.Info().Msg("config reloaded")
				})
				if err != nil {
					log.Warn().Err(err).Msg("config watch unavailable")
				}
			}()

			log.Info().
				Str("provider", cfg.Provider.Kind).
				Str("model", cfg.Provider.Model).
				Str("history", cfg.History.Mode).
				Int("tools", a.tools.Len()).
				Msg("chat service ready")

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")

	return cmd
}
