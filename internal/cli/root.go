package cli

import (
	"fmt"

	"github.com/soyeahso/chatline/internal/config"
	"github.com/soyeahso/chatline/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
	logStyle string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatline",
		Short: "Chatline, a streaming chat backend with persistent history",
		Long:  "Chatline streams chat completions from OpenAI-compatible providers, runs tools between rounds and keeps conversation history in SQLite or PostgreSQL.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			if err := config.LoadEnvFile(paths.EnvFile); err != nil {
				return err
			}
			level := logLevel
			if level == "" {
				level = "info"
			}
			log, err = logging.Open(logging.Options{Level: level, Style: logStyle})
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.chatline/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")
	cmd.PersistentFlags().StringVar(&logStyle, "log-style", "", "console log style (pretty, compact, json)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newChatCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig loads and validates the config file, then reopens the logger
// with the configured level, style and file unless flags override them.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return cfg, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}

	opts := logging.Options{Level: cfg.Logging.Level, Style: cfg.Logging.ConsoleStyle, File: cfg.Logging.File}
	if logLevel != "" {
		opts.Level = logLevel
	}
	if logStyle != "" {
		opts.Style = logStyle
	}
	reopened, err := logging.Open(opts)
	if err != nil {
		return cfg, err
	}
	log.Close()
	log = reopened
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	defer func() { log.Close() }()
	return newRootCmd().Execute()
}
