package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	voiceagent "github.com/aioikid/voice-agent"
	"github.com/aioikid/voice-agent/internal/logger"
	"github.com/spf13/cobra"
)

type ServeFlags struct {
	Listen    string
	Command   string
	LogLevel  string
	LogFormat string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor and its HTTP API",
		Long: `Start the worker, keep it alive and serve the HTTP API until SIGINT or SIGTERM.

Without a config file the defaults apply: listen on :8000, run
"python agent.py dev" and read .env from the working directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path, flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override server.listen")
	cmd.Flags().StringVar(&flags.Command, "command", "", "override worker.command")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flags.LogFormat, "log-format", "", "override log.format (text, json)")
	return cmd
}

func runServe(ctx context.Context, configPath string, flags *ServeFlags) error {
	cfg, err := voiceagent.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	applyServeFlags(cfg, flags)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Log.Format == "" || cfg.Log.Format == "text" {
		cfg.Log.Color = isTerminal(os.Stderr)
	}
	lg := logger.New(os.Stderr, cfg.Log)

	agent, err := voiceagent.New(cfg, lg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.Grace())
		defer cancel()
		_ = agent.Shutdown(shutdownCtx)
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	// Leave room for the worker's grace period plus in-flight requests.
	return agent.Serve(ctx, ln, cfg.Worker.Grace()+5*time.Second)
}

func applyServeFlags(cfg *voiceagent.Config, flags *ServeFlags) {
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}
	if flags.Command != "" {
		cfg.Worker.Command = flags.Command
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if flags.LogFormat != "" {
		cfg.Log.Format = flags.LogFormat
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
