package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(globalFlags),
		createRestartCommand(globalFlags),
		createLogsCommand(globalFlags),
		createHealthCommand(globalFlags),
		createHistoryCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "voice-agent",
		Short: "Supervisor and HTTP control plane for the voice agent worker",
		Long: `voice-agent launches the voice agent worker as a child process, relays its
output, restarts it when it dies and answers health, status, restart and
log requests over HTTP.

Examples:
  voice-agent serve                          # run the supervisor with defaults
  voice-agent serve --config voice-agent.toml
  voice-agent status                         # query a running supervisor
  voice-agent restart --api-url http://host:8000
  voice-agent logs --follow`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "http://localhost:8000", "base URL of a running supervisor")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout for API calls")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS supervisor (e.g. its generated tls.crt)")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	return root
}
