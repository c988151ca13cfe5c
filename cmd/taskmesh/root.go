package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"taskmesh/pkg/config"
	"taskmesh/pkg/logx"
	"taskmesh/pkg/orchestrator"
)

//nolint:gochecknoglobals // cobra flag targets
var (
	configPath string
	envFile    string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Multi-provider task orchestrator",
	Long: `taskmesh breaks a goal into a dependency graph of tasks, routes each task
to the provider best suited for it and runs independent tasks in parallel.

Providers are tried in a per-role fallback order. Unhealthy providers are
skipped until their circuit closes or their rate-limit cooldown expires.`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if noColor || !term.IsTerminal(int(os.Stdout.Fd())) {
			color.NoColor = true
		}
	},
}

func init() { //nolint:gochecknoinits // cobra command tree
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./taskmesh.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with provider credentials")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration and applies its logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logx.Configure(logx.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, nil
}

// buildSystem wires every component from the loaded configuration.
func buildSystem(cfg *config.Config) (*orchestrator.System, error) {
	creds, err := config.LoadCredentials(envFile)
	if err != nil {
		return nil, err
	}
	sys, err := orchestrator.Build(cfg, creds)
	if err != nil {
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}
	return sys, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
