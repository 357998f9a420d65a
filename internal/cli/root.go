// Package cli implements the crewd command line: project bootstrap, the
// orchestrator tick and loop, event injection for PM and human actors,
// log verification and the MCP server.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crewd/internal/alert"
	"github.com/ppiankov/crewd/internal/config"
	"github.com/ppiankov/crewd/internal/gateway"
	"github.com/ppiankov/crewd/internal/orchestrator"
)

var (
	flagConfig string
	flagDir    string
)

var rootCmd = &cobra.Command{
	Use:   "crewd",
	Short: "Durable orchestrator for multi-agent crews",
	Long: "Coordinates a PM, workers and a watchdog over an append-only event log.\n" +
		"Every decision is an event; status.json is always recomputed from the log,\n" +
		"so a crashed orchestrator resumes exactly where it stopped.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to crewd.yaml (default ./crewd.yaml, then ~/.crewd/crewd.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flagDir, "dir", "C", "", "Project directory (overrides baseDir from config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDir != "" {
		cfg.BaseDir = flagDir
	}
	return cfg, nil
}

// newOrchestrator wires the full stack: gateway, alert fan-out, watchdog.
func newOrchestrator() (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(orchestrator.Options{
		Config:  cfg,
		Gateway: gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.SessionKey),
		Alerts:  alert.NewDispatcher(cfg.Alerts),
	}), nil
}
