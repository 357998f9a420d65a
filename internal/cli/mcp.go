package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/crewd/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve crewd tools over the Model Context Protocol on stdio",
	Long: `Exposes crewd_status, crewd_evidence, crewd_verdict and
crewd_heartbeat to agent sessions. Tool writes go through the State
Manager, so MCP traffic obeys the same idempotency and run-binding
rules as the orchestrator.`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	server, err := mcp.New(mcp.Config{BaseDir: cfg.BaseDir})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}
