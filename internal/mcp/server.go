// Package mcp exposes the project to agent sessions over the Model
// Context Protocol: status queries, evidence submission, watchdog
// verdicts and heartbeats. Every tool writes through the State Manager,
// so MCP traffic obeys the same idempotency and run-binding rules as the
// tick loop.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/crewd/internal/config"
	"github.com/ppiankov/crewd/internal/orchestrator"
)

// Config holds MCP server configuration.
type Config struct {
	// BaseDir is the project directory. Empty means the configured
	// default.
	BaseDir string
}

// Server wraps the MCP SDK server around one crewd project.
type Server struct {
	mcpServer *mcpsdk.Server
	orch      *orchestrator.Orchestrator
}

// New creates an MCP server rooted at the project directory.
func New(cfg Config) (*Server, error) {
	conf := config.DefaultConfig()
	if cfg.BaseDir != "" {
		conf.BaseDir = cfg.BaseDir
	}

	s := &Server{
		orch: orchestrator.New(orchestrator.Options{Config: conf}),
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "crewd",
			Version: "0.1.0",
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all crewd tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "crewd_status",
		Description: "Return the current project status: phase, mode, progress and per-task state, replayed from the event log.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "crewd_evidence",
		Description: "Submit evidence for a worker run. The submission is validated against the task's open run and graded immediately; a PASS closes the run.",
	}, s.handleEvidence)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "crewd_verdict",
		Description: "Record a watchdog verdict (PASS/WARN/BLOCK) for a run. BLOCK triggers the halt cascade on the next tick.",
	}, s.handleVerdict)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "crewd_heartbeat",
		Description: "Record a watchdog liveness heartbeat. A silent watchdog degrades the project and escalates pending verdicts to human review.",
	}, s.handleHeartbeat)
}
