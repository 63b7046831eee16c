package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all operator tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("stakehold", version)
	client := NewStakeholdClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListChains, h.HandleListChains)
	s.AddTool(ToolCreateSession, h.HandleCreateSession)
	s.AddTool(ToolGetSession, h.HandleGetSession)
	s.AddTool(ToolListSessions, h.HandleListSessions)
	s.AddTool(ToolPollDeposits, h.HandlePollDeposits)
	s.AddTool(ToolDeclareWinner, h.HandleDeclareWinner)
	s.AddTool(ToolCancelSession, h.HandleCancelSession)
	s.AddTool(ToolRetrySettlement, h.HandleRetrySettlement)
	s.AddTool(ToolGetLedger, h.HandleGetLedger)

	return s
}
