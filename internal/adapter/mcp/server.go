// Package mcp exposes the session orchestrator as Model Context Protocol tools
// so an assistant can queue work and watch progress.
package mcp

import (
	"context"
	"net/http"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/AgentDeck/internal/domain/task"
	"github.com/Strob0t/AgentDeck/internal/service"
)

// Session is the orchestrator surface the tools drive.
type Session interface {
	Snapshot() service.Snapshot
	Tasks() []task.Task
	Enqueue(ctx context.Context, req task.CreateRequest) (task.Task, error)
	SubmitPrompt(ctx context.Context, prompt string) error
	Abort(ctx context.Context) error
}

// ServerConfig names the server in the MCP handshake.
type ServerConfig struct {
	Name    string
	Version string
}

// ServerDeps are the collaborators behind the tools. A nil Session makes
// every tool report that it is not configured.
type ServerDeps struct {
	Session Session
}

// Server wraps an MCP server with the AgentDeck tools and resources.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
}

// NewServer creates a server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.mcpServer = mcpserver.NewMCPServer(cfg.Name, cfg.Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithRecovery(),
	)
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns the streamable HTTP transport for mounting on the router.
func (s *Server) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
