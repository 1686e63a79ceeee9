package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	sessionResourceURI = "agentdeck://session"
	tasksResourceURI   = "agentdeck://tasks"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			sessionResourceURI,
			"Session State",
			mcplib.WithResourceDescription("Phase, visibility and queue counters of the agent session"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessionResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			tasksResourceURI,
			"Task Queue",
			mcplib.WithResourceDescription("All tasks of the session with their status"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTasksResource,
	)
}

func (s *Server) handleSessionResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Session == nil {
		return jsonResource(req.Params.URI, `{"error":"session not configured"}`), nil
	}
	data, err := json.Marshal(s.deps.Session.Snapshot())
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, string(data)), nil
}

func (s *Server) handleTasksResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Session == nil {
		return jsonResource(req.Params.URI, `{"error":"session not configured"}`), nil
	}
	data, err := json.Marshal(s.deps.Session.Tasks())
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, string(data)), nil
}

func jsonResource(uri, text string) []mcplib.ResourceContents {
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     text,
		},
	}
}
