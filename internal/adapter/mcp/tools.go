package mcp

import (
	"context"
	"encoding/json"
	"errors"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/AgentDeck/internal/domain"
	"github.com/Strob0t/AgentDeck/internal/domain/task"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.sessionStatusTool(),
		s.queueTaskTool(),
		s.submitPromptTool(),
		s.abortTaskTool(),
		s.listTasksTool(),
	)
}

func (s *Server) sessionStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("session_status",
		mcplib.WithDescription("Get the current phase, queue size and connection state of the agent session"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSessionStatus}
}

func (s *Server) queueTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("queue_task",
		mcplib.WithDescription("Append a task to the session queue; it runs when the agent is free and auto start is on"),
		mcplib.WithString("prompt",
			mcplib.Required(),
			mcplib.Description("Instructions for the coding agent"),
		),
		mcplib.WithString("label",
			mcplib.Description("Short display label; derived from the prompt when omitted"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleQueueTask}
}

func (s *Server) submitPromptTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("submit_prompt",
		mcplib.WithDescription("Send a one-off prompt to the agent immediately, outside the queue"),
		mcplib.WithString("prompt",
			mcplib.Required(),
			mcplib.Description("Instructions for the coding agent"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSubmitPrompt}
}

func (s *Server) abortTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("abort_task",
		mcplib.WithDescription("Abort the task the agent is currently streaming"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleAbortTask}
}

func (s *Server) listTasksTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_tasks",
		mcplib.WithDescription("List queued, running and finished tasks with their status"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListTasks}
}

func notConfigured() *mcplib.CallToolResult {
	return mcplib.NewToolResultError("session not configured")
}

func (s *Server) handleSessionStatus(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Session == nil {
		return notConfigured(), nil
	}
	return marshalResult(s.deps.Session.Snapshot(), "session status")
}

func (s *Server) handleQueueTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Session == nil {
		return notConfigured(), nil
	}
	args := req.GetArguments()
	prompt, ok := args["prompt"].(string)
	if !ok || prompt == "" {
		return mcplib.NewToolResultError("prompt is required"), nil
	}
	label, _ := args["label"].(string)

	t, err := s.deps.Session.Enqueue(ctx, task.CreateRequest{Prompt: prompt, Label: label})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to queue task", err), nil
	}
	return marshalResult(t, "task")
}

func (s *Server) handleSubmitPrompt(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Session == nil {
		return notConfigured(), nil
	}
	prompt, ok := req.GetArguments()["prompt"].(string)
	if !ok || prompt == "" {
		return mcplib.NewToolResultError("prompt is required"), nil
	}
	if err := s.deps.Session.SubmitPrompt(ctx, prompt); err != nil {
		if errors.Is(err, domain.ErrBusy) {
			return mcplib.NewToolResultError("the agent is busy with another task; queue it instead"), nil
		}
		return mcplib.NewToolResultErrorFromErr("failed to submit prompt", err), nil
	}
	return mcplib.NewToolResultText("prompt submitted"), nil
}

func (s *Server) handleAbortTask(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Session == nil {
		return notConfigured(), nil
	}
	if err := s.deps.Session.Abort(ctx); err != nil {
		return mcplib.NewToolResultErrorFromErr("nothing to abort", err), nil
	}
	return mcplib.NewToolResultText("task aborted"), nil
}

func (s *Server) handleListTasks(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Session == nil {
		return notConfigured(), nil
	}
	tasks := s.deps.Session.Tasks()
	if tasks == nil {
		tasks = []task.Task{}
	}
	return marshalResult(tasks, "tasks")
}

func marshalResult(v any, what string) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal "+what, err), nil
	}
	return toolResultJSON(string(data)), nil
}
