// Package agent defines the ports to the remote coding agent: one call to
// start an execution and a dialer for its event stream.
package agent

import (
	"context"

	"github.com/Strob0t/AgentDeck/internal/domain/stream"
)

// StartRequest asks the agent to run a prompt against a project.
type StartRequest struct {
	ProjectPath     string `json:"projectPath"`
	Prompt          string `json:"prompt"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

// StartResponse identifies the started execution.
type StartResponse struct {
	ExecutionID string `json:"executionId"`
	StreamURL   string `json:"streamUrl"`
	LogFilePath string `json:"logFilePath,omitempty"`
}

// Starter starts agent executions.
type Starter interface {
	Start(ctx context.Context, req StartRequest) (StartResponse, error)
}

// FrameHandler receives decoded stream events in arrival order.
type FrameHandler func(ev stream.Event)

// Conn is an open event stream.
type Conn interface {
	// Close stops delivery. It never blocks on the reader and is safe to call
	// more than once, including from inside a FrameHandler.
	Close()

	// Done is closed once the reader has exited.
	Done() <-chan struct{}
}

// Dialer opens event streams.
type Dialer interface {
	Open(ctx context.Context, url string, handler FrameHandler) (Conn, error)
}
