// Package registry defines the port for the shared task registry that
// coordinates which session owns which task.
package registry

import (
	"context"

	regdomain "github.com/Strob0t/AgentDeck/internal/domain/registry"
)

// Registry records task ownership, liveness and outcome across sessions.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Start claims taskID for sessionID. When another running record exists
	// for the session, Success is false and RunningTask describes it.
	Start(ctx context.Context, taskID, sessionID, label string) (regdomain.StartResult, error)

	// Heartbeat refreshes the liveness timestamp of a running task.
	Heartbeat(ctx context.Context, taskID string) error

	// Complete records the terminal outcome of a task.
	Complete(ctx context.Context, taskID, sessionID string, success bool) error

	// Status returns the current record state for taskID.
	Status(ctx context.Context, taskID string) (regdomain.StatusResult, error)

	// Clear drops every record belonging to sessionID and returns how many were removed.
	Clear(ctx context.Context, sessionID string) (int, error)
}
