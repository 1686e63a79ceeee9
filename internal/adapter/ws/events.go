package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/AgentDeck/internal/domain/logentry"
	"github.com/Strob0t/AgentDeck/internal/domain/session"
)

// Event type constants for WebSocket messages.
const (
	EventSessionPhase      = "session.phase"
	EventSessionLogs       = "session.logs"
	EventSessionQueueEmpty = "session.queue_empty"
	EventTaskStatus        = "task.status"
	EventTaskOutput        = "task.output"
)

// PhaseEvent is broadcast on every session phase change.
type PhaseEvent struct {
	SessionKey  string          `json:"session_key"`
	Phase       string          `json:"phase"`
	TaskID      string          `json:"task_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Message     string          `json:"message,omitempty"`
	Result      *session.Result `json:"result,omitempty"`
}

// LogBatchEvent is broadcast once per flushed log batch.
type LogBatchEvent struct {
	SessionKey string           `json:"session_key"`
	Count      int              `json:"count"`
	LastID     string           `json:"last_id"`
	Entries    []logentry.Entry `json:"entries"`
}

// QueueEmptyEvent is broadcast once when no pending task remains.
type QueueEmptyEvent struct {
	SessionKey string `json:"session_key"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
}

// TaskStatusEvent is broadcast when a task's status changes.
type TaskStatusEvent struct {
	SessionKey  string     `json:"session_key"`
	TaskID      string     `json:"task_id"`
	Label       string     `json:"label"`
	Status      string     `json:"status"`
	ModuleID    string     `json:"module_id,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskOutputEvent carries the accumulated assistant output of a finished task.
type TaskOutputEvent struct {
	SessionKey string `json:"session_key"`
	TaskID     string `json:"task_id"`
	Output     string `json:"output"`
	Success    bool   `json:"success"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
