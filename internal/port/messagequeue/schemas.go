package messagequeue

import "time"

// SessionPhasePayload is the schema for agentdeck.session.phase messages.
type SessionPhasePayload struct {
	SessionKey  string `json:"session_key"`
	Phase       string `json:"phase"`
	TaskID      string `json:"task_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

// SessionLogsPayload is the schema for agentdeck.session.logs messages.
type SessionLogsPayload struct {
	SessionKey string `json:"session_key"`
	Count      int    `json:"count"`
	LastID     string `json:"last_id"`
}

// QueueEmptyPayload is the schema for agentdeck.session.queue_empty messages.
type QueueEmptyPayload struct {
	SessionKey string `json:"session_key"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
}

// TaskStatusPayload is the schema for agentdeck.task.status messages.
type TaskStatusPayload struct {
	SessionKey  string     `json:"session_key"`
	TaskID      string     `json:"task_id"`
	Label       string     `json:"label"`
	Status      string     `json:"status"`
	ModuleID    string     `json:"module_id,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskOutputPayload is the schema for agentdeck.task.output messages.
type TaskOutputPayload struct {
	SessionKey string `json:"session_key"`
	TaskID     string `json:"task_id"`
	Output     string `json:"output"`
	Success    bool   `json:"success"`
}

// TaskEnqueuePayload is the schema for agentdeck.tasks.enqueue messages.
type TaskEnqueuePayload struct {
	Prompt   string `json:"prompt"`
	Label    string `json:"label,omitempty"`
	ModuleID string `json:"module_id,omitempty"`
}
