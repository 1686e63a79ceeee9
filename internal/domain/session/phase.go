// Package session defines the session phase of the task execution
// orchestrator and the pure transition function that drives it.
package session

// Kind identifies which phase variant is active.
type Kind string

const (
	KindIdle       Kind = "idle"
	KindConnecting Kind = "connecting"
	KindStreaming  Kind = "streaming"
	KindComplete   Kind = "complete"
	KindError      Kind = "error"
)

// ExecutionInfo describes the live remote execution once the stream is connected.
type ExecutionInfo struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	StreamURL   string   `json:"stream_url,omitempty"`
	LogFilePath string   `json:"log_file_path,omitempty"`
	Model       string   `json:"model,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// Usage is the token accounting reported with a result.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Result is the terminal outcome reported by the remote agent.
type Result struct {
	SessionID  string `json:"session_id,omitempty"`
	Usage      Usage  `json:"usage"`
	DurationMs int64  `json:"duration_ms"`
	IsError    bool   `json:"is_error"`
}

// Phase is the single active state of a session. Only the fields that belong
// to Kind are meaningful:
//
//	connecting{TaskID}  streaming{TaskID, Execution}  complete{Result}  error{Message, TaskID}
//
// An empty TaskID marks an ad-hoc prompt.
type Phase struct {
	Kind      Kind           `json:"kind"`
	TaskID    string         `json:"task_id,omitempty"`
	Execution *ExecutionInfo `json:"execution,omitempty"`
	Result    *Result        `json:"result,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Idle returns the starting phase.
func Idle() Phase { return Phase{Kind: KindIdle} }

// IsStreaming reports whether a task is in flight (connecting or streaming).
func (p Phase) IsStreaming() bool {
	return p.Kind == KindConnecting || p.Kind == KindStreaming
}

// acceptsStart reports whether a new dispatch may begin from p.
func (p Phase) acceptsStart() bool {
	switch p.Kind {
	case KindIdle, KindComplete, KindError:
		return true
	default:
		return false
	}
}
