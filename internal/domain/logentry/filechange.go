package logentry

import (
	"encoding/json"
	"time"
)

// fileEditTools are tools whose invocations modify a file in the project.
var fileEditTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// IsFileEditTool reports whether toolName is in the file-editing allow-list.
func IsFileEditTool(toolName string) bool {
	return fileEditTools[toolName]
}

// FileChange records that a tool call touched a file.
type FileChange struct {
	FilePath  string    `json:"file_path"`
	ToolUseID string    `json:"tool_use_id"`
	ToolName  string    `json:"tool_name"`
	Timestamp time.Time `json:"timestamp"`
}

// Key is the de-duplication key of a file change.
func (c FileChange) Key() string {
	return c.FilePath + "\x00" + c.ToolUseID
}

// FilePathFromInput extracts the target path from a file-editing tool input.
// Returns "" when the input carries no recognisable path.
func FilePathFromInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields struct {
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
	}
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	if fields.FilePath != "" {
		return fields.FilePath
	}
	return fields.NotebookPath
}
