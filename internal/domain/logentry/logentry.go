// Package logentry defines the session log entries shown in the agent panel.
package logentry

import (
	"encoding/json"
	"time"
)

// Type classifies a log entry.
type Type string

const (
	TypeUser       Type = "user"
	TypeAssistant  Type = "assistant"
	TypeToolUse    Type = "tool_use"
	TypeToolResult Type = "tool_result"
	TypeSystem     Type = "system"
	TypeError      Type = "error"
)

// Entry is one append-only line of the session log. Ordering is arrival order.
type Entry struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
}

// Truncate shortens content to at most limit runes, appending an ellipsis
// when anything was cut. limit <= 0 disables truncation.
func Truncate(content string, limit int) string {
	if limit <= 0 {
		return content
	}
	r := []rune(content)
	if len(r) <= limit {
		return content
	}
	return string(r[:limit]) + "…"
}
