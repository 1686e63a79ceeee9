// Package stream defines the event envelope pushed by the remote coding agent
// and the typed payload of each event kind.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the kind of a streamed event.
type Type string

const (
	TypeConnected  Type = "connected"
	TypeMessage    Type = "message"
	TypeToolUse    Type = "tool_use"
	TypeToolResult Type = "tool_result"
	TypeResult     Type = "result"
	TypeError      Type = "error"
)

// Event is the wire envelope of one frame: {type, data, timestamp}.
type Event struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Type == TypeResult || e.Type == TypeError
}

// Connected is the payload of a connected event.
type Connected struct {
	SessionID string   `json:"sessionId,omitempty"`
	Model     string   `json:"model"`
	Tools     []string `json:"tools"`
}

// Message is the payload of a message event.
type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ToolUse is the payload of a tool_use event.
type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	ToolName  string          `json:"toolName"`
	ToolInput json.RawMessage `json:"toolInput"`
}

// ToolResult is the payload of a tool_result event.
type ToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
}

// Usage is the token usage reported with a result.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Result is the payload of a result event.
type Result struct {
	SessionID  string `json:"sessionId,omitempty"`
	Usage      Usage  `json:"usage"`
	DurationMs int64  `json:"durationMs"`
	IsError    bool   `json:"isError"`
}

// Error is the payload of an error event.
type Error struct {
	Error string `json:"error"`
}

// ErrMissingType is returned for frames without a type field.
var ErrMissingType = errors.New("stream event has no type")

// Decode parses one frame. Unknown types decode successfully so callers can ignore them.
func Decode(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode stream event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, ErrMissingType
	}
	return ev, nil
}

// DecodeData unmarshals the event payload into T.
func DecodeData[T any](ev Event) (T, error) {
	var v T
	if len(ev.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(ev.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return v, nil
}
