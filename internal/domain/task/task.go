// Package task defines the queued Task entity.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/AgentDeck/internal/domain"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one natural-language unit of work queued for the coding agent.
type Task struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	Label       string     `json:"label"`
	Status      Status     `json:"status"`
	ModuleID    string     `json:"module_id,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CreateRequest holds the fields needed to queue a new task.
type CreateRequest struct {
	Prompt   string `json:"prompt"`
	Label    string `json:"label"`
	ModuleID string `json:"module_id,omitempty"`
}

// Validate checks the request has a prompt and fills in a label when missing.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", domain.ErrValidation)
	}
	if r.Label == "" {
		r.Label = DefaultLabel(r.Prompt)
	}
	return nil
}

// maxLabelLen bounds labels derived from prompts.
const maxLabelLen = 60

// DefaultLabel derives a short label from the first line of a prompt.
func DefaultLabel(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	if r := []rune(line); len(r) > maxLabelLen {
		return string(r[:maxLabelLen-1]) + "…"
	}
	return line
}
