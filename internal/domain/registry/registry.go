// Package registry defines the records kept by the external task registry,
// the bookkeeping service that tracks task liveness independently of the stream.
package registry

import (
	"time"
)

// Status is the registry's view of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StatusFor maps a completion outcome to a registry status.
func StatusFor(success bool) Status {
	if success {
		return StatusCompleted
	}
	return StatusFailed
}

// Record is one task tracked by the registry.
type Record struct {
	TaskID        string     `json:"task_id"`
	SessionID     string     `json:"session_id"`
	Label         string     `json:"label"`
	Status        Status     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	IsStale       bool       `json:"is_stale"`
}

// Stale reports whether a running record has gone without a heartbeat for
// longer than timeout. Terminal records are never stale; timeout <= 0 disables
// staleness.
func (r *Record) Stale(now time.Time, timeout time.Duration) bool {
	if r.Status != StatusRunning || timeout <= 0 {
		return false
	}
	last := r.StartedAt
	if r.LastHeartbeat.After(last) {
		last = r.LastHeartbeat
	}
	return now.Sub(last) > timeout
}

// StartResult is returned by Start. Success is false when another task is
// already running for the session; RunningTask then describes it.
type StartResult struct {
	Success     bool    `json:"success"`
	RunningTask *Record `json:"running_task,omitempty"`
}

// StatusResult is returned by Status.
type StatusResult struct {
	Found   bool   `json:"found"`
	Status  Status `json:"status,omitempty"`
	IsStale bool   `json:"is_stale,omitempty"`
}

// ResultFor builds the Status response for a record (nil means not found).
func ResultFor(r *Record, now time.Time, timeout time.Duration) *StatusResult {
	if r == nil {
		return &StatusResult{Found: false}
	}
	return &StatusResult{Found: true, Status: r.Status, IsStale: r.Stale(now, timeout)}
}

// NewRunning returns a freshly claimed record.
func NewRunning(taskID, sessionID, label string, now time.Time) Record {
	return Record{
		TaskID:        taskID,
		SessionID:     sessionID,
		Label:         label,
		Status:        StatusRunning,
		StartedAt:     now,
		LastHeartbeat: now,
	}
}

// Conflicts reports whether r blocks taskID from being claimed for the same
// session: r is a different task that is still running.
func (r *Record) Conflicts(taskID string) bool {
	return r.Status == StatusRunning && r.TaskID != taskID
}

// Finish moves the record to its terminal status.
func (r *Record) Finish(success bool, now time.Time) {
	r.Status = StatusFor(success)
	r.CompletedAt = &now
}

// WithStale returns a copy of r with IsStale derived for now.
func (r Record) WithStale(now time.Time, timeout time.Duration) Record {
	r.IsStale = r.Stale(now, timeout)
	return r
}
