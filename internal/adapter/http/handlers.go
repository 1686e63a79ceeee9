package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/AgentDeck/internal/domain/diagnostic"
	"github.com/Strob0t/AgentDeck/internal/domain/logentry"
	"github.com/Strob0t/AgentDeck/internal/domain/task"
	"github.com/Strob0t/AgentDeck/internal/port/registry"
	"github.com/Strob0t/AgentDeck/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Session is the orchestrator surface the control API drives.
type Session interface {
	Snapshot() service.Snapshot
	SubmitPrompt(ctx context.Context, prompt string) error
	Abort(ctx context.Context) error
	Clear(ctx context.Context) error
	SetVisible(visible bool)
	SetAutoStart(enabled bool)
	Tasks() []task.Task
	Enqueue(ctx context.Context, req task.CreateRequest) (task.Task, error)
	SetQueue(tasks []task.Task)
	Logs(limit int) []logentry.Entry
	Diagnostics(ctx context.Context, logID string) (diagnostic.Report, error)
	FileChanges() []logentry.FileChange
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Session      Session
	Registry     registry.Registry // served under /api/v1/registry when non-nil
	WS           http.Handler      // viewer push socket, optional
	LogTailLimit int
}

// PromptRequest is the body of POST /session/prompt.
type PromptRequest struct {
	Prompt string `json:"prompt"`
}

// VisibilityRequest is the body of PUT /session/visibility.
type VisibilityRequest struct {
	Visible bool `json:"visible"`
}

// AutoStartRequest is the body of PUT /session/autostart.
type AutoStartRequest struct {
	Enabled bool `json:"enabled"`
}

// StatusResponse acknowledges a command.
type StatusResponse struct {
	Status string `json:"status"`
}

// GetSession handles GET /api/v1/session.
func (h *Handlers) GetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Session.Snapshot())
}

// SubmitPrompt handles POST /api/v1/session/prompt.
func (h *Handlers) SubmitPrompt(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[PromptRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if err := h.Session.SubmitPrompt(r.Context(), req.Prompt); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted"})
}

// AbortTask handles POST /api/v1/session/abort.
func (h *Handlers) AbortTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.Abort(r.Context()); err != nil {
		writeDomainError(w, err, "no task in flight")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "aborted"})
}

// ClearSession handles POST /api/v1/session/clear.
func (h *Handlers) ClearSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.Clear(r.Context()); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "cleared"})
}

// SetVisibility handles PUT /api/v1/session/visibility.
func (h *Handlers) SetVisibility(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[VisibilityRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	h.Session.SetVisible(req.Visible)
	writeJSON(w, http.StatusOK, h.Session.Snapshot())
}

// SetAutoStart handles PUT /api/v1/session/autostart.
func (h *Handlers) SetAutoStart(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[AutoStartRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	h.Session.SetAutoStart(req.Enabled)
	writeJSON(w, http.StatusOK, h.Session.Snapshot())
}

// CreateTask handles POST /api/v1/tasks.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	handleCreate(maxRequestBodySize, func(ctx context.Context, req *task.CreateRequest) (*task.Task, error) {
		t, err := h.Session.Enqueue(ctx, *req)
		return &t, err
	})(w, r)
}

// ReplaceTasks handles PUT /api/v1/tasks: the body is the full task list.
func (h *Handlers) ReplaceTasks(w http.ResponseWriter, r *http.Request) {
	tasks, ok := readJSON[[]task.Task](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	for i := range tasks {
		if !requireField(w, tasks[i].ID, "id") {
			return
		}
		if tasks[i].Status == "" {
			tasks[i].Status = task.StatusPending
		}
		if tasks[i].Label == "" {
			tasks[i].Label = task.DefaultLabel(tasks[i].Prompt)
		}
	}
	h.Session.SetQueue(tasks)
	writeJSON(w, http.StatusOK, orEmpty(h.Session.Tasks()))
}

// ListLogs handles GET /api/v1/logs?limit=.
func (h *Handlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", h.LogTailLimit)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(h.Session.Logs(limit)))
}

// GetDiagnostics handles GET /api/v1/logs/{id}/diagnostics.
func (h *Handlers) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	handleGet(func(ctx context.Context, id string) (*diagnostic.Report, error) {
		rep, err := h.Session.Diagnostics(ctx, id)
		return &rep, err
	}, "no diagnostics for log entry")(w, r)
}

// orEmpty returns items unchanged if non-nil, or an empty slice if nil, so
// JSON encodes [] instead of null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
