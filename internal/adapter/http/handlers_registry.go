package http

import (
	"net/http"

	"github.com/Strob0t/AgentDeck/internal/adapter/registryhttp"
)

// RegistryStart handles POST /api/v1/registry/tasks/{taskID}/start.
func (h *Handlers) RegistryStart(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "taskID")
	req, ok := readJSON[registryhttp.StartRequest](w, r, maxRequestBodySize)
	if !ok || !requireField(w, req.SessionID, "session_id") {
		return
	}
	res, err := h.Registry.Start(r.Context(), taskID, req.SessionID, req.Label)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RegistryHeartbeat handles POST /api/v1/registry/tasks/{taskID}/heartbeat.
func (h *Handlers) RegistryHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Heartbeat(r.Context(), urlParam(r, "taskID")); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, registryhttp.AckResponse{Success: true})
}

// RegistryComplete handles POST /api/v1/registry/tasks/{taskID}/complete.
func (h *Handlers) RegistryComplete(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "taskID")
	req, ok := readJSON[registryhttp.CompleteRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if err := h.Registry.Complete(r.Context(), taskID, req.SessionID, req.Success); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, registryhttp.AckResponse{Success: true})
}

// RegistryStatus handles GET /api/v1/registry/tasks/{taskID}.
func (h *Handlers) RegistryStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.Registry.Status(r.Context(), urlParam(r, "taskID"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RegistryClear handles DELETE /api/v1/registry/sessions/{sessionID}.
func (h *Handlers) RegistryClear(w http.ResponseWriter, r *http.Request) {
	n, err := h.Registry.Clear(r.Context(), urlParam(r, "sessionID"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registryhttp.ClearResponse{Cleared: n})
}
