package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ---------------------------------------------------------------------------
// Generic handler factories
// ---------------------------------------------------------------------------

// handleList creates a handler that lists resources and returns JSON.
func handleList[T any](listFn func() []T) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, orEmpty(listFn()))
	}
}

// handleGet creates a handler that retrieves a single resource by URL param "id".
func handleGet[T any](getFn func(ctx context.Context, id string) (*T, error), notFoundMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		item, err := getFn(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, notFoundMsg)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// handleCreate creates a handler that decodes a JSON body and creates a resource.
func handleCreate[Req any, Res any](bodyLimit int64, createFn func(ctx context.Context, req *Req) (*Res, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readJSON[Req](w, r, bodyLimit)
		if !ok {
			return
		}
		res, err := createFn(r.Context(), &req)
		if err != nil {
			writeDomainError(w, err, "creation failed")
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}
