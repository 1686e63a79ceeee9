// Package middleware provides HTTP middleware for the AgentDeck control surface.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/AgentDeck/internal/logger"
)

const (
	headerRequestID = "X-Request-ID"
	maxRequestIDLen = 128
)

// RequestID is HTTP middleware that carries X-Request-ID through the request
// context and the response. A missing or unusable inbound id is replaced
// with a fresh UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validRequestID accepts short printable ASCII ids so a caller cannot inject
// control characters into log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := range len(id) {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}
