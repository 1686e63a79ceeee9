package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/AgentDeck/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxIdempotencyBody   = 1 << 20 // 1 MB
	idempotencyKeyPrefix = "idem:"

	// IdempotencyTTL is how long a replayable response is kept.
	IdempotencyTTL = 24 * time.Hour
)

// idempotencyEntry stores a cached HTTP response.
type idempotencyEntry struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency returns middleware that deduplicates POST/PUT/DELETE requests
// carrying an Idempotency-Key header. Only 2xx responses are stored, so a
// retry after a failure runs the handler again.
func Idempotency(c cache.Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(headerIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			cacheKey := idempotencyKeyPrefix + r.Method + ":" + r.URL.Path + ":" + key

			data, ok, err := c.Get(r.Context(), cacheKey)
			if err != nil {
				slog.Warn("idempotency: cache read failed", "key", key, "error", err)
			}
			if ok {
				var cached idempotencyEntry
				if err := json.Unmarshal(data, &cached); err == nil {
					for k, vals := range cached.Headers {
						for _, v := range vals {
							w.Header().Add(k, v)
						}
					}
					w.Header().Set("Idempotent-Replayed", "true")
					w.WriteHeader(cached.StatusCode)
					_, _ = w.Write(cached.Body)
					return
				}
				slog.Warn("idempotency: corrupt cache entry", "key", key)
			}

			rec := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(rec, r)

			if rec.statusCode < 200 || rec.statusCode > 299 || rec.body.Len() > maxIdempotencyBody {
				return
			}
			cached := idempotencyEntry{
				StatusCode: rec.statusCode,
				Headers:    w.Header().Clone(),
				Body:       rec.body.Bytes(),
			}
			encoded, err := json.Marshal(cached)
			if err != nil {
				return
			}
			if err := c.Set(r.Context(), cacheKey, encoded, IdempotencyTTL); err != nil {
				slog.Warn("idempotency: failed to store response", "key", key, "error", err)
			}
		})
	}
}

// responseRecorder wraps http.ResponseWriter to capture the response.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
