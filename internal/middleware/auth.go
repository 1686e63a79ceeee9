package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
)

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// HashKey returns the bcrypt hash of an API key for the auth.api_key_hash setting.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// APIKey returns middleware that requires "Authorization: Bearer <key>"
// matching the bcrypt hash. WebSocket clients may pass the key as ?token=.
// An empty hash disables authentication.
func APIKey(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		v := &keyVerifier{hash: []byte(hash)}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			key := bearerToken(r)
			if key == "" && r.URL.Path == "/ws" {
				key = r.URL.Query().Get("token")
			}
			if key == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}
			if !v.verify(key) {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// keyVerifier remembers the last accepted key so steady traffic does not pay
// the bcrypt cost on every request.
type keyVerifier struct {
	hash []byte
	last atomic.Pointer[string]
}

func (v *keyVerifier) verify(key string) bool {
	if last := v.last.Load(); last != nil && subtle.ConstantTimeCompare([]byte(*last), []byte(key)) == 1 {
		return true
	}
	if bcrypt.CompareHashAndPassword(v.hash, []byte(key)) != nil {
		return false
	}
	v.last.Store(&key)
	return true
}
