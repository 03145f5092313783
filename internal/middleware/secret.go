package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

const WorkerSecretHeader = "X-Worker-Secret"

// WorkerSecret gates the worker-facing mutator endpoints behind the shared
// secret. With no secret configured the endpoints are disabled outright
// rather than left open.
func WorkerSecret(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			slog.Warn("worker secret not configured, rejecting worker callback", "path", r.URL.Path)
			http.Error(w, "worker callbacks disabled", http.StatusServiceUnavailable)
			return
		}
		provided := r.Header.Get(WorkerSecretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
