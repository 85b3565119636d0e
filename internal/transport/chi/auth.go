package chi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authExempt reports whether a path is reachable without credentials.
// Probes and scrapers must not depend on key distribution.
func authExempt(path string) bool {
	return path == "/health" || path == "/metrics"
}

// BearerAuthMiddleware returns a middleware that validates Bearer tokens
// against the configured key set. An empty key set disables authentication.
func BearerAuthMiddleware(apiKeys []string) func(http.Handler) http.Handler {
	keys := make([]string, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}

	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, CodeBadRequest, "missing authorization header")
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized,
					CodeBadRequest, "authorization header must use Bearer scheme")
				return
			}

			if !keyMatches(keys, token) {
				writeError(w, http.StatusUnauthorized, CodeBadRequest, "invalid api key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// keyMatches compares the presented token against every configured key in
// constant time per key.
func keyMatches(keys []string, token string) bool {
	matched := false
	for _, k := range keys {
		if len(k) == len(token) && subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			matched = true
		}
	}
	return matched
}
