package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyHeader carries an API key. "Authorization: Bearer <key>" also works.
const APIKeyHeader = "X-API-Key"

// requireAPIKey rejects requests without one of keys.
func requireAPIKey(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := presentedKey(r)
			if key == "" {
				RespondWithError(w, r, http.StatusUnauthorized, "API key required")
				return
			}
			if !validKey(keys, key) {
				RespondWithError(w, r, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(APIKeyHeader)); k != "" {
		return k
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// validKey always compares against every configured key.
func validKey(keys []string, presented string) bool {
	match := 0
	for _, k := range keys {
		if k == "" {
			continue
		}
		match |= subtle.ConstantTimeCompare([]byte(k), []byte(presented))
	}
	return match == 1
}
