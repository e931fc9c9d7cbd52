package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const adminTokenHeader = "X-Admin-Token"

// isAdmin reports whether the request carries the configured admin token.
// With no token configured, elevation is unavailable entirely.
func (a *API) isAdmin(r *http.Request) bool {
	if a.adminToken == "" {
		return false
	}
	provided := r.Header.Get(adminTokenHeader)
	return subtle.ConstantTimeCompare([]byte(provided), []byte(a.adminToken)) == 1
}

// RequireAdmin gates admin-elevated routes.
func (a *API) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.isAdmin(r) {
			writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
