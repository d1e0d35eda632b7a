package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/antigravity-dev/sidekick/internal/store"
)

// POST /api/v1/auth/bootstrap — one-shot session token setup. Repeating with
// the same token succeeds; a different token gets 409.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.store.BootstrapToken(req.Token); err != nil {
		if errors.Is(err, store.ErrTokenConflict) {
			writeError(w, http.StatusConflict, "session token already initialized")
			return
		}
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/v1/auth/status
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	initialized, err := s.store.TokenInitialized()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"initialized": initialized})
}

// extractToken gets the bearer token from the Authorization header.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// requireAuth enforces the bootstrapped session token on every protected
// endpoint. An uninitialized store rejects everything but bootstrap.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		initialized, err := s.store.TokenInitialized()
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if !initialized {
			writeError(w, http.StatusUnauthorized, "session token not initialized, POST /api/v1/auth/bootstrap first")
			return
		}
		ok, err := s.store.ValidateToken(extractToken(r))
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "valid token required")
			return
		}
		next(w, r)
	}
}
