package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ripplecast/internal/ingest"
	"ripplecast/internal/models"
	"ripplecast/internal/storage"
)

// ExtractToken pulls the bearer credential from the Authorization header,
// falling back to the key query parameter for clients that cannot set
// headers.
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("key")
}

// authorized enforces the scope check inline and writes the failure response
// itself, so handlers that mix privileged and public verbs can guard a single
// branch.
func (h *Handler) authorized(w http.ResponseWriter, r *http.Request, scope models.KeyScope) bool {
	if !h.RequireKey {
		return true
	}
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("credential store unavailable"))
		return false
	}
	token := ExtractToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing bearer credential"))
		return false
	}
	if _, err := storage.AuthenticateToken(r.Context(), h.Store, token, scope); err != nil {
		if errors.Is(err, storage.ErrScopeMissing) {
			writeError(w, http.StatusForbidden, fmt.Errorf("credential lacks %s scope", scope))
			return false
		}
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credential"))
		return false
	}
	return true
}

// RequireScope wraps a handler so it only runs for requests carrying a key
// with the given scope. With RequireKey off the handler runs unauthenticated.
func (h *Handler) RequireScope(scope models.KeyScope, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorized(w, r, scope) {
			return
		}
		next(w, r)
	}
}

// IngestAuthorizer is the admission hook handed to the WebSocket gateway. It
// returns nil when credentials are not required, which the gateway reads as
// open admission.
func (h *Handler) IngestAuthorizer() ingest.Authorizer {
	if !h.RequireKey {
		return nil
	}
	return ingest.AuthorizerFunc(func(ctx context.Context, token string) error {
		if token == "" {
			return storage.ErrInvalidCredential
		}
		_, err := storage.AuthenticateToken(ctx, h.Store, token, models.ScopeIngest)
		return err
	})
}
