package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ripplecast/internal/models"
	"ripplecast/internal/storage"
)

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

type patchKeyRequest struct {
	Disabled *bool `json:"disabled"`
}

type keyResponse struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Scopes     []models.KeyScope `json:"scopes"`
	Disabled   bool              `json:"disabled"`
	CreatedAt  string            `json:"createdAt"`
	LastUsedAt *string           `json:"lastUsedAt,omitempty"`
}

// mintedKeyResponse carries the plaintext token exactly once, in the creation
// response. Only the pbkdf2 hash is stored.
type mintedKeyResponse struct {
	keyResponse
	Token string `json:"token"`
}

func newKeyResponse(key models.IngestKey) keyResponse {
	resp := keyResponse{
		ID:        key.ID,
		Name:      key.Name,
		Scopes:    key.Scopes,
		Disabled:  key.Disabled,
		CreatedAt: key.CreatedAt.Format(time.RFC3339Nano),
	}
	if key.LastUsedAt != nil {
		used := key.LastUsedAt.Format(time.RFC3339Nano)
		resp.LastUsedAt = &used
	}
	return resp
}

// Keys lists and mints ingest keys. Both verbs require the admin scope, which
// the route registration enforces via RequireScope.
func (h *Handler) Keys(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("key store unavailable"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.listKeys(w, r)
	case http.MethodPost:
		h.createKey(w, r)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.ListKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	responses := make([]keyResponse, 0, len(keys))
	for _, key := range keys {
		responses = append(responses, newKeyResponse(key))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": responses})
}

func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	scopes := make([]models.KeyScope, 0, len(req.Scopes))
	for _, raw := range req.Scopes {
		scope, err := models.ParseKeyScope(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		scopes = append(scopes, scope)
	}
	key, token, err := storage.NewIngestKey(req.Name, scopes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Store.CreateKey(r.Context(), key); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, mintedKeyResponse{keyResponse: newKeyResponse(key), Token: token})
}

// KeyByID handles DELETE (revoke) and PATCH (enable/disable) on a single key.
func (h *Handler) KeyByID(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("key store unavailable"))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/keys/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown key path"))
		return
	}
	switch r.Method {
	case http.MethodDelete:
		if err := h.Store.DeleteKey(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrKeyUnknown) {
				writeError(w, http.StatusNotFound, fmt.Errorf("key %s not found", id))
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch:
		var req patchKeyRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Disabled == nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("disabled field is required"))
			return
		}
		if err := h.Store.SetKeyDisabled(r.Context(), id, *req.Disabled); err != nil {
			if errors.Is(err, storage.ErrKeyUnknown) {
				writeError(w, http.StatusNotFound, fmt.Errorf("key %s not found", id))
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		key, err := h.Store.GetKey(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, newKeyResponse(key))
	default:
		methodNotAllowed(w, r, "DELETE, PATCH")
	}
}
