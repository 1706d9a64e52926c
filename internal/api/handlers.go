package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ripplecast/internal/relay"
	"ripplecast/internal/storage"
)

// dependencyProbeTimeout bounds health and readiness checks against the
// journal repository.
const dependencyProbeTimeout = 2 * time.Second

// Handler serves the versioned HTTP API over the relay manager and the
// journal repository.
type Handler struct {
	Manager *relay.Manager
	Store   storage.Repository
	Stats   *relay.Stats
	// RequireKey switches on credential checks: privileged routes demand a
	// key with the admin scope and ingest admission demands the ingest
	// scope. Leaving it off suits local development.
	RequireKey bool
	Logger     *slog.Logger
}

// NewHandler assembles the API surface. RequireKey and Logger may be set on
// the returned handler before routes are registered.
func NewHandler(manager *relay.Manager, store storage.Repository, stats *relay.Stats) *Handler {
	return &Handler{Manager: manager, Store: store, Stats: stats}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

// Health reports liveness plus the state of the journal repository. A failing
// dependency degrades the payload but keeps the status code at 200 so
// orchestrators do not restart a process that can still relay audio.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	status := "ok"
	checks := map[string]string{}
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), dependencyProbeTimeout)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			checks["storage"] = "unreachable"
			status = "degraded"
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "disabled"
	}
	payload := map[string]any{
		"status": status,
		"checks": checks,
	}
	if h.Manager != nil {
		payload["activeSessions"] = h.Manager.ActiveCount()
	}
	writeJSON(w, http.StatusOK, payload)
}

// Ready gates traffic until the journal repository answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), dependencyProbeTimeout)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
