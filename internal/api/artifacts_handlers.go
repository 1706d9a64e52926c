package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"ripplecast/internal/models"
	"ripplecast/internal/storage"
)

type artifactResponse struct {
	SessionID   string  `json:"sessionId"`
	Bytes       int64   `json:"bytes,omitempty"`
	Local       bool    `json:"local"`
	OffloadURL  string  `json:"offloadUrl,omitempty"`
	StartedAt   string  `json:"startedAt"`
	EndedAt     *string `json:"endedAt,omitempty"`
	CloseReason string  `json:"closeReason,omitempty"`
}

func newArtifactResponse(record models.SessionRecord) artifactResponse {
	resp := artifactResponse{
		SessionID:   record.ID,
		OffloadURL:  record.ArtifactURL,
		StartedAt:   record.StartedAt.Format(time.RFC3339Nano),
		CloseReason: record.CloseReason,
	}
	if record.EndedAt != nil {
		ended := record.EndedAt.Format(time.RFC3339Nano)
		resp.EndedAt = &ended
	}
	if record.ArtifactPath != "" {
		if info, err := os.Stat(record.ArtifactPath); err == nil {
			resp.Local = true
			resp.Bytes = info.Size()
		}
	}
	return resp
}

// Artifacts lists recordings of closed sessions, whether still on local disk
// or offloaded to object storage.
func (h *Handler) Artifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("journal repository unavailable"))
		return
	}
	records, err := h.Store.ListSessions(r.Context(), storage.SessionQuery{State: models.StateClosed})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	responses := make([]artifactResponse, 0, len(records))
	for _, record := range records {
		if record.ArtifactPath == "" && record.ArtifactURL == "" {
			continue
		}
		responses = append(responses, newArtifactResponse(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": responses})
}

// ArtifactBySession serves the recording for one session: the local file when
// it is still on disk, otherwise a redirect to the offloaded object.
func (h *Handler) ArtifactBySession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("journal repository unavailable"))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/artifacts/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown artifact path"))
		return
	}
	record, err := h.Store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrSessionUnknown) {
			writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if record.ArtifactPath != "" {
		if _, err := os.Stat(record.ArtifactPath); err == nil {
			w.Header().Set("Content-Type", liveContentType)
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", record.ID+".ogg"))
			http.ServeFile(w, r, record.ArtifactPath)
			return
		}
	}
	if record.ArtifactURL != "" {
		http.Redirect(w, r, record.ArtifactURL, http.StatusTemporaryRedirect)
		return
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("session %s has no artifact", id))
}
