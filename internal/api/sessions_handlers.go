package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"ripplecast/internal/models"
	"ripplecast/internal/relay"
	"ripplecast/internal/storage"
)

// sessionResponse is a session record plus whether the session is currently
// held by the relay manager.
type sessionResponse struct {
	models.SessionRecord
	Live bool `json:"live"`
}

type sessionStatsResponse struct {
	SessionID      string                    `json:"sessionId"`
	State          models.SessionState       `json:"state"`
	BytesReceived  uint64                    `json:"bytesReceived"`
	BytesForwarded map[models.LegKind]uint64 `json:"bytesForwarded,omitempty"`
	ChunksDropped  uint64                    `json:"chunksDropped"`
	PeakConsumers  int                       `json:"peakConsumers"`
	Live           bool                      `json:"live"`
}

// Sessions lists live sessions merged with journaled ones, newest first.
// Optional query parameters: state (lifecycle filter) and limit.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}

	var query storage.SessionQuery
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, err := models.ParseSessionState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		query.State = state
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		query.Limit = limit
	}

	responses := []sessionResponse{}
	seen := map[string]struct{}{}
	if h.Manager != nil {
		for _, sess := range h.Manager.List() {
			record := sess.Record()
			if query.State != "" && record.State != query.State {
				continue
			}
			seen[record.ID] = struct{}{}
			responses = append(responses, sessionResponse{SessionRecord: record, Live: true})
		}
	}
	if h.Store != nil {
		stored, err := h.Store.ListSessions(r.Context(), query)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, record := range stored {
			if _, dup := seen[record.ID]; dup {
				continue
			}
			responses = append(responses, sessionResponse{SessionRecord: record})
		}
	}

	sort.Slice(responses, func(i, j int) bool {
		if responses[i].StartedAt.Equal(responses[j].StartedAt) {
			return responses[i].ID < responses[j].ID
		}
		return responses[i].StartedAt.After(responses[j].StartedAt)
	})
	if query.Limit > 0 && len(responses) > query.Limit {
		responses = responses[:query.Limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": responses})
}

// SessionByID dispatches /v1/sessions/{id} and /v1/sessions/{id}/stats.
// Detail and stats are public; DELETE force-closes a live session and needs
// the admin scope.
func (h *Handler) SessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("session id missing"))
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			h.sessionDetail(w, r, id)
		case http.MethodDelete:
			if !h.authorized(w, r, models.ScopeAdmin) {
				return
			}
			h.closeSession(w, id)
		default:
			methodNotAllowed(w, r, "GET, DELETE")
		}
	case len(parts) == 2 && parts[1] == "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
		h.sessionStats(w, r, id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session path"))
	}
}

func (h *Handler) sessionDetail(w http.ResponseWriter, r *http.Request, id string) {
	record, live, err := h.lookupSession(r, id)
	if err != nil {
		if errors.Is(err, storage.ErrSessionUnknown) {
			writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionRecord: record, Live: live})
}

func (h *Handler) sessionStats(w http.ResponseWriter, r *http.Request, id string) {
	record, live, err := h.lookupSession(r, id)
	if err != nil {
		if errors.Is(err, storage.ErrSessionUnknown) {
			writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionStatsResponse{
		SessionID:      record.ID,
		State:          record.State,
		BytesReceived:  record.BytesReceived,
		BytesForwarded: record.BytesForwarded,
		ChunksDropped:  record.ChunksDropped,
		PeakConsumers:  record.PeakConsumers,
		Live:           live,
	})
}

// lookupSession prefers the live registry and falls back to the journal.
func (h *Handler) lookupSession(r *http.Request, id string) (models.SessionRecord, bool, error) {
	if h.Manager != nil {
		if sess, ok := h.Manager.Get(id); ok {
			return sess.Record(), true, nil
		}
	}
	if h.Store == nil {
		return models.SessionRecord{}, false, storage.ErrSessionUnknown
	}
	record, err := h.Store.GetSession(r.Context(), id)
	return record, false, err
}

func (h *Handler) closeSession(w http.ResponseWriter, id string) {
	err := h.Manager.CloseSession(id, relay.CloseReasonAdmin)
	if errors.Is(err, relay.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s is not live", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"sessionId": id,
		"status":    "closing",
	})
}

type statsResponse struct {
	relay.StatsSnapshot
	ActiveSessions int `json:"activeSessions"`
}

// StatsSummary reports the current throughput window plus the live session
// count.
func (h *Handler) StatsSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	resp := statsResponse{}
	if h.Stats != nil {
		resp.StatsSnapshot = h.Stats.Snapshot()
	}
	if h.Manager != nil {
		resp.ActiveSessions = h.Manager.ActiveCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
