package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ripplecast/internal/relay"
)

const liveContentType = "audio/ogg"

// Live dispatches /v1/live/{sessionID} and /v1/live/{sessionID}/sdp.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/live/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("session id missing"))
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1:
		h.streamLive(w, r, id)
	case len(parts) == 2 && parts[1] == "sdp":
		h.sessionDescription(w, id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown live path"))
	}
}

// streamLive holds the response open and relays fanout chunks as they
// arrive: header-cache replay first, then live bytes. The response is never
// cacheable and has no length; clients read until the server ends the body.
func (h *Handler) streamLive(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := h.Manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
		return
	}
	consumer, err := sess.Subscribe()
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrNoFanoutLeg):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, relay.ErrStreamEnded):
			writeError(w, http.StatusGone, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	defer sess.Unsubscribe(consumer)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", liveContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case chunk := <-consumer.Chunks():
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		case <-consumer.Done():
			// Chunks buffered before the stream ended are still readable;
			// deliver them before ending the body.
			for {
				select {
				case chunk := <-consumer.Chunks():
					if _, err := w.Write(chunk); err != nil {
						return
					}
					flusher.Flush()
				default:
					return
				}
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) sessionDescription(w http.ResponseWriter, id string) {
	sess, ok := h.Manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
		return
	}
	descriptor, err := sess.SDP()
	if err != nil {
		if errors.Is(err, relay.ErrNoNetworkLeg) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(descriptor))
}
