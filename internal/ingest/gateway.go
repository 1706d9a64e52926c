// Package ingest accepts producer WebSocket connections and bridges them into
// relay sessions. Each connection carries exactly one session: binary frames
// are audio chunks for the session's legs, text frames are JSON control
// commands, and ping/pong traffic doubles as the liveness probe.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ripplecast/internal/engine"
	"ripplecast/internal/models"
	"ripplecast/internal/relay"
)

// Close codes in the private 4000-4999 range report admission failures to the
// capture page before any session resources exist.
const (
	// CloseBadParams rejects a handshake whose query parameters do not
	// describe a startable session.
	CloseBadParams = 4400
	// CloseUnauthorized rejects a handshake with a missing or invalid
	// ingest credential.
	CloseUnauthorized = 4403
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	writeWait                = 10 * time.Second
	closeReasonLimit         = 120
)

// DefaultMaxFrameBytes is the inbound WebSocket frame cap applied when
// GatewayConfig.MaxFrameBytes is zero. Callers raising the relay chunk cap
// above this must raise the frame cap with it.
const DefaultMaxFrameBytes = 2 << 20

// Authorizer admits or rejects an ingest credential. The token arrives
// already extracted from the Authorization header or the key query parameter.
type Authorizer interface {
	Authorize(ctx context.Context, token string) error
}

// AuthorizerFunc adapts a plain function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, token string) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, token string) error {
	return f(ctx, token)
}

// GatewayConfig configures an ingest Gateway.
type GatewayConfig struct {
	Manager *relay.Manager
	// Auth gates admission. When nil every connection is admitted.
	Auth   Authorizer
	Logger *slog.Logger
	// HeartbeatInterval controls how often the gateway sends WebSocket ping
	// frames to the producer. A pong must arrive within twice the interval
	// or the session is torn down. A zero value selects the default.
	HeartbeatInterval time.Duration
	// MaxFrameBytes caps a single inbound WebSocket frame. The default sits
	// above the relay chunk cap so oversized chunks are dropped by the
	// session instead of killing the connection.
	MaxFrameBytes int64
}

// Gateway upgrades producer connections and runs them against the relay
// manager.
type Gateway struct {
	manager   *relay.Manager
	auth      Authorizer
	logger    *slog.Logger
	heartbeat time.Duration
	maxFrame  int64
	upgrader  websocket.Upgrader
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	maxFrame := cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Gateway{
		manager:   cfg.Manager,
		auth:      cfg.Auth,
		logger:    logger,
		heartbeat: heartbeat,
		maxFrame:  maxFrame,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 4 << 10,
			// The capture page may be served from another origin. Admission
			// is gated by the bearer credential, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and runs the producer session until
// either side ends it. Admission failures close the socket with a 44xx code
// before any leg subprocess is spawned.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Debug("websocket upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	req, err := parseStartRequest(r.URL.Query())
	if err != nil {
		g.reject(conn, CloseBadParams, err.Error())
		return
	}
	if g.auth != nil {
		if err := g.auth.Authorize(r.Context(), bearerToken(r)); err != nil {
			g.logger.Warn("ingest credential rejected", "remote", r.RemoteAddr, "error", err)
			g.reject(conn, CloseUnauthorized, "invalid ingest credential")
			return
		}
	}

	sess, err := g.manager.StartSession(r.Context(), req)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, relay.ErrSessionLimit) || errors.Is(err, relay.ErrManagerClosed) {
			code = websocket.CloseTryAgainLater
		}
		g.reject(conn, code, err.Error())
		return
	}

	logger := g.logger.With("session_id", sess.ID())
	logger.Info("producer connected",
		"remote", r.RemoteAddr,
		"format", req.Source.Format,
	)

	// Tell the producer its session ID before any pings go out, so the
	// capture page can link listeners to /v1/live/{id}. Sent before the
	// write loop starts; writes are still single-goroutine at this point.
	hello, _ := json.Marshal(map[string]string{"event": "admitted", "sessionId": sess.ID()})
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, hello)
	_ = conn.SetWriteDeadline(time.Time{})

	pongWait := 2 * g.heartbeat
	conn.SetReadLimit(g.maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writerDone := make(chan struct{})
	go g.writeLoop(conn, sess, writerDone)

	reason := g.readLoop(conn, sess, logger)
	sess.Close(reason)
	<-writerDone
	logger.Info("producer disconnected", "reason", sess.Record().CloseReason)
}

// readLoop consumes producer frames until the connection fails or a stop
// command arrives, and reports the close reason the session should record.
func (g *Gateway) readLoop(conn *websocket.Conn, sess *relay.Session, logger *slog.Logger) string {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return closeReasonFor(err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			sess.Ingest(payload)
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				logger.Debug("discarding malformed control frame", "error", err)
				continue
			}
			switch msg.Action {
			case "stop":
				return relay.CloseReasonClient
			default:
				logger.Debug("ignoring unknown control action", "action", msg.Action)
			}
		}
	}
}

// writeLoop owns all outbound traffic: periodic pings, and the close frame
// once the session ends. Running it on a single goroutine keeps writes
// serialised as the WebSocket protocol requires.
func (g *Gateway) writeLoop(conn *websocket.Conn, sess *relay.Session, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		case <-sess.Closed():
			payload := websocket.FormatCloseMessage(websocket.CloseNormalClosure, sess.Record().CloseReason)
			_ = conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
	}
}

// reject sends a close frame with the given code and drops the connection.
func (g *Gateway) reject(conn *websocket.Conn, code int, reason string) {
	if len(reason) > closeReasonLimit {
		reason = reason[:closeReasonLimit]
	}
	payload := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(writeWait))
	_ = conn.Close()
}

// controlMessage is the JSON payload of a text frame from the producer.
type controlMessage struct {
	Action string `json:"action"`
}

// parseStartRequest translates handshake query parameters into an admission
// request. Absent parameters fall back to the manager defaults.
func parseStartRequest(q url.Values) (relay.StartRequest, error) {
	format := q.Get("format")
	if format == "" {
		format = string(models.FormatContainerWebM)
	}
	parsed, err := models.ParseSourceFormat(format)
	if err != nil {
		return relay.StartRequest{}, err
	}
	source := engine.SourceSpec{Format: parsed}
	if source.SampleRate, err = intParam(q, "rate"); err != nil {
		return relay.StartRequest{}, err
	}
	if source.Channels, err = intParam(q, "channels"); err != nil {
		return relay.StartRequest{}, err
	}
	if err := source.Validate(); err != nil {
		return relay.StartRequest{}, err
	}
	req := relay.StartRequest{Source: source}
	if legs := q.Get("legs"); legs != "" {
		if req.Legs, err = models.ParseLegKinds(legs); err != nil {
			return relay.StartRequest{}, err
		}
	}
	return req, nil
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("parameter %s must be a positive integer", name)
	}
	return value, nil
}

// bearerToken extracts the ingest credential from the Authorization header,
// falling back to the key query parameter for browser clients that cannot set
// headers on a WebSocket handshake.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("key")
}

// closeReasonFor classifies a read error into the close reason recorded on
// the session. Deadline errors mean the producer stopped answering pings.
func closeReasonFor(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return relay.CloseReasonTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return relay.CloseReasonClient
	}
	return relay.CloseReasonError
}
