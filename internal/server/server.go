package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"ripplecast/internal/api"
	"ripplecast/internal/ingest"
	"ripplecast/internal/models"
	"ripplecast/internal/observability/logging"
	"ripplecast/internal/observability/metrics"
	"ripplecast/internal/serverutil"
	"ripplecast/web"
)

// TLSConfig holds the certificate pair for serving HTTPS directly.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config assembles the HTTP server around the API handler and the ingest
// gateway.
type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	// ShutdownTimeout bounds graceful shutdown once Run's context ends.
	ShutdownTimeout time.Duration
}

// Server is the relay's HTTP front. It multiplexes the API, the ingest
// WebSocket, live pull streams, metrics, and the embedded capture page.
type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	rateLimiter     *rateLimiter
	tlsCertFile     string
	tlsKeyFile      string
	shutdownTimeout time.Duration
}

// New builds the route table and middleware chain. gateway may be nil when
// ingest is served elsewhere, for example in API-only test processes.
func New(handler *api.Handler, gateway *ingest.Gateway, cfg Config) (*Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.HandleFunc("/readyz", handler.Ready)
	mux.Handle("/metrics", metrics.Handler())
	if gateway != nil {
		mux.HandleFunc("/v1/ingest", gateway.HandleConnection)
	}
	mux.HandleFunc("/v1/live/", handler.Live)
	mux.HandleFunc("/v1/sessions", handler.Sessions)
	mux.HandleFunc("/v1/sessions/", handler.SessionByID)
	mux.HandleFunc("/v1/stats", handler.StatsSummary)
	mux.HandleFunc("/v1/keys", handler.RequireScope(models.ScopeAdmin, handler.Keys))
	mux.HandleFunc("/v1/keys/", handler.RequireScope(models.ScopeAdmin, handler.KeyByID))
	mux.HandleFunc("/v1/artifacts", handler.RequireScope(models.ScopeAdmin, handler.Artifacts))
	mux.HandleFunc("/v1/artifacts/", handler.RequireScope(models.ScopeAdmin, handler.ArtifactBySession))

	staticFS, err := web.Static()
	if err != nil {
		return nil, fmt.Errorf("load capture page assets: %w", err)
	}
	index, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		return nil, fmt.Errorf("read capture page index: %w", err)
	}
	fileServer := http.FileServer(http.FS(staticFS))
	mux.HandleFunc("/", capturePageHandler(staticFS, index, fileServer))

	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	rl := newRateLimiter(cfg.RateLimit)
	chain := http.Handler(mux)
	chain = rateLimitMiddleware(rl, cfg.Logger, chain)
	chain = metrics.HTTPMiddleware(chain)
	chain = corsMiddleware(corsPolicy, cfg.Logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = requestIDMiddleware(cfg.Logger, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: cfg.Logger})(chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No Read/Write timeouts: ingest WebSockets and live pull streams
		// stay open for the whole session. Liveness is enforced by the
		// gateway's ping/pong deadline and per-consumer eviction instead.
	}

	srv := &Server{
		httpServer:      httpServer,
		logger:          cfg.Logger,
		rateLimiter:     rl,
		tlsCertFile:     strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:      strings.TrimSpace(cfg.TLS.KeyFile),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully. ready is
// closed once the listener is accepting; it may be nil.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS: serverutil.TLSConfig{
			CertFile: s.tlsCertFile,
			KeyFile:  s.tlsKeyFile,
		},
		ShutdownTimeout: s.shutdownTimeout,
		Ready:           ready,
	})
}

// Handler exposes the assembled middleware chain for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown stops the server outside of Run's lifecycle.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// capturePageHandler serves the embedded microphone capture page: concrete
// asset paths come from the file server, everything else falls back to the
// index so the page owns its own client-side routes.
func capturePageHandler(staticFS fs.FS, index []byte, fileServer http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
			return
		}

		requested := strings.TrimPrefix(r.URL.Path, "/")
		if requested != "" {
			file, err := staticFS.Open(requested)
			if err == nil {
				defer file.Close()
				info, statErr := file.Stat()
				if statErr == nil && !info.IsDir() {
					fileServer.ServeHTTP(w, r)
					return
				}
				if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
					http.Error(w, statErr.Error(), http.StatusInternalServerError)
					return
				}
			} else if !errors.Is(err, fs.ErrNotExist) {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(index)
	}
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
