package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"ripplecast/internal/api"
	"ripplecast/internal/engine"
	"ripplecast/internal/journal"
	"ripplecast/internal/models"
	"ripplecast/internal/relay"
	"ripplecast/internal/storage"
	"ripplecast/internal/testsupport/enginestub"
)

func newTestServer(t *testing.T, requireKey bool) (*Server, *storage.JSONRepository) {
	t.Helper()
	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("new json repository: %v", err)
	}
	queue := journal.NewMemoryQueue(16)
	stats := relay.NewStats()
	eng := engine.New(engine.Config{Binary: enginestub.Sink(t), Logger: discardLogger()})
	manager := relay.NewManager(eng, stats, queue, relay.ManagerConfig{
		ArtifactDir: t.TempDir(),
		DefaultLegs: []models.LegKind{models.LegDurable},
	}, discardLogger())
	t.Cleanup(func() { manager.Shutdown(relay.CloseReasonShutdown) })

	handler := api.NewHandler(manager, store, stats)
	handler.Logger = discardLogger()
	handler.RequireKey = requireKey

	srv, err := New(handler, nil, Config{Addr: "127.0.0.1:0", Logger: discardLogger()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, store
}

func TestServerServesHealthWithAmbientHeaders(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected request id header on every response")
	}
	if got := resp.Header.Get("Permissions-Policy"); !strings.Contains(got, "microphone=(self)") {
		t.Fatalf("expected microphone permission for capture page, got %q", got)
	}
	if got := resp.Header.Get("Content-Security-Policy"); !strings.Contains(got, "ws:") {
		t.Fatalf("expected WebSocket schemes in CSP, got %q", got)
	}
}

func TestServerGuardsAdminRoutes(t *testing.T) {
	srv, store := newTestServer(t, true)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/v1/keys")
	if err != nil {
		t.Fatalf("get keys: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated keys status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	key, token, err := storage.NewIngestKey("ops", []models.KeyScope{models.ScopeAdmin})
	if err != nil {
		t.Fatalf("mint admin key: %v", err)
	}
	if err := store.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("store admin key: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/keys", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("get keys with token: %v", err)
	}
	_ = authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("authenticated keys status = %d, want %d", authed.StatusCode, http.StatusOK)
	}
}

func TestServerServesCapturePage(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get capture page: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read capture page: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture page status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected content type: %q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), "Ripplecast capture") {
		t.Fatal("expected capture page markup")
	}

	asset, err := ts.Client().Get(ts.URL + "/app.js")
	if err != nil {
		t.Fatalf("get capture script: %v", err)
	}
	script, err := io.ReadAll(asset.Body)
	_ = asset.Body.Close()
	if err != nil {
		t.Fatalf("read capture script: %v", err)
	}
	if asset.StatusCode != http.StatusOK || len(script) == 0 {
		t.Fatalf("capture script status = %d, %d bytes", asset.StatusCode, len(script))
	}
}

func TestServerFallsBackToIndexForUnknownPaths(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/no/such/page")
	if err != nil {
		t.Fatalf("get unknown path: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read fallback body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fallback status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(string(body), "Ripplecast capture") {
		t.Fatal("expected index fallback for unknown path")
	}
}

func TestServerServesMetrics(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(string(body), "ripplecast_") {
		t.Fatal("expected relay metrics in exposition output")
	}
}

func TestServerRunShutsDownOnContextCancel(t *testing.T) {
	srv, _ := newTestServer(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx, ready)
	}()

	<-ready
	cancel()

	if err := <-errCh; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}
