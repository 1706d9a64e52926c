package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"ripplecast/internal/api"
	"ripplecast/internal/engine"
	"ripplecast/internal/journal"
	"ripplecast/internal/models"
	"ripplecast/internal/relay"
	"ripplecast/internal/storage"
	"ripplecast/internal/testsupport/enginestub"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	handler *api.Handler
	manager *relay.Manager
	store   *storage.JSONRepository
	stats   *relay.Stats
	queue   journal.Queue
}

func newFixture(t *testing.T, binary string, cfg relay.ManagerConfig) *fixture {
	t.Helper()
	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "journal.json"))
	if err != nil {
		t.Fatalf("new json repository: %v", err)
	}
	queue := journal.NewMemoryQueue(32)
	stats := relay.NewStats()
	eng := engine.New(engine.Config{Binary: binary, Logger: quietLogger()})
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = t.TempDir()
	}
	if len(cfg.DefaultLegs) == 0 {
		cfg.DefaultLegs = []models.LegKind{models.LegDurable}
	}
	manager := relay.NewManager(eng, stats, queue, cfg, quietLogger())
	t.Cleanup(func() { manager.Shutdown(relay.CloseReasonShutdown) })

	handler := api.NewHandler(manager, store, stats)
	handler.Logger = quietLogger()
	return &fixture{handler: handler, manager: manager, store: store, stats: stats, queue: queue}
}

func (f *fixture) startSession(t *testing.T, req relay.StartRequest) *relay.Session {
	t.Helper()
	if req.Source.Format == "" {
		req.Source.Format = models.FormatContainerOgg
	}
	sess, err := f.manager.StartSession(context.Background(), req)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return sess
}

// adminToken mints an admin-scoped key directly in the repository and returns
// its plaintext token.
func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	key, token, err := storage.NewIngestKey("ops", []models.KeyScope{models.ScopeAdmin})
	if err != nil {
		t.Fatalf("mint admin key: %v", err)
	}
	if err := f.store.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("store admin key: %v", err)
	}
	return token
}

func (f *fixture) ingestToken(t *testing.T) string {
	t.Helper()
	key, token, err := storage.NewIngestKey("producer", []models.KeyScope{models.ScopeIngest})
	if err != nil {
		t.Fatalf("mint ingest key: %v", err)
	}
	if err := f.store.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("store ingest key: %v", err)
	}
	return token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// pingFailStore wraps a repository with a Ping that always fails.
type pingFailStore struct {
	storage.Repository
}

func (pingFailStore) Ping(context.Context) error {
	return errors.New("datastore offline")
}

func TestHealthReportsDependencies(t *testing.T) {
	fixture := newFixture(t, enginestub.Sink(t), relay.ManagerConfig{})

	rec := httptest.NewRecorder()
	fixture.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var payload struct {
		Status         string            `json:"status"`
		Checks         map[string]string `json:"checks"`
		ActiveSessions int               `json:"activeSessions"`
	}
	decodeBody(t, rec, &payload)
	if payload.Status != "ok" {
		t.Fatalf("status = %q, want ok", payload.Status)
	}
	if payload.Checks["storage"] != "ok" {
		t.Fatalf("storage check = %q, want ok", payload.Checks["storage"])
	}
	if payload.ActiveSessions != 0 {
		t.Fatalf("active sessions = %d, want 0", payload.ActiveSessions)
	}

	rec = httptest.NewRecorder()
	fixture.handler.Health(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET" {
		t.Fatalf("Allow = %q, want GET", allow)
	}
}

func TestHealthDegradesWhenStorageUnreachable(t *testing.T) {
	fixture := newFixture(t, enginestub.Sink(t), relay.ManagerConfig{})
	fixture.handler.Store = pingFailStore{fixture.store}

	rec := httptest.NewRecorder()
	fixture.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var payload struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, rec, &payload)
	if payload.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", payload.Status)
	}
	if payload.Checks["storage"] != "unreachable" {
		t.Fatalf("storage check = %q, want unreachable", payload.Checks["storage"])
	}
}

func TestReadyGatesOnStorage(t *testing.T) {
	fixture := newFixture(t, enginestub.Sink(t), relay.ManagerConfig{})

	rec := httptest.NewRecorder()
	fixture.handler.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	fixture.handler.Store = pingFailStore{fixture.store}
	rec = httptest.NewRecorder()
	fixture.handler.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
