package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"ripplecast/internal/api"
	"ripplecast/internal/relay"
	"ripplecast/internal/testsupport/enginestub"
)

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	if token := api.ExtractToken(req); token != "" {
		t.Fatalf("token = %q, want empty", token)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer  abc.def ")
	if token := api.ExtractToken(req); token != "abc.def" {
		t.Fatalf("token = %q, want abc.def", token)
	}

	// A non-bearer Authorization header falls through to the query param.
	req = httptest.NewRequest(http.MethodGet, "/v1/sessions?key=query.token", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if token := api.ExtractToken(req); token != "query.token" {
		t.Fatalf("token = %q, want query.token", token)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions?key=query.token", nil)
	if token := api.ExtractToken(req); token != "query.token" {
		t.Fatalf("token = %q, want query.token", token)
	}
}

func TestRequireScopeOpenWhenKeylessMode(t *testing.T) {
	fixture := newFixture(t, enginestub.Sink(t), relay.ManagerConfig{})
	called := false
	guarded := fixture.handler.RequireScope("admin", func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	guarded(rec, httptest.NewRequest(http.MethodGet, "/v1/keys", nil))
	if !called || rec.Code != http.StatusNoContent {
		t.Fatalf("handler called=%t status=%d, want pass-through", called, rec.Code)
	}
}

func TestIngestAuthorizer(t *testing.T) {
	fixture := newFixture(t, enginestub.Sink(t), relay.ManagerConfig{})
	if auth := fixture.handler.IngestAuthorizer(); auth != nil {
		t.Fatal("authorizer should be nil in keyless mode")
	}

	fixture.handler.RequireKey = true
	auth := fixture.handler.IngestAuthorizer()
	if auth == nil {
		t.Fatal("authorizer missing with RequireKey set")
	}
	if err := auth.Authorize(context.Background(), ""); err == nil {
		t.Fatal("empty token admitted")
	}
	if err := auth.Authorize(context.Background(), "bogus.token"); err == nil {
		t.Fatal("unknown token admitted")
	}

	ingestToken := fixture.ingestToken(t)
	if err := auth.Authorize(context.Background(), ingestToken); err != nil {
		t.Fatalf("ingest token rejected: %v", err)
	}

	// Admin keys imply the ingest scope.
	adminToken := fixture.adminToken(t)
	if err := auth.Authorize(context.Background(), adminToken); err != nil {
		t.Fatalf("admin token rejected for ingest: %v", err)
	}
}
