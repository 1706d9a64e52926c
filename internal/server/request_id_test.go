package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"ripplecast/internal/observability/logging"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestIDMiddlewarePreservesIncomingID(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(discardLogger(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Fatalf("expected request id to be preserved, got %q", requestID)
		}
		sessionID, _ := logging.SessionIDFromContext(r.Context())
		if sessionID != "sess-123" {
			t.Fatalf("expected session id %q, got %q", "sess-123", sessionID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")
	req.Header.Set("X-Session-Id", "sess-123")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", got)
	}
}

func TestRequestIDMiddlewareGeneratesIDWhenAbsent(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(discardLogger(), func() string { return "fresh-id" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := logging.RequestIDFromContext(r.Context())
		if !ok || requestID != "fresh-id" {
			t.Fatalf("expected generated request id, got %q", requestID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))

	if got := rec.Header().Get("X-Request-Id"); got != "fresh-id" {
		t.Fatalf("expected generated id in response header, got %q", got)
	}
}

func TestRequestIDMiddlewareSeedsContextLogger(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddleware(discardLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logging.LoggerFromContext(r.Context()) == nil {
			t.Fatal("expected context logger to be set")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a request id to be generated")
	}
}
