package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testArtifactStore(t *testing.T, serverURL string, mutate func(*ObjectStorageConfig)) *ArtifactStore {
	t.Helper()
	endpoint, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	cfg := ObjectStorageConfig{
		Endpoint:  endpoint.Host,
		Region:    "us-east-1",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		Bucket:    "recordings",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := NewArtifactStore(cfg)
	if err != nil {
		t.Fatalf("NewArtifactStore: %v", err)
	}
	return store
}

func writeTestArtifact(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func TestArtifactStoreDisabledWhenUnconfigured(t *testing.T) {
	store, err := NewArtifactStore(ObjectStorageConfig{})
	if err != nil {
		t.Fatalf("NewArtifactStore: %v", err)
	}
	if store.Enabled() {
		t.Fatal("empty config must yield a disabled store")
	}
	var nilStore *ArtifactStore
	if nilStore.Enabled() {
		t.Fatal("nil store must report disabled")
	}
	if _, err := store.UploadFile(context.Background(), "k", "audio/ogg", "/nope"); err == nil {
		t.Fatal("upload on a disabled store must fail")
	}
	if err := store.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("delete on a disabled store must be a no-op, got %v", err)
	}
}

func TestArtifactStoreRequiresCredentials(t *testing.T) {
	_, err := NewArtifactStore(ObjectStorageConfig{
		Endpoint: "minio.internal:9000",
		Bucket:   "recordings",
	})
	if err == nil {
		t.Fatal("expected error when credentials are missing")
	}
}

func TestArtifactStoreUploadSignsRequest(t *testing.T) {
	var captured *http.Request
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		captured = r.Clone(context.Background())
		body = payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := testArtifactStore(t, server.URL, nil)
	path := writeTestArtifact(t, "sess.ogg", "opus payload")

	location, err := store.UploadFile(context.Background(), "sess.ogg", "audio/ogg", path)
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if location.Key != "sess.ogg" {
		t.Fatalf("unexpected key %q", location.Key)
	}
	if captured == nil {
		t.Fatal("server saw no request")
	}
	if captured.Method != http.MethodPut || captured.URL.Path != "/recordings/sess.ogg" {
		t.Fatalf("unexpected request %s %s", captured.Method, captured.URL.Path)
	}
	if string(body) != "opus payload" {
		t.Fatalf("unexpected body %q", body)
	}
	if got := captured.Header.Get("x-amz-content-sha256"); got != unsignedPayloadHash {
		t.Fatalf("expected UNSIGNED-PAYLOAD, got %q", got)
	}
	if captured.Header.Get("x-amz-date") == "" {
		t.Fatal("x-amz-date header missing")
	}
	auth := captured.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/") {
		t.Fatalf("unexpected authorization %q", auth)
	}
	if !strings.Contains(auth, "SignedHeaders=") || !strings.Contains(auth, "host") {
		t.Fatalf("host must be a signed header: %q", auth)
	}
	// No public endpoint configured, so the location falls back to the
	// bucket URL.
	if !strings.HasSuffix(location.URL, "/recordings/sess.ogg") {
		t.Fatalf("unexpected location url %q", location.URL)
	}
}

func TestArtifactStoreUploadRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "access denied", http.StatusForbidden)
	}))
	defer server.Close()

	store := testArtifactStore(t, server.URL, nil)
	path := writeTestArtifact(t, "sess.ogg", "x")

	if _, err := store.UploadFile(context.Background(), "sess.ogg", "audio/ogg", path); err == nil {
		t.Fatal("expected error for 403 response")
	} else if !strings.Contains(err.Error(), "403") {
		t.Fatalf("error should carry the status, got %v", err)
	}
}

func TestArtifactStoreDeleteToleratesMissingObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method %s", r.Method)
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	store := testArtifactStore(t, server.URL, nil)
	if err := store.Delete(context.Background(), "gone.ogg"); err != nil {
		t.Fatalf("404 on delete must not be an error, got %v", err)
	}
}

func TestArtifactStoreAppliesPrefix(t *testing.T) {
	store := testArtifactStore(t, "http://minio.internal:9000", func(cfg *ObjectStorageConfig) {
		cfg.Prefix = "/artifacts/"
	})
	cases := map[string]string{
		"sess.ogg":           "artifacts/sess.ogg",
		"/sess.ogg":          "artifacts/sess.ogg",
		"artifacts/sess.ogg": "artifacts/sess.ogg",
		"":                   "artifacts",
	}
	for in, want := range cases {
		if got := store.applyPrefix(in); got != want {
			t.Fatalf("applyPrefix(%q) = %q, want %q", in, got, want)
		}
	}
	if got := store.objectURL("artifacts/sess.ogg").String(); got != "http://minio.internal:9000/recordings/artifacts/sess.ogg" {
		t.Fatalf("unexpected object url %q", got)
	}
}

func TestArtifactStorePublicURL(t *testing.T) {
	store := testArtifactStore(t, "http://minio.internal:9000", func(cfg *ObjectStorageConfig) {
		cfg.PublicEndpoint = "https://cdn.example.com/media/"
	})
	if got := store.publicURL("sess.ogg"); got != "https://cdn.example.com/media/sess.ogg" {
		t.Fatalf("unexpected public url %q", got)
	}

	fallback := testArtifactStore(t, "http://minio.internal:9000", nil)
	if got := fallback.publicURL("sess.ogg"); got != "http://minio.internal:9000/recordings/sess.ogg" {
		t.Fatalf("unexpected fallback url %q", got)
	}
}

