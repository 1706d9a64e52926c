package storage

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ripplecast/internal/journal"
	"ripplecast/internal/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJournalWorkerAppliesLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	queue := journal.NewMemoryQueue(16)
	worker := NewJournalWorker(repo, queue, nil, quietLogger())

	started := time.Now().UTC().Truncate(time.Millisecond)
	if err := worker.apply(ctx, journal.Event{
		Type:       journal.EventSessionAdmitted,
		SessionID:  "sess-1",
		OccurredAt: started,
	}); err != nil {
		t.Fatalf("apply admitted: %v", err)
	}
	record, err := repo.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.State != models.StateAdmitted || !record.StartedAt.Equal(started) {
		t.Fatalf("unexpected admitted record: %+v", record)
	}

	if err := worker.apply(ctx, journal.Event{
		Type:       journal.EventSessionPiped,
		SessionID:  "sess-1",
		OccurredAt: started.Add(time.Millisecond),
	}); err != nil {
		t.Fatalf("apply piped: %v", err)
	}
	record, err = repo.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.State != models.StatePiped {
		t.Fatalf("expected piped state, got %q", record.State)
	}
	if !record.StartedAt.Equal(started) {
		t.Fatal("piped event must not rewrite the admission time")
	}

	if err := worker.apply(ctx, journal.Event{
		Type:      journal.EventLegFailed,
		SessionID: "sess-1",
		Leg:       models.LegNetwork,
		Error:     "exit status 1",
	}); err != nil {
		t.Fatalf("apply leg_failed: %v", err)
	}

	final := closedRecord("sess-1", started)
	if err := worker.apply(ctx, journal.Event{
		Type:      journal.EventSessionClosed,
		SessionID: "sess-1",
		Record:    &final,
	}); err != nil {
		t.Fatalf("apply closed: %v", err)
	}
	record, err = repo.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.State != models.StateClosed || record.BytesReceived != 8192 {
		t.Fatalf("closed record not persisted: %+v", record)
	}

	if err := worker.apply(ctx, journal.Event{
		Type:      journal.EventSessionClosed,
		SessionID: "sess-2",
	}); err == nil {
		t.Fatal("expected error for closed event without record")
	}
}

func TestJournalWorkerRunDrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := newTestRepo(t)
	queue := journal.NewMemoryQueue(16)
	worker := NewJournalWorker(repo, queue, nil, quietLogger())

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	// SaveSession is an upsert, so republishing until the record shows up
	// sidesteps the race between Publish and the worker's subscription.
	event := journal.Event{
		Type:       journal.EventSessionAdmitted,
		SessionID:  "sess-run",
		OccurredAt: time.Now().UTC(),
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := queue.Publish(ctx, event); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if _, err := repo.GetSession(ctx, "sess-run"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never applied the published event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancellation")
	}
}

func TestJournalWorkerAppliesEventsBufferedAtStop(t *testing.T) {
	repo := newTestRepo(t)
	queue := journal.NewMemoryQueue(16)
	worker := NewJournalWorker(repo, queue, nil, quietLogger())

	sub := queue.Subscribe()
	defer sub.Close()

	final := closedRecord("sess-buffered", time.Now().UTC())
	if err := queue.Publish(context.Background(), journal.Event{
		Type:      journal.EventSessionClosed,
		SessionID: "sess-buffered",
		Record:    &final,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The closed event sits in the subscription buffer, as when a shutdown
	// sweep publishes after the worker's context is cancelled.
	worker.drain(sub)

	record, err := repo.GetSession(context.Background(), "sess-buffered")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.State != models.StateClosed {
		t.Fatalf("buffered closed event not persisted: %+v", record)
	}
}

func TestJournalWorkerPersistsCloseBeforeRunReturns(t *testing.T) {
	repo := newTestRepo(t)
	queue := journal.NewMemoryQueue(16)
	worker := NewJournalWorker(repo, queue, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	// Republish until the worker's own subscription is live.
	admitted := journal.Event{
		Type:       journal.EventSessionAdmitted,
		SessionID:  "sess-final",
		OccurredAt: time.Now().UTC(),
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := queue.Publish(ctx, admitted); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if _, err := repo.GetSession(ctx, "sess-final"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never applied the published event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	final := closedRecord("sess-final", admitted.OccurredAt)
	if err := queue.Publish(ctx, journal.Event{
		Type:      journal.EventSessionClosed,
		SessionID: "sess-final",
		Record:    &final,
	}); err != nil {
		t.Fatalf("Publish closed: %v", err)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancellation")
	}
	record, err := repo.GetSession(context.Background(), "sess-final")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.State != models.StateClosed {
		t.Fatalf("close published before stop was lost: %+v", record)
	}
}

func TestJournalWorkerOffloadsArtifact(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	queue := journal.NewMemoryQueue(16)

	var (
		mu       sync.Mutex
		gotPath  string
		gotBody  []byte
		gotSHA   string
		gotAuth  string
		gotCType string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		mu.Lock()
		gotPath = r.URL.Path
		gotBody = body
		gotSHA = r.Header.Get("x-amz-content-sha256")
		gotAuth = r.Header.Get("Authorization")
		gotCType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	endpoint, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	store, err := NewArtifactStore(ObjectStorageConfig{
		Endpoint:       endpoint.Host,
		Region:         "us-east-1",
		AccessKey:      "AKIDEXAMPLE",
		SecretKey:      "secret",
		Bucket:         "recordings",
		Prefix:         "artifacts",
		PublicEndpoint: "https://cdn.example.com",
	})
	if err != nil {
		t.Fatalf("NewArtifactStore: %v", err)
	}

	artifactPath := filepath.Join(t.TempDir(), "sess-2.ogg")
	if err := os.WriteFile(artifactPath, []byte("OggS fake recording"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	sub := queue.Subscribe()
	defer sub.Close()

	worker := NewJournalWorker(repo, queue, store, quietLogger())
	record := closedRecord("sess-2", time.Now().UTC())
	record.ArtifactPath = artifactPath
	if err := worker.apply(ctx, journal.Event{
		Type:      journal.EventSessionClosed,
		SessionID: "sess-2",
		Record:    &record,
	}); err != nil {
		t.Fatalf("apply closed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/recordings/artifacts/sess-2.ogg" {
		t.Fatalf("unexpected upload path %q", gotPath)
	}
	if string(gotBody) != "OggS fake recording" {
		t.Fatalf("unexpected upload body %q", gotBody)
	}
	if gotSHA != unsignedPayloadHash {
		t.Fatalf("expected unsigned payload hash, got %q", gotSHA)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/") ||
		!strings.Contains(gotAuth, "/us-east-1/s3/aws4_request") {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotCType != artifactContentType {
		t.Fatalf("unexpected content type %q", gotCType)
	}

	stored, err := repo.GetSession(ctx, "sess-2")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.ArtifactURL != "https://cdn.example.com/artifacts/sess-2.ogg" {
		t.Fatalf("artifact url not recorded: %q", stored.ArtifactURL)
	}

	select {
	case evt := <-sub.Events():
		if evt.Type != journal.EventArtifactOffloaded || evt.SessionID != "sess-2" {
			t.Fatalf("unexpected event %+v", evt)
		}
		if evt.ArtifactURL != stored.ArtifactURL {
			t.Fatalf("offload event url %q does not match record", evt.ArtifactURL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an artifact.offloaded event")
	}
}

func TestJournalWorkerSkipsOffloadWhenDisabled(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	queue := journal.NewMemoryQueue(16)

	store, err := NewArtifactStore(ObjectStorageConfig{})
	if err != nil {
		t.Fatalf("NewArtifactStore: %v", err)
	}
	worker := NewJournalWorker(repo, queue, store, quietLogger())

	record := closedRecord("sess-3", time.Now().UTC())
	if err := worker.apply(ctx, journal.Event{
		Type:      journal.EventSessionClosed,
		SessionID: "sess-3",
		Record:    &record,
	}); err != nil {
		t.Fatalf("apply closed: %v", err)
	}
	stored, err := repo.GetSession(ctx, "sess-3")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.ArtifactURL != "" {
		t.Fatalf("disabled store must not set an artifact url, got %q", stored.ArtifactURL)
	}
}
