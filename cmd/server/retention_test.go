package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ripplecast/internal/models"
)

type fakePruner struct {
	mu      sync.Mutex
	calls   int
	records []models.SessionRecord
}

func (f *fakePruner) PruneSessions(ctx context.Context, endedBefore time.Time) ([]models.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	records := f.records
	f.records = nil
	return records, nil
}

func (f *fakePruner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRemover struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeRemover) Enabled() bool { return true }

func (f *fakeRemover) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeRemover) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type manualTicker struct {
	ch chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

func TestRetentionWorkerSweepsOnTick(t *testing.T) {
	dir := t.TempDir()
	recording := filepath.Join(dir, "sess-1.ogg")
	if err := os.WriteFile(recording, []byte("ogg"), 0o644); err != nil {
		t.Fatalf("write recording: %v", err)
	}

	pruner := &fakePruner{records: []models.SessionRecord{{
		ID:           "sess-1",
		ArtifactPath: recording,
		ArtifactURL:  "http://objects.example/ripplecast/sess-1.ogg",
	}}}
	remover := &fakeRemover{}
	ticker := &manualTicker{ch: make(chan time.Time, 1)}

	stop := startRetentionWorkerWithTicker(context.Background(), nil, pruner, remover, time.Hour, time.Minute,
		func(time.Duration) retentionTicker { return ticker })
	defer stop()

	ticker.ch <- time.Now()
	waitFor(t, func() bool { return pruner.callCount() == 1 })
	waitFor(t, func() bool { return len(remover.deleted()) == 1 })

	if _, err := os.Stat(recording); !os.IsNotExist(err) {
		t.Fatalf("recording still exists after sweep: %v", err)
	}
	if got := remover.deleted()[0]; got != "sess-1.ogg" {
		t.Fatalf("deleted object key = %q, want %q", got, "sess-1.ogg")
	}
}

func TestRetentionWorkerStopIsIdempotent(t *testing.T) {
	pruner := &fakePruner{}
	ticker := &manualTicker{ch: make(chan time.Time)}
	stop := startRetentionWorkerWithTicker(context.Background(), nil, pruner, nil, time.Hour, time.Minute,
		func(time.Duration) retentionTicker { return ticker })

	stop()
	stop()

	if pruner.callCount() != 0 {
		t.Fatalf("pruner ran %d times without a tick", pruner.callCount())
	}
}

func TestRetentionWorkerDisabledWithoutAge(t *testing.T) {
	stop := startRetentionWorker(context.Background(), nil, &fakePruner{}, nil, 0, time.Minute)
	stop()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
