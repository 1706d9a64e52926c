package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"ripplecast/internal/models"
	"ripplecast/internal/storage"
)

// sessionPruner is the slice of storage.Repository the retention worker needs.
type sessionPruner interface {
	PruneSessions(ctx context.Context, endedBefore time.Time) ([]models.SessionRecord, error)
}

// artifactRemover deletes offloaded recordings; *storage.ArtifactStore
// satisfies it and reports Enabled false when offload is not configured.
type artifactRemover interface {
	Enabled() bool
	Delete(ctx context.Context, key string) error
}

type retentionTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) retentionTicker

// startRetentionWorker prunes journal rows past the configured age on every
// sweep, removing each pruned session's local recording and offloaded object
// along the way. The returned stop function is idempotent and blocks until
// the worker has exited.
func startRetentionWorker(ctx context.Context, logger *slog.Logger, store sessionPruner, artifacts artifactRemover, age, interval time.Duration) func() {
	return startRetentionWorkerWithTicker(ctx, logger, store, artifacts, age, interval, func(d time.Duration) retentionTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startRetentionWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store sessionPruner,
	artifacts artifactRemover,
	age, interval time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || age <= 0 || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				sweepExpiredSessions(workerCtx, logger, store, artifacts, age)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func sweepExpiredSessions(ctx context.Context, logger *slog.Logger, store sessionPruner, artifacts artifactRemover, age time.Duration) {
	cutoff := time.Now().UTC().Add(-age)
	records, err := store.PruneSessions(ctx, cutoff)
	if err != nil {
		if logger != nil {
			logger.Error("failed to prune expired sessions", "error", err)
		}
		return
	}
	for _, record := range records {
		removeArtifacts(ctx, logger, artifacts, record)
	}
	if len(records) > 0 && logger != nil {
		logger.Info("pruned expired sessions", "count", len(records), "cutoff", cutoff)
	}
}

func removeArtifacts(ctx context.Context, logger *slog.Logger, artifacts artifactRemover, record models.SessionRecord) {
	if record.ArtifactPath != "" {
		if err := os.Remove(record.ArtifactPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if logger != nil {
				logger.Warn("failed to remove recording", "session_id", record.ID, "path", record.ArtifactPath, "error", err)
			}
		}
	}
	if record.ArtifactURL != "" && artifacts != nil && artifacts.Enabled() {
		key := path.Base(record.ArtifactPath)
		if key == "." || key == "/" {
			return
		}
		if err := artifacts.Delete(ctx, key); err != nil {
			if logger != nil {
				logger.Warn("failed to delete offloaded recording", "session_id", record.ID, "key", key, "error", err)
			}
		}
	}
}

// Compile-time check that the real store and artifact types satisfy the
// worker's interfaces.
var (
	_ sessionPruner   = storage.Repository(nil)
	_ artifactRemover = (*storage.ArtifactStore)(nil)
)
