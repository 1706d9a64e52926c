package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"ripplecast/internal/journal"
	"ripplecast/internal/models"
	"ripplecast/internal/observability/metrics"
)

// artifactContentType matches the Ogg/Opus container ffmpeg writes for the
// durable leg.
const artifactContentType = "audio/ogg"

// drainGrace bounds repository writes for events that were still queued when
// the worker was asked to stop.
const drainGrace = 5 * time.Second

// JournalWorker drains the journal queue and persists session lifecycle
// changes, so the relay's hot path never waits on the repository. When an
// ArtifactStore is configured, finished recordings are offloaded after the
// closed record lands.
type JournalWorker struct {
	queue     journal.Queue
	repo      Repository
	artifacts *ArtifactStore
	logger    *slog.Logger
}

// NewJournalWorker wires the worker. artifacts may be nil or disabled.
func NewJournalWorker(repo Repository, queue journal.Queue, artifacts *ArtifactStore, logger *slog.Logger) *JournalWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalWorker{queue: queue, repo: repo, artifacts: artifacts, logger: logger}
}

// Run blocks until the context is cancelled, applying events as they arrive.
// Events already buffered at cancellation are still applied, so closed
// records published during a shutdown sweep reach the repository.
func (w *JournalWorker) Run(ctx context.Context) {
	if w.queue == nil || w.repo == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			w.drain(sub)
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			w.applyLogged(ctx, evt)
		}
	}
}

func (w *JournalWorker) drain(sub journal.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			w.applyLogged(ctx, evt)
		default:
			return
		}
	}
}

func (w *JournalWorker) applyLogged(ctx context.Context, evt journal.Event) {
	if err := w.apply(ctx, evt); err != nil {
		w.logger.Error("failed to apply journal event",
			"type", string(evt.Type), "session_id", evt.SessionID, "error", err)
	}
}

func (w *JournalWorker) apply(ctx context.Context, evt journal.Event) error {
	switch evt.Type {
	case journal.EventSessionAdmitted:
		return w.repo.SaveSession(ctx, models.SessionRecord{
			ID:        evt.SessionID,
			State:     models.StateAdmitted,
			StartedAt: evt.OccurredAt,
		})
	case journal.EventSessionPiped:
		record, err := w.repo.GetSession(ctx, evt.SessionID)
		if err != nil {
			record = models.SessionRecord{ID: evt.SessionID, StartedAt: evt.OccurredAt}
		}
		record.State = models.StatePiped
		return w.repo.SaveSession(ctx, record)
	case journal.EventLegFailed:
		w.logger.Warn("pipeline leg failed",
			"session_id", evt.SessionID, "leg", string(evt.Leg), "error", evt.Error)
		return nil
	case journal.EventSessionClosed:
		if evt.Record == nil {
			return fmt.Errorf("closed event for session %s carries no record", evt.SessionID)
		}
		record := *evt.Record
		if err := w.repo.SaveSession(ctx, record); err != nil {
			return err
		}
		w.offloadArtifact(ctx, record)
		return nil
	case journal.EventArtifactOffloaded:
		// Emitted by this worker after a successful upload; nothing to apply.
		return nil
	default:
		return fmt.Errorf("unsupported journal event %q", evt.Type)
	}
}

func (w *JournalWorker) offloadArtifact(ctx context.Context, record models.SessionRecord) {
	if !w.artifacts.Enabled() || record.ArtifactPath == "" {
		return
	}
	location, err := w.artifacts.UploadFile(ctx, path.Base(record.ArtifactPath), artifactContentType, record.ArtifactPath)
	metrics.ArtifactOffload(err == nil)
	if err != nil {
		w.logger.Error("artifact offload failed",
			"session_id", record.ID, "path", record.ArtifactPath, "error", err)
		return
	}
	if err := w.repo.SetArtifactURL(ctx, record.ID, location.URL); err != nil {
		w.logger.Error("failed to record artifact url", "session_id", record.ID, "error", err)
	}
	_ = w.queue.Publish(ctx, journal.Event{
		Type:        journal.EventArtifactOffloaded,
		SessionID:   record.ID,
		OccurredAt:  time.Now().UTC(),
		ArtifactURL: location.URL,
	})
	w.logger.Info("artifact offloaded", "session_id", record.ID, "key", location.Key)
}
