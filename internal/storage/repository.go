// Package storage persists session records and ingest keys. Two backends
// implement the same Repository contract: a single-file JSON store for
// development and small deployments, and PostgreSQL for everything else.
package storage

import (
	"context"
	"time"

	"ripplecast/internal/models"
)

// Repository is the durable store behind the relay. Implementations must be
// safe for concurrent use; every method takes a context so the Postgres
// backend can honour cancellation.
type Repository interface {
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// SaveSession inserts or replaces the record keyed by its ID.
	SaveSession(ctx context.Context, record models.SessionRecord) error
	GetSession(ctx context.Context, id string) (models.SessionRecord, error)
	// ListSessions returns records newest-first, narrowed by query.
	ListSessions(ctx context.Context, query SessionQuery) ([]models.SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error
	// PruneSessions removes records whose session ended before the cutoff
	// and returns the removed records so callers can clean up recordings.
	PruneSessions(ctx context.Context, endedBefore time.Time) ([]models.SessionRecord, error)
	// SetArtifactURL stamps the object-storage location of a recording
	// after offload.
	SetArtifactURL(ctx context.Context, id, artifactURL string) error

	CreateKey(ctx context.Context, key models.IngestKey) error
	GetKey(ctx context.Context, id string) (models.IngestKey, error)
	ListKeys(ctx context.Context) ([]models.IngestKey, error)
	SetKeyDisabled(ctx context.Context, id string, disabled bool) error
	DeleteKey(ctx context.Context, id string) error
	// TouchKey stamps the key's last use. Callers treat failures as
	// non-fatal; admission must not depend on the stamp landing.
	TouchKey(ctx context.Context, id string, when time.Time) error

	Close(ctx context.Context) error
}
