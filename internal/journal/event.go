// Package journal carries session lifecycle events from the relay to durable
// storage. Events flow through a Queue (in-memory or Redis Streams) and are
// persisted by a worker, so the hot ingest path never blocks on a repository.
package journal

import (
	"time"

	"ripplecast/internal/models"
)

// EventType enumerates the session lifecycle events flowing through the queue.
type EventType string

const (
	// EventSessionAdmitted marks a connection that passed admission.
	EventSessionAdmitted EventType = "session.admitted"
	// EventSessionPiped marks a session whose pipeline legs are spawned.
	EventSessionPiped EventType = "session.piped"
	// EventLegFailed records one leg that could not be spawned or exited
	// abnormally. The session may still be live on its remaining legs.
	EventLegFailed EventType = "session.leg_failed"
	// EventSessionClosed carries the final session record, byte counters
	// included.
	EventSessionClosed EventType = "session.closed"
	// EventArtifactOffloaded records a recording copied to object storage.
	EventArtifactOffloaded EventType = "artifact.offloaded"
)

// Event is the wire representation forwarded to the persistence queue.
type Event struct {
	Type        EventType             `json:"type"`
	SessionID   string                `json:"sessionId"`
	OccurredAt  time.Time             `json:"occurredAt"`
	Leg         models.LegKind        `json:"leg,omitempty"`
	Error       string                `json:"error,omitempty"`
	Record      *models.SessionRecord `json:"record,omitempty"`
	ArtifactURL string                `json:"artifactUrl,omitempty"`
}
