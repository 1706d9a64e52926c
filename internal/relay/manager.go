package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ripplecast/internal/engine"
	"ripplecast/internal/journal"
	"ripplecast/internal/models"
	"ripplecast/internal/observability/metrics"
)

var (
	// ErrSessionNotFound is returned for lookups of unknown or already
	// finished sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLimit is returned when the concurrent session cap is reached.
	ErrSessionLimit = errors.New("session limit reached")
	// ErrManagerClosed is returned once shutdown has begun.
	ErrManagerClosed = errors.New("relay is shutting down")
)

// ManagerConfig carries the relay-wide defaults applied to every session.
type ManagerConfig struct {
	ArtifactDir   string
	NetworkTarget string
	PayloadType   int
	FanoutBuffer  int
	MaxChunkBytes int
	MaxSessions   int
	DefaultLegs   []models.LegKind
}

// StartRequest describes one admission. Zero-value fields fall back to the
// manager defaults.
type StartRequest struct {
	Source        engine.SourceSpec
	Legs          []models.LegKind
	NetworkTarget string
}

// Manager owns every live session: admission, lookup, and teardown. Closed
// sessions unregister themselves and emit a journal event carrying the final
// record, which the storage worker persists.
type Manager struct {
	engine  *engine.Engine
	stats   *Stats
	journal journal.Queue
	cfg     ManagerConfig
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager wires the session registry. queue may be nil when journaling is
// disabled.
func NewManager(eng *engine.Engine, stats *Stats, queue journal.Queue, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine:   eng,
		stats:    stats,
		journal:  queue,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// StartSession admits and pipes a new session. On success the session is
// registered and its legs are running; callers stream into it with Ingest
// and must eventually call Close (directly or via CloseSession).
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (*Session, error) {
	if err := req.Source.Validate(); err != nil {
		return nil, err
	}
	legs := req.Legs
	if len(legs) == 0 {
		legs = m.cfg.DefaultLegs
	}
	if len(legs) == 0 {
		return nil, fmt.Errorf("at least one pipeline leg is required")
	}
	target := req.NetworkTarget
	if target == "" {
		target = m.cfg.NetworkTarget
	}
	for _, kind := range legs {
		switch kind {
		case models.LegNetwork:
			if target == "" {
				return nil, fmt.Errorf("live-network leg requires an rtp target")
			}
		case models.LegDurable:
			if m.cfg.ArtifactDir == "" {
				return nil, fmt.Errorf("durable-file leg requires an artifact directory")
			}
		}
	}

	id := uuid.NewString()
	sess := NewSession(m.engine, m.stats, SessionConfig{
		ID:            id,
		Source:        req.Source,
		Legs:          legs,
		ArtifactDir:   m.cfg.ArtifactDir,
		NetworkTarget: target,
		PayloadType:   m.cfg.PayloadType,
		FanoutBuffer:  m.cfg.FanoutBuffer,
		MaxChunkBytes: m.cfg.MaxChunkBytes,
		OnLegDown: func(kind models.LegKind, err error) {
			m.publish(journal.Event{
				Type:      journal.EventLegFailed,
				SessionID: id,
				Leg:       kind,
				Error:     err.Error(),
			})
		},
		OnClosed: m.finishSession,
		Logger:   m.logger,
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrSessionLimit
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	m.stats.SessionStarted()
	metrics.SessionStarted()
	m.publish(journal.Event{Type: journal.EventSessionAdmitted, SessionID: id})

	if err := sess.Pipe(ctx); err != nil {
		return nil, fmt.Errorf("pipe session %s: %w", id, err)
	}
	m.publish(journal.Event{Type: journal.EventSessionPiped, SessionID: id})
	return sess, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List snapshots every live session.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// ActiveCount reports the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseSession tears one session down and waits for it to finish.
func (m *Manager) CloseSession(id, reason string) error {
	sess, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	sess.Close(reason)
	return nil
}

// Shutdown stops admitting, then closes every live session in parallel and
// waits for all of them.
func (m *Manager) Shutdown(reason string) {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(reason)
		}(sess)
	}
	wg.Wait()
}

func (m *Manager) finishSession(record models.SessionRecord) {
	m.mu.Lock()
	delete(m.sessions, record.ID)
	m.mu.Unlock()
	rec := record
	m.publish(journal.Event{
		Type:      journal.EventSessionClosed,
		SessionID: record.ID,
		Record:    &rec,
	})
}

func (m *Manager) publish(event journal.Event) {
	if m.journal == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	err := m.journal.Publish(context.Background(), event)
	metrics.JournalEvent(string(event.Type), err == nil)
	if err != nil {
		m.logger.Warn("journal publish failed",
			"event", string(event.Type),
			"session_id", event.SessionID,
			"error", err,
		)
	}
}
