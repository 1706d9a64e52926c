package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ripplecast/internal/models"
)

const defaultStatsInterval = time.Minute

// StatsSnapshot is one windowed view of relay throughput counters.
type StatsSnapshot struct {
	WindowStart     time.Time         `json:"windowStart"`
	BytesReceived   uint64            `json:"bytesReceived"`
	BytesForwarded  map[string]uint64 `json:"bytesForwarded"`
	ChunksDropped   uint64            `json:"chunksDropped"`
	SessionsStarted uint64            `json:"sessionsStarted"`
	SessionsClosed  uint64            `json:"sessionsClosed"`
}

// Stats accumulates throughput counters over a fixed window. The window
// resets on an interval so the snapshot endpoint reports recent activity
// rather than totals since process start.
type Stats struct {
	mu              sync.Mutex
	windowStart     time.Time
	bytesReceived   uint64
	bytesForwarded  map[models.LegKind]uint64
	chunksDropped   uint64
	sessionsStarted uint64
	sessionsClosed  uint64
}

// NewStats returns a registry whose first window starts now.
func NewStats() *Stats {
	return &Stats{
		windowStart:    time.Now().UTC(),
		bytesForwarded: make(map[models.LegKind]uint64),
	}
}

// AddReceived records bytes accepted from an ingest connection.
func (s *Stats) AddReceived(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.bytesReceived += uint64(n)
	s.mu.Unlock()
}

// AddForwarded records bytes handed to one subprocess leg.
func (s *Stats) AddForwarded(kind models.LegKind, n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.bytesForwarded[kind] += uint64(n)
	s.mu.Unlock()
}

// AddDropped records chunks discarded anywhere along the pipeline.
func (s *Stats) AddDropped(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.chunksDropped += uint64(n)
	s.mu.Unlock()
}

// SessionStarted counts one admitted session in the current window.
func (s *Stats) SessionStarted() {
	s.mu.Lock()
	s.sessionsStarted++
	s.mu.Unlock()
}

// SessionClosed counts one terminated session in the current window.
func (s *Stats) SessionClosed() {
	s.mu.Lock()
	s.sessionsClosed++
	s.mu.Unlock()
}

// Snapshot copies the current window's counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	forwarded := make(map[string]uint64, len(s.bytesForwarded))
	for kind, n := range s.bytesForwarded {
		forwarded[string(kind)] = n
	}
	return StatsSnapshot{
		WindowStart:     s.windowStart,
		BytesReceived:   s.bytesReceived,
		BytesForwarded:  forwarded,
		ChunksDropped:   s.chunksDropped,
		SessionsStarted: s.sessionsStarted,
		SessionsClosed:  s.sessionsClosed,
	}
}

// Reset begins a new window.
func (s *Stats) Reset() {
	s.mu.Lock()
	s.windowStart = time.Now().UTC()
	s.bytesReceived = 0
	s.bytesForwarded = make(map[models.LegKind]uint64)
	s.chunksDropped = 0
	s.sessionsStarted = 0
	s.sessionsClosed = 0
	s.mu.Unlock()
}

// Run resets the window on interval until ctx is cancelled.
func (s *Stats) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := s.Snapshot()
			s.Reset()
			logger.Debug("stats window rolled",
				"bytes_received", snapshot.BytesReceived,
				"chunks_dropped", snapshot.ChunksDropped,
				"sessions_started", snapshot.SessionsStarted,
				"sessions_closed", snapshot.SessionsClosed,
			)
		}
	}
}
