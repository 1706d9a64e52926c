package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"ripplecast/internal/engine"
	"ripplecast/internal/models"
	"ripplecast/internal/observability/metrics"
)

// Canonical close reasons. These feed the session record and the
// ripplecast_sessions_closed_total metric label, so the set stays small.
const (
	CloseReasonClient   = "client_closed"
	CloseReasonError    = "connection_error"
	CloseReasonLegExit  = "leg_exit"
	CloseReasonTimeout  = "liveness_timeout"
	CloseReasonShutdown = "server_shutdown"
	CloseReasonAdmin    = "admin_request"
	CloseReasonNoLegs   = "no_legs_started"
)

const defaultMaxChunkBytes = 1 << 20

var (
	// ErrNoFanoutLeg is returned when a pull consumer targets a session that
	// was not configured with a live-fanout leg.
	ErrNoFanoutLeg = errors.New("session has no live-fanout leg")
	// ErrNoNetworkLeg is returned when a session description is requested for
	// a session without a live-network leg.
	ErrNoNetworkLeg = errors.New("session has no live-network leg")
)

// SessionConfig carries everything needed to build one relay session.
type SessionConfig struct {
	ID            string
	Source        engine.SourceSpec
	Legs          []models.LegKind
	ArtifactDir   string
	NetworkTarget string
	PayloadType   int
	FanoutBuffer  int
	MaxChunkBytes int

	// OnLegDown fires when a leg fails to spawn or exits with an error while
	// the session is still live. Teardown-induced exits do not fire it.
	OnLegDown func(kind models.LegKind, err error)
	// OnClosed fires exactly once, after teardown completes, with the final
	// session record.
	OnClosed func(record models.SessionRecord)

	Logger *slog.Logger
}

// Session routes one ingest connection's audio to its subprocess legs and
// owns their lifecycle. The state machine only moves forward:
// admitted, piped, streaming, closing, closed.
//
// Ingest must be called from a single goroutine (the connection read loop);
// everything else is safe for concurrent use.
type Session struct {
	id            string
	source        engine.SourceSpec
	wantLegs      []models.LegKind
	artifactPath  string
	networkTarget string
	payloadType   int
	maxChunk      int

	engine *engine.Engine
	stats  *Stats
	logger *slog.Logger

	cache       *HeaderCache
	broadcaster *Broadcaster
	normalizer  *Normalizer

	onLegDown func(models.LegKind, error)
	onClosed  func(models.SessionRecord)

	mu            sync.Mutex
	state         models.SessionState
	legs          map[models.LegKind]*engine.Leg
	startedAt     time.Time
	endedAt       *time.Time
	bytesReceived uint64
	chunksDropped uint64
	closeReason   string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession builds a session in the admitted state. No subprocess exists
// until Pipe is called, so rejecting a session before Pipe costs nothing.
func NewSession(eng *engine.Engine, stats *Stats, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxChunk := cfg.MaxChunkBytes
	if maxChunk <= 0 {
		maxChunk = defaultMaxChunkBytes
	}
	payloadType := cfg.PayloadType
	if payloadType == 0 {
		payloadType = engine.DefaultPayloadType
	}
	s := &Session{
		id:            cfg.ID,
		source:        cfg.Source,
		wantLegs:      append([]models.LegKind(nil), cfg.Legs...),
		networkTarget: cfg.NetworkTarget,
		payloadType:   payloadType,
		maxChunk:      maxChunk,
		engine:        eng,
		stats:         stats,
		logger:        logger.With("session_id", cfg.ID),
		onLegDown:     cfg.OnLegDown,
		onClosed:      cfg.OnClosed,
		state:         models.StateAdmitted,
		legs:          make(map[models.LegKind]*engine.Leg, len(cfg.Legs)),
		startedAt:     time.Now().UTC(),
		closed:        make(chan struct{}),
	}
	for _, kind := range cfg.Legs {
		switch kind {
		case models.LegDurable:
			s.artifactPath = filepath.Join(cfg.ArtifactDir, cfg.ID+".ogg")
		case models.LegFanout:
			s.cache = NewHeaderCache()
			s.broadcaster = NewBroadcaster(s.cache, cfg.FanoutBuffer)
		}
	}
	if s.source.Format.NeedsBoundaryNormalization() {
		s.normalizer = NewNormalizer(s.forward)
	}
	return s
}

// Pipe spawns every configured leg. A leg that cannot be spawned is reported
// and skipped; the rest proceed. Only when no leg at all starts does the
// session close and Pipe return an error.
func (s *Session) Pipe(ctx context.Context) error {
	s.mu.Lock()
	if s.state != models.StateAdmitted {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session is %s, expected %s", state, models.StateAdmitted)
	}
	s.mu.Unlock()

	started := 0
	for _, kind := range s.wantLegs {
		kind := kind
		spec := engine.Spec{
			SessionID: s.id,
			Kind:      kind,
			Source:    s.source,
			OnExit:    func(err error) { s.handleLegExit(kind, err) },
		}
		switch kind {
		case models.LegDurable:
			spec.ArtifactPath = s.artifactPath
		case models.LegFanout:
			spec.OnOutput = s.handleFanoutOutput
		case models.LegNetwork:
			spec.Target = s.networkTarget
			spec.PayloadType = s.payloadType
		}
		leg, err := s.engine.Spawn(ctx, spec)
		if err != nil {
			s.logger.Error("pipeline leg failed to spawn", "leg", kind, "error", err)
			if s.onLegDown != nil {
				s.onLegDown(kind, err)
			}
			continue
		}
		s.mu.Lock()
		if s.state == models.StateClosing || s.state == models.StateClosed {
			// An earlier leg already died and tore the session down.
			s.mu.Unlock()
			go leg.Stop()
			continue
		}
		s.legs[kind] = leg
		s.mu.Unlock()
		started++
	}

	if started == 0 {
		s.Close(CloseReasonNoLegs)
		return fmt.Errorf("no pipeline legs could be started")
	}

	s.mu.Lock()
	if s.state == models.StateAdmitted {
		s.state = models.StatePiped
	}
	closed := s.state == models.StateClosing || s.state == models.StateClosed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session closed during pipeline setup")
	}
	s.logger.Info("session piped", "legs", started, "format", string(s.source.Format))
	return nil
}

// Ingest routes one inbound chunk. Oversized chunks are dropped without
// error; chunks arriving during or after teardown are discarded.
func (s *Session) Ingest(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	switch s.state {
	case models.StatePiped:
		s.state = models.StateStreaming
	case models.StateStreaming:
	default:
		s.mu.Unlock()
		return
	}
	if len(chunk) > s.maxChunk {
		s.chunksDropped++
		s.mu.Unlock()
		s.stats.AddDropped(1)
		metrics.ChunkDropped("oversized")
		return
	}
	s.bytesReceived += uint64(len(chunk))
	s.mu.Unlock()

	s.stats.AddReceived(len(chunk))
	metrics.IngestChunk(len(chunk))

	if s.normalizer != nil {
		before := s.normalizer.Drops()
		s.normalizer.Push(chunk)
		if d := s.normalizer.Drops() - before; d > 0 {
			s.mu.Lock()
			s.chunksDropped += d
			s.mu.Unlock()
			s.stats.AddDropped(int(d))
		}
		return
	}
	s.forward(chunk)
}

// forward hands chunk to every leg whose input is still open. Legs that
// refuse the chunk (closed input or saturated queue) are skipped silently;
// saturation on one leg never delays the others.
func (s *Session) forward(chunk []byte) {
	s.mu.Lock()
	legs := make([]*engine.Leg, 0, len(s.legs))
	for _, leg := range s.legs {
		legs = append(legs, leg)
	}
	s.mu.Unlock()
	for _, leg := range legs {
		if leg.Write(chunk) {
			s.stats.AddForwarded(leg.Kind(), len(chunk))
		}
	}
}

func (s *Session) handleFanoutOutput(chunk []byte) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(chunk)
	}
}

func (s *Session) handleLegExit(kind models.LegKind, err error) {
	s.mu.Lock()
	tearingDown := s.state == models.StateClosing || s.state == models.StateClosed
	s.mu.Unlock()
	if tearingDown {
		s.logger.Debug("pipeline leg exited during teardown", "leg", kind, "error", err)
		return
	}
	if err != nil {
		s.logger.Warn("pipeline leg exited unexpectedly", "leg", kind, "error", err)
		if s.onLegDown != nil {
			s.onLegDown(kind, err)
		}
	} else {
		s.logger.Info("pipeline leg finished", "leg", kind)
	}
	s.Close(CloseReasonLegExit)
}

// Subscribe attaches a pull consumer to the live-fanout stream.
func (s *Session) Subscribe() (*Consumer, error) {
	if s.broadcaster == nil {
		return nil, ErrNoFanoutLeg
	}
	return s.broadcaster.Subscribe()
}

// Unsubscribe detaches a consumer obtained from Subscribe.
func (s *Session) Unsubscribe(consumer *Consumer) {
	if s.broadcaster != nil {
		s.broadcaster.Unsubscribe(consumer)
	}
}

// SDP renders the session description for the live-network leg.
func (s *Session) SDP() (string, error) {
	if s.networkTarget == "" || !s.hasLeg(models.LegNetwork) {
		return "", ErrNoNetworkLeg
	}
	return BuildSDP(s.id, s.networkTarget, s.payloadType)
}

func (s *Session) hasLeg(kind models.LegKind) bool {
	for _, k := range s.wantLegs {
		if k == kind {
			return true
		}
	}
	return false
}

// Close tears the session down: end-of-input to every open leg, graceful
// stop with force-kill fallback, broadcaster shutdown, final record. Safe to
// call from any goroutine and any number of times; every caller returns only
// after teardown has fully completed.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = models.StateClosing
		s.closeReason = reason
		legs := make([]*engine.Leg, 0, len(s.legs))
		for _, leg := range s.legs {
			legs = append(legs, leg)
		}
		s.mu.Unlock()

		s.logger.Info("session closing", "reason", reason)
		var wg sync.WaitGroup
		for _, leg := range legs {
			wg.Add(1)
			go func(l *engine.Leg) {
				defer wg.Done()
				l.Stop()
			}(leg)
		}
		wg.Wait()
		if s.broadcaster != nil {
			s.broadcaster.Close()
		}

		now := time.Now().UTC()
		s.mu.Lock()
		s.state = models.StateClosed
		s.endedAt = &now
		s.mu.Unlock()

		s.stats.SessionClosed()
		metrics.SessionClosed(reason)
		record := s.Record()
		s.logger.Info("session closed",
			"reason", reason,
			"bytes_received", record.BytesReceived,
			"chunks_dropped", record.ChunksDropped,
			"duration", now.Sub(record.StartedAt).Round(time.Millisecond).String(),
		)
		if s.onClosed != nil {
			s.onClosed(record)
		}
		close(s.closed)
	})
	<-s.closed
}

// ID reports the session identifier.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed is closed once teardown has completed.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// ArtifactPath reports where the durable leg writes, or "" without one.
func (s *Session) ArtifactPath() string { return s.artifactPath }

// Record assembles the persistable view of the session as of now.
func (s *Session) Record() models.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := models.SessionRecord{
		ID:            s.id,
		SourceFormat:  s.source.Format,
		SampleRate:    s.source.SampleRate,
		Channels:      s.source.Channels,
		Legs:          append([]models.LegKind(nil), s.wantLegs...),
		State:         s.state,
		StartedAt:     s.startedAt,
		BytesReceived: s.bytesReceived,
		ChunksDropped: s.chunksDropped,
		ArtifactPath:  s.artifactPath,
		CloseReason:   s.closeReason,
	}
	if s.endedAt != nil {
		ended := *s.endedAt
		record.EndedAt = &ended
	}
	if len(s.legs) > 0 {
		record.BytesForwarded = make(map[models.LegKind]uint64, len(s.legs))
		for kind, leg := range s.legs {
			record.BytesForwarded[kind] = leg.BytesWritten()
			record.ChunksDropped += leg.Dropped()
		}
	}
	if s.broadcaster != nil {
		record.PeakConsumers = s.broadcaster.Peak()
	}
	return record
}
