// Package metrics exposes the process-wide Prometheus collectors for the
// relay. Domain packages record through the typed helpers here rather than
// holding collector references themselves.
package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripplecast_http_requests_total",
		Help: "HTTP requests processed, labelled by method, normalized path, and status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ripplecast_http_request_duration_seconds",
		Help:    "HTTP request latency by method and normalized path.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripplecast_sessions_started_total",
		Help: "Relay sessions admitted since process start.",
	})

	sessionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripplecast_sessions_closed_total",
		Help: "Relay sessions closed, labelled by close reason.",
	}, []string{"reason"})

	sessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ripplecast_sessions_live",
		Help: "Relay sessions currently open.",
	})

	ingestBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripplecast_ingest_bytes_total",
		Help: "Audio bytes received on ingest connections.",
	})

	ingestChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripplecast_ingest_chunks_total",
		Help: "Audio chunks received on ingest connections.",
	})

	chunksDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripplecast_chunks_dropped_total",
		Help: "Chunks discarded before reaching an engine leg, labelled by reason.",
	}, []string{"reason"})

	legsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripplecast_engine_legs_started_total",
		Help: "Engine leg spawn attempts, labelled by leg kind and result.",
	}, []string{"kind", "result"})

	legExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripplecast_engine_leg_exits_total",
		Help: "Engine leg exits, labelled by leg kind.",
	}, []string{"kind"})

	legBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripplecast_engine_bytes_forwarded_total",
		Help: "Bytes forwarded to engine leg inputs, labelled by leg kind.",
	}, []string{"kind"})

	fanoutConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ripplecast_fanout_consumers",
		Help: "Live pull consumers currently subscribed across all sessions.",
	})

	fanoutEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ripplecast_fanout_evictions_total",
		Help: "Consumers evicted because their buffer could not keep up.",
	})

	journalEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripplecast_journal_events_total",
		Help: "Session journal events, labelled by event type and publish result.",
	}, []string{"type", "result"})

	journalDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripplecast_journal_events_dropped_total",
		Help: "Journal events discarded because a subscriber buffer was full.",
	}, []string{"type"})

	artifactOffloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripplecast_artifact_offloads_total",
		Help: "Artifact uploads to object storage, labelled by result.",
	}, []string{"result"})
)

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one completed HTTP request.
func ObserveRequest(method, path string, status int, seconds float64) {
	normalized := normalizePath(path)
	httpRequestsTotal.WithLabelValues(method, normalized, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, normalized).Observe(seconds)
}

// SessionStarted records a newly admitted relay session.
func SessionStarted() {
	sessionsStartedTotal.Inc()
	sessionsLive.Inc()
}

// SessionClosed records a finished relay session and its close reason.
func SessionClosed(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	sessionsClosedTotal.WithLabelValues(reason).Inc()
	sessionsLive.Dec()
}

// IngestChunk records one inbound audio chunk of the given size.
func IngestChunk(bytes int) {
	ingestChunksTotal.Inc()
	ingestBytesTotal.Add(float64(bytes))
}

// ChunkDropped records a chunk discarded before reaching an engine leg.
func ChunkDropped(reason string) {
	chunksDroppedTotal.WithLabelValues(reason).Inc()
}

// LegStarted records an engine leg spawn attempt.
func LegStarted(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	legsStartedTotal.WithLabelValues(kind, result).Inc()
}

// LegExited records an engine leg terminating for any reason.
func LegExited(kind string) {
	legExitsTotal.WithLabelValues(kind).Inc()
}

// LegBytes records bytes forwarded to one engine leg's input.
func LegBytes(kind string, bytes int) {
	legBytesTotal.WithLabelValues(kind).Add(float64(bytes))
}

// ConsumerSubscribed records a pull consumer joining a fanout stream.
func ConsumerSubscribed() {
	fanoutConsumers.Inc()
}

// ConsumerDeparted records a pull consumer leaving a fanout stream.
func ConsumerDeparted() {
	fanoutConsumers.Dec()
}

// ConsumerEvicted records a consumer removed because it could not keep up.
func ConsumerEvicted() {
	fanoutEvictionsTotal.Inc()
}

// JournalEvent records a session journal publish attempt.
func JournalEvent(eventType string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	journalEventsTotal.WithLabelValues(eventType, result).Inc()
}

// JournalEventDropped records a journal event a subscriber never saw because
// its buffer was full.
func JournalEventDropped(eventType string) {
	journalDropsTotal.WithLabelValues(eventType).Inc()
}

// ArtifactOffload records an artifact upload attempt to object storage.
func ArtifactOffload(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	artifactOffloadsTotal.WithLabelValues(result).Inc()
}

// normalizePath collapses per-session and per-key path segments so metric
// cardinality stays bounded.
func normalizePath(path string) string {
	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == "" {
		return "/"
	}
	segments := strings.Split(strings.TrimPrefix(trimmed, "/"), "/")
	if len(segments) < 3 || segments[0] != "v1" {
		return trimmed
	}
	switch segments[1] {
	case "live", "sessions", "keys", "artifacts":
		segments[2] = ":id"
	default:
		return trimmed
	}
	return "/" + strings.Join(segments, "/")
}
