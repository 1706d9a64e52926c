package models

import (
	"fmt"
	"strings"
	"time"
)

// SourceFormat identifies the encoding of inbound audio chunks and selects the
// engine's input argument profile. Container formats carry their own framing;
// raw formats require explicit sample parameters.
type SourceFormat string

const (
	FormatRawPCM        SourceFormat = "raw-pcm"
	FormatContainerWebM SourceFormat = "container-webm"
	FormatContainerOgg  SourceFormat = "container-ogg"
	FormatRawOpus       SourceFormat = "raw-opus"
)

// ParseSourceFormat validates a client-supplied format name.
func ParseSourceFormat(value string) (SourceFormat, error) {
	switch SourceFormat(strings.ToLower(strings.TrimSpace(value))) {
	case FormatRawPCM:
		return FormatRawPCM, nil
	case FormatContainerWebM:
		return FormatContainerWebM, nil
	case FormatContainerOgg:
		return FormatContainerOgg, nil
	case FormatRawOpus:
		return FormatRawOpus, nil
	case "":
		return "", fmt.Errorf("source format is required")
	default:
		return "", fmt.Errorf("unknown source format %q", value)
	}
}

// NeedsBoundaryNormalization reports whether chunks of this format reissue a
// self-contained header and must be re-aligned before reaching the engine.
func (f SourceFormat) NeedsBoundaryNormalization() bool {
	return f == FormatContainerWebM
}

// RequiresSampleSpec reports whether the format carries no framing of its own
// and the engine must be told the sample rate and channel count explicitly.
func (f SourceFormat) RequiresSampleSpec() bool {
	return f == FormatRawPCM
}

// LegKind names one of the up to three engine subprocesses a session may own.
type LegKind string

const (
	LegDurable LegKind = "durable-file"
	LegFanout  LegKind = "live-fanout"
	LegNetwork LegKind = "live-network"
)

// ParseLegKind accepts both the canonical names and the short aliases used on
// the ingest query string.
func ParseLegKind(value string) (LegKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "durable-file", "file":
		return LegDurable, nil
	case "live-fanout", "fanout":
		return LegFanout, nil
	case "live-network", "network":
		return LegNetwork, nil
	default:
		return "", fmt.Errorf("unknown pipeline leg %q", value)
	}
}

// ParseLegKinds splits a comma-separated leg list, rejecting duplicates.
func ParseLegKinds(value string) ([]LegKind, error) {
	parts := strings.Split(value, ",")
	seen := make(map[LegKind]struct{}, len(parts))
	kinds := make([]LegKind, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kind, err := ParseLegKind(part)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[kind]; dup {
			return nil, fmt.Errorf("pipeline leg %s listed twice", kind)
		}
		seen[kind] = struct{}{}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("at least one pipeline leg is required")
	}
	return kinds, nil
}

// SessionState tracks a relay session through its lifecycle. Transitions are
// strictly forward; Closed is terminal.
type SessionState string

const (
	StateAdmitted  SessionState = "admitted"
	StatePiped     SessionState = "piped"
	StateStreaming SessionState = "streaming"
	StateClosing   SessionState = "closing"
	StateClosed    SessionState = "closed"
)

// ParseSessionState validates a lifecycle state name, as used by the session
// listing filter.
func ParseSessionState(value string) (SessionState, error) {
	state := SessionState(strings.ToLower(strings.TrimSpace(value)))
	switch state {
	case StateAdmitted, StatePiped, StateStreaming, StateClosing, StateClosed:
		return state, nil
	default:
		return "", fmt.Errorf("unknown session state %q", value)
	}
}

// SessionRecord is the journaled view of one relay session. Live sessions are
// represented by relay.Session; this struct is what outlives them.
type SessionRecord struct {
	ID             string             `json:"id"`
	SourceFormat   SourceFormat       `json:"sourceFormat"`
	SampleRate     int                `json:"sampleRate,omitempty"`
	Channels       int                `json:"channels,omitempty"`
	Legs           []LegKind          `json:"legs"`
	State          SessionState       `json:"state"`
	StartedAt      time.Time          `json:"startedAt"`
	EndedAt        *time.Time         `json:"endedAt,omitempty"`
	BytesReceived  uint64             `json:"bytesReceived"`
	BytesForwarded map[LegKind]uint64 `json:"bytesForwarded,omitempty"`
	ChunksDropped  uint64             `json:"chunksDropped,omitempty"`
	PeakConsumers  int                `json:"peakConsumers,omitempty"`
	ArtifactPath   string             `json:"artifactPath,omitempty"`
	ArtifactURL    string             `json:"artifactUrl,omitempty"`
	CloseReason    string             `json:"closeReason,omitempty"`
}

// KeyScope labels what an ingest key may do.
type KeyScope string

const (
	ScopeIngest KeyScope = "ingest"
	ScopeAdmin  KeyScope = "admin"
)

// ParseKeyScope validates a scope name.
func ParseKeyScope(value string) (KeyScope, error) {
	switch KeyScope(strings.ToLower(strings.TrimSpace(value))) {
	case ScopeIngest:
		return ScopeIngest, nil
	case ScopeAdmin:
		return ScopeAdmin, nil
	default:
		return "", fmt.Errorf("unknown key scope %q", value)
	}
}

// IngestKey is a named bearer credential gating ingest admission and the admin
// API. Only the derived hash of the secret is stored; the plaintext is shown
// once at creation time.
type IngestKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scopes     []KeyScope `json:"scopes"`
	SecretHash string     `json:"secretHash"`
	Disabled   bool       `json:"disabled,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// HasScope reports whether the key carries the requested scope. Admin keys
// implicitly satisfy the ingest scope.
func (k IngestKey) HasScope(scope KeyScope) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
		if s == ScopeAdmin && scope == ScopeIngest {
			return true
		}
	}
	return false
}
