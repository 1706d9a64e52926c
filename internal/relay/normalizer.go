package relay

import (
	"bytes"

	"ripplecast/internal/observability/metrics"
)

// WebM/EBML markers used to re-align chunked recorder output. Browsers that
// emit self-contained chunks repeat the EBML header in every chunk; the
// transcoder expects one continuous bitstream, so repeated headers must be
// stripped at a Cluster boundary.
var (
	webmClusterID  = []byte{0x1F, 0x43, 0xB6, 0x75}
	webmEBMLHeader = []byte{0x1A, 0x45, 0xDF, 0xA3}
)

// maxPendingBytes caps the normalizer's holding buffer. A chunk sequence that
// never yields a Cluster marker is discarded rather than retained, trading
// bounded data loss for bounded memory.
const maxPendingBytes = 1 << 20

// Normalizer re-segments a chunked self-contained container stream onto
// Cluster-aligned writes. It is owned by one session's ingest loop and is not
// safe for concurrent use.
type Normalizer struct {
	sink       func([]byte)
	headerSent bool
	pending    []byte
	drops      uint64
}

// NewNormalizer wires a normalizer to its downstream sink. Every Push
// produces zero or more sink calls.
func NewNormalizer(sink func([]byte)) *Normalizer {
	return &Normalizer{sink: sink}
}

// Push routes one inbound chunk.
//
// The first chunk ever seen is forwarded verbatim: it carries the one header
// the downstream demuxer should receive. Later chunks are searched (together
// with any held bytes) for a Cluster marker; everything from the marker on is
// forwarded and the redundant header prefix discarded. A chunk that starts
// with an EBML header but has no Cluster yet is held, because the boundary
// may arrive in a later chunk. Anything else is raw continuation data and is
// forwarded untouched.
func (n *Normalizer) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if !n.headerSent {
		n.headerSent = true
		n.sink(chunk)
		return
	}

	buf := chunk
	if len(n.pending) > 0 {
		buf = append(n.pending, chunk...)
	}

	if idx := bytes.Index(buf, webmClusterID); idx >= 0 {
		n.pending = nil
		n.sink(buf[idx:])
		return
	}

	if bytes.HasPrefix(buf, webmEBMLHeader) {
		if len(buf) > maxPendingBytes {
			n.pending = nil
			n.drops++
			metrics.ChunkDropped("normalizer")
			return
		}
		held := make([]byte, len(buf))
		copy(held, buf)
		n.pending = held
		return
	}

	n.pending = nil
	n.sink(buf)
}

// Drops reports how many pending buffers were discarded at the cap.
func (n *Normalizer) Drops() uint64 {
	return n.drops
}
