// Package relay implements the session pipeline and fan-out engine: one
// ingest connection feeding up to three transcoder legs, with header replay
// and eviction-based backpressure for live pull consumers.
package relay

import (
	"bytes"
	"sync"
)

// Ogg Opus header packet markers. Both appear near the front of the fanout
// leg's output; together they carry everything a decoder needs to join late.
var (
	markerOpusHead = []byte("OpusHead")
	markerOpusTags = []byte("OpusTags")
)

// HeaderCache accumulates the fanout leg's output until both header markers
// have been observed, then freezes. Contents are replayed to consumers that
// subscribe after the stream has started.
type HeaderCache struct {
	mu       sync.Mutex
	buf      []byte
	headSeen bool
	tagsSeen bool
}

func NewHeaderCache() *HeaderCache {
	return &HeaderCache{}
}

// Observe appends chunk while at least one marker is missing. Once both have
// been seen the call is a no-op, so the cache never grows past the header
// region. Markers split across observed chunks are still found because the
// search runs over the accumulated buffer.
func (c *HeaderCache) Observe(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headSeen && c.tagsSeen {
		return
	}
	c.buf = append(c.buf, chunk...)
	if !c.headSeen {
		c.headSeen = bytes.Contains(c.buf, markerOpusHead)
	}
	if !c.tagsSeen {
		c.tagsSeen = bytes.Contains(c.buf, markerOpusTags)
	}
}

// Contents returns a copy of the accumulated header bytes.
func (c *HeaderCache) Contents() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return nil
	}
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	return out
}

// Complete reports whether both header markers have been observed.
func (c *HeaderCache) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headSeen && c.tagsSeen
}
