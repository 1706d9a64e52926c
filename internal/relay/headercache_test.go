package relay_test

import (
	"bytes"
	"testing"

	"ripplecast/internal/relay"
)

func TestHeaderCacheGrowsMonotonicallyThenFreezes(t *testing.T) {
	t.Parallel()

	cache := relay.NewHeaderCache()
	steps := [][]byte{
		[]byte("OggS\x00\x02Opus"),
		[]byte("Head\x01\x02 rate"),
		[]byte("OggS\x00\x00OpusTags encoder"),
	}

	var want []byte
	for i, chunk := range steps {
		cache.Observe(chunk)
		want = append(want, chunk...)
		if got := cache.Contents(); !bytes.Equal(got, want) {
			t.Fatalf("step %d: contents = %q, want %q", i, got, want)
		}
	}
	if !cache.Complete() {
		t.Fatal("cache should be complete after both markers")
	}

	frozen := cache.Contents()
	cache.Observe([]byte("payload payload payload"))
	if got := cache.Contents(); !bytes.Equal(got, frozen) {
		t.Fatalf("complete cache grew: %d bytes, want %d", len(got), len(frozen))
	}
}

func TestHeaderCacheFindsMarkerSplitAcrossChunks(t *testing.T) {
	t.Parallel()

	cache := relay.NewHeaderCache()
	cache.Observe([]byte("xxOpus"))
	if cache.Complete() {
		t.Fatal("half a marker must not complete the cache")
	}
	cache.Observe([]byte("Headyy"))
	cache.Observe([]byte("OpusTags"))
	if !cache.Complete() {
		t.Fatal("markers split across chunks were not detected")
	}
}
