package relay_test

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"ripplecast/internal/observability/metrics"
	"ripplecast/internal/relay"
)

func fanoutConsumerGauge(t *testing.T) float64 {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, line := range strings.Split(rr.Body.String(), "\n") {
		if value, ok := strings.CutPrefix(line, "ripplecast_fanout_consumers "); ok {
			parsed, err := strconv.ParseFloat(value, 64)
			if err != nil {
				t.Fatalf("parse gauge value %q: %v", value, err)
			}
			return parsed
		}
	}
	return 0
}

func subscribe(t *testing.T, b *relay.Broadcaster) *relay.Consumer {
	t.Helper()
	consumer, err := b.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return consumer
}

func recvChunk(t *testing.T, consumer *relay.Consumer) []byte {
	t.Helper()
	select {
	case chunk := <-consumer.Chunks():
		return chunk
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a chunk")
		return nil
	}
}

func TestBroadcasterReplaysHeaderToLateJoiner(t *testing.T) {
	t.Parallel()

	cache := relay.NewHeaderCache()
	b := relay.NewBroadcaster(cache, 8)

	head := []byte("OggS\x00OpusHead 48000")
	tags := []byte("OggS\x00OpusTags ripplecast")
	b.Publish(head)
	b.Publish(tags)
	b.Publish([]byte("early payload"))
	if !cache.Complete() {
		t.Fatal("cache should be complete before the late join")
	}

	consumer := subscribe(t, b)
	b.Publish([]byte("late payload"))

	wantHeader := append(append([]byte{}, head...), tags...)
	if got := recvChunk(t, consumer); !bytes.Equal(got, wantHeader) {
		t.Fatalf("header replay = %q, want %q", got, wantHeader)
	}
	if got := recvChunk(t, consumer); !bytes.Equal(got, []byte("late payload")) {
		t.Fatalf("live chunk = %q, want %q", got, "late payload")
	}
	select {
	case extra := <-consumer.Chunks():
		t.Fatalf("pre-subscription payload leaked: %q", extra)
	default:
	}
}

func TestBroadcasterEvictsOnlySlowConsumer(t *testing.T) {
	t.Parallel()

	b := relay.NewBroadcaster(relay.NewHeaderCache(), 1)
	a := subscribe(t, b)
	slow := subscribe(t, b)
	c := subscribe(t, b)

	first := []byte("chunk-1")
	b.Publish(first)
	recvChunk(t, a)
	recvChunk(t, c)

	second := []byte("chunk-2")
	b.Publish(second)

	select {
	case <-slow.Done():
	default:
		t.Fatal("saturated consumer should have been evicted")
	}
	if got := recvChunk(t, a); !bytes.Equal(got, second) {
		t.Fatalf("consumer a got %q, want %q", got, second)
	}
	if got := recvChunk(t, c); !bytes.Equal(got, second) {
		t.Fatalf("consumer c got %q, want %q", got, second)
	}
	if b.Count() != 2 {
		t.Fatalf("count = %d, want 2", b.Count())
	}
	if b.Peak() != 3 {
		t.Fatalf("peak = %d, want 3", b.Peak())
	}

	// Eviction stops delivery but already-buffered chunks stay readable.
	if got := recvChunk(t, slow); !bytes.Equal(got, first) {
		t.Fatalf("evicted consumer buffer = %q, want %q", got, first)
	}
}

// Not parallel: the consumer gauge is process-wide, so this measures it
// before the parallel tests in this package resume.
func TestBroadcasterEvictionBalancesConsumerGauge(t *testing.T) {
	before := fanoutConsumerGauge(t)

	b := relay.NewBroadcaster(relay.NewHeaderCache(), 1)
	slow := subscribe(t, b)

	b.Publish([]byte("chunk-1"))
	b.Publish([]byte("chunk-2"))
	select {
	case <-slow.Done():
	default:
		t.Fatal("saturated consumer should have been evicted")
	}
	b.Unsubscribe(slow)

	if after := fanoutConsumerGauge(t); after != before {
		t.Fatalf("fanout consumer gauge = %v after eviction and unsubscribe, want %v", after, before)
	}
}

func TestBroadcasterUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := relay.NewBroadcaster(relay.NewHeaderCache(), 4)
	stay := subscribe(t, b)
	leave := subscribe(t, b)

	b.Unsubscribe(leave)
	select {
	case <-leave.Done():
	default:
		t.Fatal("unsubscribed consumer's done should fire")
	}

	b.Publish([]byte("still flowing"))
	if got := recvChunk(t, stay); !bytes.Equal(got, []byte("still flowing")) {
		t.Fatalf("remaining consumer got %q", got)
	}
	select {
	case chunk := <-leave.Chunks():
		t.Fatalf("unsubscribed consumer received %q", chunk)
	default:
	}
	if b.Count() != 1 {
		t.Fatalf("count = %d, want 1", b.Count())
	}
}

func TestBroadcasterCloseEndsStream(t *testing.T) {
	t.Parallel()

	b := relay.NewBroadcaster(relay.NewHeaderCache(), 4)
	consumer := subscribe(t, b)

	b.Close()
	select {
	case <-consumer.Done():
	default:
		t.Fatal("done should fire when the stream ends")
	}
	if _, err := b.Subscribe(); !errors.Is(err, relay.ErrStreamEnded) {
		t.Fatalf("subscribe after close: %v, want ErrStreamEnded", err)
	}

	b.Publish([]byte("after close"))
	select {
	case chunk := <-consumer.Chunks():
		t.Fatalf("chunk delivered after close: %q", chunk)
	default:
	}
	b.Close()
}
