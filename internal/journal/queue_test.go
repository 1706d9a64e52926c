package journal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"ripplecast/internal/observability/metrics"
)

func TestMemoryQueueFanout(t *testing.T) {
	queue := NewMemoryQueue(4)
	subA := queue.Subscribe()
	subB := queue.Subscribe()
	t.Cleanup(subA.Close)
	t.Cleanup(subB.Close)

	event := Event{
		Type:       EventSessionAdmitted,
		SessionID:  "sess-1",
		OccurredAt: time.Now().UTC(),
	}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, sub := range map[string]Subscription{"a": subA, "b": subB} {
		select {
		case got := <-sub.Events():
			if got.SessionID != event.SessionID || got.Type != event.Type {
				t.Fatalf("subscriber %s got unexpected event: %+v", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s timed out", name)
		}
	}
}

func TestMemoryQueueValidatesEvents(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), Event{SessionID: "sess-1"}); err == nil {
		t.Fatal("expected error for missing type")
	}
	if err := queue.Publish(context.Background(), Event{Type: EventSessionClosed}); err == nil {
		t.Fatal("expected error for missing session id")
	}
}

func droppedEventCount(t *testing.T, eventType EventType) float64 {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	prefix := fmt.Sprintf("ripplecast_journal_events_dropped_total{type=%q} ", string(eventType))
	for _, line := range strings.Split(rr.Body.String(), "\n") {
		if value, ok := strings.CutPrefix(line, prefix); ok {
			parsed, err := strconv.ParseFloat(value, 64)
			if err != nil {
				t.Fatalf("parse counter value %q: %v", value, err)
			}
			return parsed
		}
	}
	return 0
}

func TestMemoryQueueDropsWhenSubscriberFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	t.Cleanup(sub.Close)

	before := droppedEventCount(t, EventSessionPiped)
	for i := 0; i < 3; i++ {
		event := Event{Type: EventSessionPiped, SessionID: "sess-1", OccurredAt: time.Now().UTC()}
		if err := queue.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	// Only the buffered event survives; the overflow was dropped, not blocked.
	received := 0
drain:
	for {
		select {
		case <-sub.Events():
			received++
		default:
			break drain
		}
	}
	if received != 1 {
		t.Fatalf("expected 1 buffered event, got %d", received)
	}
	// Both overflows must show up in the drop counter.
	if got := droppedEventCount(t, EventSessionPiped); got != before+2 {
		t.Fatalf("dropped counter = %v, want %v", got, before+2)
	}
}

func TestMemorySubscriptionCloseIsIdempotent(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	sub.Close()
	sub.Close()

	if err := queue.Publish(context.Background(), Event{Type: EventSessionClosed, SessionID: "sess-1"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
