package server

import (
	"testing"
	"time"

	"ripplecast/internal/testsupport/redisstub"
)

func TestRedisCounterStoreFixedWindow(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	store := newRedisCounterStore(srv.Addr(), "", "secret", time.Second)
	t.Cleanup(func() {
		_ = store.Close()
	})

	const key = "ripplecast:ingest:203.0.113.7"
	for i := 0; i < 2; i++ {
		allowed, _, err := store.Allow(key, 2, time.Minute)
		if err != nil {
			t.Fatalf("allow attempt %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("expected attempt %d to be admitted", i+1)
		}
	}

	allowed, retryAfter, err := store.Allow(key, 2, time.Minute)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if allowed {
		t.Fatal("expected attempt over the limit to be rejected")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected remaining window as retry-after, got %s", retryAfter)
	}

	// A different address counts against its own window.
	allowed, _, err = store.Allow("ripplecast:ingest:198.51.100.9", 2, time.Minute)
	if err != nil {
		t.Fatalf("allow other key: %v", err)
	}
	if !allowed {
		t.Fatal("expected a fresh key to be admitted")
	}
}

func TestRateLimiterUsesRedisStoreWhenConfigured(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	rl := newRateLimiter(RateLimitConfig{
		IngestLimit:   1,
		IngestWindow:  time.Minute,
		RedisAddr:     srv.Addr(),
		RedisPassword: "secret",
	})
	if rl.store == nil {
		t.Fatal("expected redis-backed counter store")
	}

	allowed, _, err := rl.AllowIngest("203.0.113.7")
	if err != nil {
		t.Fatalf("allow ingest: %v", err)
	}
	if !allowed {
		t.Fatal("expected first handshake to be admitted")
	}

	allowed, retryAfter, err := rl.AllowIngest("203.0.113.7")
	if err != nil {
		t.Fatalf("allow ingest: %v", err)
	}
	if allowed {
		t.Fatal("expected second handshake to be rejected")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected retry-after from redis TTL, got %s", retryAfter)
	}
}
