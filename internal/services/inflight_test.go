package services

import (
	"context"
	"testing"
	"time"
)

func TestMemoryInFlightAcquireRelease(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryInFlight()
	key := InFlightKey("ev1", "s1", "u1")

	ok, err := g.Acquire(ctx, key, "tok-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire = %v, %v; want true, nil", ok, err)
	}
	if ok, _ := g.Acquire(ctx, key, "tok-b", time.Minute); ok {
		t.Fatalf("second Acquire with another token succeeded")
	}
	if ok, _ := g.Acquire(ctx, key, "tok-a", time.Minute); ok {
		t.Fatalf("re-acquire with the same token succeeded while held")
	}
	other := InFlightKey("ev1", "s2", "u1")
	if ok, _ := g.Acquire(ctx, other, "tok-b", time.Minute); !ok {
		t.Fatalf("Acquire on a different sample failed")
	}

	// Releasing with a foreign token leaves the marker in place.
	_ = g.Release(ctx, key, "tok-b")
	if ok, _ := g.Acquire(ctx, key, "tok-c", time.Minute); ok {
		t.Fatalf("foreign Release removed the marker")
	}
	_ = g.Release(ctx, key, "tok-a")
	if ok, _ := g.Acquire(ctx, key, "tok-c", time.Minute); !ok {
		t.Fatalf("Acquire after owner Release failed")
	}
}

func TestMemoryInFlightExpires(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryInFlight()
	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	key := InFlightKey("ev1", "s1", "u1")

	if ok, _ := g.Acquire(ctx, key, "crashed", 30*time.Second); !ok {
		t.Fatalf("Acquire failed")
	}
	now = now.Add(29 * time.Second)
	if ok, _ := g.Acquire(ctx, key, "retry", 30*time.Second); ok {
		t.Fatalf("Acquire succeeded before ttl elapsed")
	}
	now = now.Add(time.Second)
	if ok, _ := g.Acquire(ctx, key, "retry", 30*time.Second); !ok {
		t.Fatalf("Acquire failed after ttl elapsed")
	}
}

func TestInFlightKeyFormat(t *testing.T) {
	if got := InFlightKey("e", "s", "u"); got != "inflight:e:s:u" {
		t.Fatalf("InFlightKey = %q, want %q", got, "inflight:e:s:u")
	}
}
