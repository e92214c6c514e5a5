package ratelimit

import (
	"testing"
	"time"

	"github.com/odbcx/engine/internal/pool"
)

func TestAllowRespectsBurstSize(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, BurstSize: 2, CleanupInterval: time.Minute})
	defer l.Stop()

	id := pool.Identity{Driver: "mem", Host: "a"}
	if !l.Allow(id) {
		t.Fatal("first request should be allowed")
	}
	if !l.Allow(id) {
		t.Fatal("second request (within burst) should be allowed")
	}
	if l.Allow(id) {
		t.Fatal("third immediate request should be throttled")
	}
}

func TestAllowTracksIdentitiesIndependently(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	a := pool.Identity{Driver: "mem", Host: "a"}
	b := pool.Identity{Driver: "mem", Host: "b"}

	if !l.Allow(a) || !l.Allow(b) {
		t.Fatal("distinct identities should each get their own bucket")
	}
	stats := l.Stats()
	if stats.ActiveIdentities != 2 {
		t.Fatalf("ActiveIdentities = %d, want 2", stats.ActiveIdentities)
	}
}
