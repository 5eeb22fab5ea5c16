package cache

import (
	"testing"
	"time"
)

func TestTTLCacheExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCache[string, bool](WithNow(func() time.Time { return now }))

	c.Set("evt_1", true, time.Minute)
	c.Set("evt_2", true, 0)

	if _, ok := c.Get("evt_1"); !ok {
		t.Fatalf("expected hit before expiry")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("evt_1"); ok {
		t.Fatalf("expected miss after expiry")
	}
	if _, ok := c.Get("evt_2"); !ok {
		t.Fatalf("entries without ttl never expire")
	}
}

func TestTTLCacheBound(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCache[int, int](WithMaxEntries(2), WithNow(func() time.Time { return now }))

	c.Set(1, 1, time.Second)
	c.Set(2, 2, time.Hour)
	now = now.Add(time.Minute)
	c.Set(3, 3, time.Hour)

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get(1); ok {
		t.Fatalf("expected expired entry to be pruned first")
	}
	if _, ok := c.Get(3); !ok {
		t.Fatalf("expected newest entry to be stored")
	}
}

func TestNoopCache(t *testing.T) {
	var c Cache[string, int] = NoopCache[string, int]{}
	c.Set("a", 1, time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("noop cache must always miss")
	}
}
