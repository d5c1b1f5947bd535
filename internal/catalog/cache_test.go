package catalog

import (
	"testing"
	"time"

	"github.com/casys-ai/pml/internal/bridge"
	"github.com/casys-ai/pml/internal/wire"
)

func TestCacheGetMissReturnsFalse(t *testing.T) {
	c := NewCache(time.Minute)
	if _, _, ok := c.Get("slack.notify"); ok {
		t.Fatal("expected a miss on an empty cache")
	}
}

func TestCachePutThenGetRoundTrips(t *testing.T) {
	c := NewCache(time.Minute)
	cap := wire.Capability{ID: "cap-1", FQDN: "slack.notify"}
	tools := []bridge.ToolDefinition{{Server: "slack", Name: "notify"}}
	c.Put("slack.notify", cap, tools)

	got, gotTools, ok := c.Get("slack.notify")
	if !ok {
		t.Fatal("expected a hit after Put")
	}
	if got.ID != "cap-1" || len(gotTools) != 1 || gotTools[0].Name != "notify" {
		t.Fatalf("unexpected cached entry: %+v %+v", got, gotTools)
	}
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Put("slack.notify", wire.Capability{ID: "cap-1"}, nil)
	time.Sleep(5 * time.Millisecond)
	if _, _, ok := c.Get("slack.notify"); ok {
		t.Fatal("expected the entry to have expired")
	}
}

func TestCacheInvalidateRemovesEntry(t *testing.T) {
	c := NewCache(time.Minute)
	c.Put("slack.notify", wire.Capability{ID: "cap-1"}, nil)
	c.Invalidate("slack.notify")
	if _, _, ok := c.Get("slack.notify"); ok {
		t.Fatal("expected Invalidate to remove the cached entry")
	}
}

func TestNewCacheDefaultsZeroTTL(t *testing.T) {
	c := NewCache(0)
	if c.ttl != DefaultCacheTTL {
		t.Fatalf("expected NewCache(0) to fall back to DefaultCacheTTL, got %v", c.ttl)
	}
}
