package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/casys-ai/pml/internal/wire"
)

// memCapabilityStore is a minimal in-memory stand-in for internal/store's
// CapabilityStore slice, avoiding a dependency on a real store in this
// package's unit tests.
type memCapabilityStore struct {
	mu   sync.Mutex
	caps map[string]wire.Capability
}

func newMemCapabilityStore() *memCapabilityStore {
	return &memCapabilityStore{caps: map[string]wire.Capability{}}
}

func (s *memCapabilityStore) UpsertCapability(ctx context.Context, cap wire.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[cap.FQDN] = cap
	return nil
}

func (s *memCapabilityStore) LoadCapability(ctx context.Context, fqdn string) (wire.Capability, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cap, ok := s.caps[fqdn]
	return cap, ok, nil
}

func TestStoreBackedClientCachesSuccessfulFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(capabilityEnvelope{
			Capability: wire.Capability{FQDN: "tool.slack.notify", Code: "return 1;"},
		})
	}))
	defer srv.Close()

	store := newMemCapabilityStore()
	remote := New(srv.URL, "")
	client := NewStoreBackedClient(remote, store)

	cap, _, err := client.FetchCapability(context.Background(), "tool.slack.notify")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cap.Code != "return 1;" {
		t.Fatalf("unexpected capability: %+v", cap)
	}

	cached, ok, err := store.LoadCapability(context.Background(), "tool.slack.notify")
	if err != nil || !ok {
		t.Fatalf("expected fetched capability to be cached, ok=%v err=%v", ok, err)
	}
	if cached.Code != "return 1;" {
		t.Fatalf("unexpected cached capability: %+v", cached)
	}
}

func TestStoreBackedClientFallsBackToCacheOnNetworkFailure(t *testing.T) {
	store := newMemCapabilityStore()
	seeded := wire.Capability{
		FQDN:      "tool.jira.create_issue",
		Code:      "return 2;",
		ToolsUsed: []wire.Ident{"jira:create_issue"},
	}
	if err := store.UpsertCapability(context.Background(), seeded); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Port 0 on loopback is never listening, so the dial fails immediately
	// with a connection-refused NetworkError rather than hanging.
	remote := New("http://127.0.0.1:0", "")
	client := NewStoreBackedClient(remote, store)

	cap, defs, err := client.FetchCapability(context.Background(), "tool.jira.create_issue")
	if err != nil {
		t.Fatalf("expected fallback to cache, got error: %v", err)
	}
	if cap.Code != "return 2;" {
		t.Fatalf("unexpected capability: %+v", cap)
	}
	if len(defs) != 1 || defs[0].Server != "jira" || defs[0].Name != "create_issue" {
		t.Fatalf("unexpected reconstructed tool defs: %+v", defs)
	}
}

func TestStoreBackedClientSurfacesNetworkErrorOnCacheMiss(t *testing.T) {
	store := newMemCapabilityStore()
	remote := New("http://127.0.0.1:0", "")
	client := NewStoreBackedClient(remote, store)

	_, _, err := client.FetchCapability(context.Background(), "tool.never-cached")
	if err == nil {
		t.Fatal("expected the original NetworkError when both the network call and the cache miss")
	}
}
