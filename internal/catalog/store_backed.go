package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/casys-ai/pml/internal/bridge"
	"github.com/casys-ai/pml/internal/pmlerr"
	"github.com/casys-ai/pml/internal/wire"
)

// CapabilityStore is the narrow slice of internal/store.Store
// StoreBackedClient depends on: reading and writing the client-side
// capability cache (spec.md's "In-process (PGlite) database").
type CapabilityStore interface {
	UpsertCapability(ctx context.Context, cap wire.Capability) error
	LoadCapability(ctx context.Context, fqdn string) (wire.Capability, bool, error)
}

// StoreBackedClient wraps a *Client, caching every successfully-fetched
// capability into a local Store and falling back to that cache when the
// network round trip fails — spec.md scenario S3 ("Offline mode, pre-
// cached capability works, uncached fails"). It satisfies the same
// internal/loader.CatalogClient interface *Client does, so it is a drop-in
// replacement wherever a Loader is assembled.
type StoreBackedClient struct {
	remote *Client
	store  CapabilityStore
}

// NewStoreBackedClient returns a CatalogClient that caches remote's fetches
// into store and serves from store when remote is unreachable.
func NewStoreBackedClient(remote *Client, store CapabilityStore) *StoreBackedClient {
	return &StoreBackedClient{remote: remote, store: store}
}

// FetchCapability implements internal/loader.CatalogClient. A network
// failure falls back to the local cache; a cache miss on top of a network
// failure still surfaces the original NetworkError, so callers can tell
// "offline and uncached" apart from "offline but served from cache".
func (c *StoreBackedClient) FetchCapability(ctx context.Context, fqdn string) (wire.Capability, []bridge.ToolDefinition, error) {
	cap, defs, err := c.remote.FetchCapability(ctx, fqdn)
	if err == nil {
		if cacheErr := c.store.UpsertCapability(ctx, cap); cacheErr != nil {
			return cap, defs, nil
		}
		return cap, defs, nil
	}

	var netErr *pmlerr.NetworkError
	if !errors.As(err, &netErr) {
		return wire.Capability{}, nil, err
	}

	cached, ok, loadErr := c.store.LoadCapability(ctx, fqdn)
	if loadErr != nil || !ok {
		return wire.Capability{}, nil, err
	}
	return cached, toolDefsFromIdents(cached.ToolsUsed), nil
}

// toolDefsFromIdents reconstructs the []bridge.ToolDefinition the live
// catalog would have returned alongside a capability from the
// "server:name" idents persisted on the capability itself, since the cache
// only round-trips wire.Capability, not the catalog envelope's separate
// tools list.
func toolDefsFromIdents(idents []wire.Ident) []bridge.ToolDefinition {
	defs := make([]bridge.ToolDefinition, 0, len(idents))
	for _, id := range idents {
		server, name, ok := strings.Cut(string(id), ":")
		if !ok {
			continue
		}
		defs = append(defs, bridge.ToolDefinition{Ident: id, Server: server, Name: name})
	}
	return defs
}
