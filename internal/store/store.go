package store

import (
	"context"

	"github.com/casys-ai/pml/internal/wire"
)

// Store is the persistence surface PML's server-side (and client-cached)
// domain objects are read and written through. Two implementations satisfy
// it: the in-memory MemStore (default for the `stdio` transport when no
// database is configured, and for all unit tests) and the MongoDB-backed
// Store in mongo.go (used in production deployments that run `serve`
// against a shared database). Callers depend on this interface, never on
// either concrete type, so swapping one for the other is a config decision,
// not a code change.
type Store interface {
	Ping(ctx context.Context) error
	UpsertCapability(ctx context.Context, cap wire.Capability) error
	LoadCapability(ctx context.Context, fqdn string) (wire.Capability, bool, error)
	InsertTrace(ctx context.Context, t wire.ExecutionTrace) error
	SaveThresholdState(ctx context.Context, workspace string, state wire.AdaptiveThresholdState) error
	LoadThresholdState(ctx context.Context, workspace string) (wire.AdaptiveThresholdState, bool, error)
}

var (
	_ Store = (*MongoStore)(nil)
	_ Store = (*MemStore)(nil)
)
