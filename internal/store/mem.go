package store

import (
	"context"
	"sync"
	"time"

	"github.com/casys-ai/pml/internal/wire"
)

// MemStore is a mutex+map-backed Store, the default for the `stdio`
// transport when no PML_MONGO_URL is configured and for every package's
// unit tests. It mirrors MongoStore's dedup-by-CodeHash and upsert
// semantics without a database round trip.
type MemStore struct {
	mu         sync.RWMutex
	capsByFQDN map[string]wire.Capability
	capsByHash map[string]string // code hash -> fqdn
	traces     map[string]wire.ExecutionTrace
	thresholds map[string]wire.AdaptiveThresholdState
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		capsByFQDN: make(map[string]wire.Capability),
		capsByHash: make(map[string]string),
		traces:     make(map[string]wire.ExecutionTrace),
		thresholds: make(map[string]wire.AdaptiveThresholdState),
	}
}

// Ping always succeeds: there is no connection to check.
func (m *MemStore) Ping(ctx context.Context) error { return nil }

// UpsertCapability stores or updates a capability, deduplicated by
// CodeHash, matching MongoStore.UpsertCapability's semantics.
func (m *MemStore) UpsertCapability(ctx context.Context, cap wire.Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existingFQDN, ok := m.capsByHash[cap.CodeHash]; ok {
		if existing, ok := m.capsByFQDN[existingFQDN]; ok {
			cap.CreatedAt = existing.CreatedAt
		}
	} else if cap.CreatedAt.IsZero() {
		cap.CreatedAt = now
	}
	cap.UpdatedAt = now

	m.capsByFQDN[cap.FQDN] = cap
	m.capsByHash[cap.CodeHash] = cap.FQDN
	return nil
}

// LoadCapability fetches a capability by FQDN.
func (m *MemStore) LoadCapability(ctx context.Context, fqdn string) (wire.Capability, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cap, ok := m.capsByFQDN[fqdn]
	return cap, ok, nil
}

// InsertTrace persists one finalized execution trace, upserted by TraceID.
func (m *MemStore) InsertTrace(ctx context.Context, t wire.ExecutionTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces[t.TraceID] = t
	return nil
}

// SaveThresholdState persists the learning core's adaptive-threshold state
// for workspace.
func (m *MemStore) SaveThresholdState(ctx context.Context, workspace string, state wire.AdaptiveThresholdState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[workspace] = state
	return nil
}

// LoadThresholdState fetches the persisted threshold state for workspace,
// returning ok=false when none has been saved yet.
func (m *MemStore) LoadThresholdState(ctx context.Context, workspace string) (wire.AdaptiveThresholdState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.thresholds[workspace]
	return state, ok, nil
}
