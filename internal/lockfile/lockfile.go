// Package lockfile persists the approved integrity hash for every
// fully-qualified capability name the loader has ever fetched, and gates
// future fetches against it.
package lockfile

import (
	"context"
	"sync"

	"github.com/casys-ai/pml/internal/wire"
)

// Checker gates a fetched capability's integrity against the pinned entry
// for its FQDN, and records approval decisions.
type Checker interface {
	// Check compares integrity against the stored entry for fqdn. ok is
	// true when the fetch may proceed without an approval: either there
	// is no prior entry and AutoApprove is enabled, or a prior entry
	// exists, is approved, and its integrity matches.
	Check(ctx context.Context, fqdn, integrity, capType string) (entry wire.LockfileEntry, ok bool, err error)

	// Approve records integrity as the new approved hash for fqdn,
	// creating the entry if one does not already exist.
	Approve(ctx context.Context, fqdn, integrity, capType string) error

	// Reject leaves any existing entry untouched; present so callers have
	// a single place to record a rejection decision (e.g. for auditing)
	// without mutating lockfile state.
	Reject(ctx context.Context, fqdn string) error
}

// Store is the persistence surface a Checker is built on. internal/store
// provides the in-memory and MongoDB-backed implementations.
type Store interface {
	Get(ctx context.Context, fqdn string) (wire.LockfileEntry, bool, error)
	Put(ctx context.Context, entry wire.LockfileEntry) error
}

// MemStore is a map-backed Store, used by the stdio transport and by tests.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]wire.LockfileEntry
}

// NewMemStore returns an empty in-memory lockfile store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]wire.LockfileEntry)}
}

func (s *MemStore) Get(_ context.Context, fqdn string) (wire.LockfileEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fqdn]
	return e, ok, nil
}

func (s *MemStore) Put(_ context.Context, entry wire.LockfileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.FQDN] = entry
	return nil
}

// checker is the default Checker implementation.
type checker struct {
	store       Store
	autoApprove bool
}

// New returns a Checker backed by store. When autoApprove is true, the
// first fetch for an FQDN with no prior entry is approved automatically
// instead of raising an integrity approval requirement.
func New(store Store, autoApprove bool) Checker {
	return &checker{store: store, autoApprove: autoApprove}
}

func (c *checker) Check(ctx context.Context, fqdn, integrity, capType string) (wire.LockfileEntry, bool, error) {
	existing, found, err := c.store.Get(ctx, fqdn)
	if err != nil {
		return wire.LockfileEntry{}, false, err
	}
	if !found {
		if c.autoApprove {
			entry := wire.LockfileEntry{FQDN: fqdn, Integrity: integrity, Type: capType, Approved: true}
			if err := c.store.Put(ctx, entry); err != nil {
				return wire.LockfileEntry{}, false, err
			}
			return entry, true, nil
		}
		return wire.LockfileEntry{FQDN: fqdn, Integrity: integrity, Type: capType}, false, nil
	}
	if existing.Approved && existing.Integrity == integrity {
		return existing, true, nil
	}
	// Integrity mismatch, or a prior entry exists but was never approved:
	// either way the fetch must pause for a human decision.
	return existing, false, nil
}

func (c *checker) Approve(ctx context.Context, fqdn, integrity, capType string) error {
	entry := wire.LockfileEntry{FQDN: fqdn, Integrity: integrity, Type: capType, Approved: true}
	return c.store.Put(ctx, entry)
}

func (c *checker) Reject(_ context.Context, _ string) error {
	return nil
}
