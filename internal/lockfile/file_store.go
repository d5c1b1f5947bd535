package lockfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/casys-ai/pml/internal/wire"
)

// FileStore persists lockfile entries as the workspace's single
// `.pml/mcp.lock` JSON file (spec.md §6's persisted state layout). The
// loader is documented as the lockfile's only writer, so a single mutex
// serializing reads and writes is sufficient — there is no multi-process
// contention to design around.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a Store backed by the lock file at path (typically
// "<workspace>/.pml/mcp.lock"), loading any entries already on disk.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lockfile: create directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

type lockFileDocument struct {
	Entries map[string]wire.LockfileEntry `json:"entries"`
}

func (s *FileStore) Get(_ context.Context, fqdn string) (wire.LockfileEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return wire.LockfileEntry{}, false, err
	}
	entry, ok := doc.Entries[fqdn]
	return entry, ok, nil
}

func (s *FileStore) Put(_ context.Context, entry wire.LockfileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string]wire.LockfileEntry)
	}
	doc.Entries[entry.FQDN] = entry
	return s.write(doc)
}

func (s *FileStore) read() (lockFileDocument, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return lockFileDocument{Entries: map[string]wire.LockfileEntry{}}, nil
	}
	if err != nil {
		return lockFileDocument{}, fmt.Errorf("lockfile: read %s: %w", s.path, err)
	}
	var doc lockFileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return lockFileDocument{}, fmt.Errorf("lockfile: parse %s: %w", s.path, err)
	}
	return doc, nil
}

// write serializes doc to a temp file in the same directory and renames it
// over the real path, so a crash mid-write never leaves mcp.lock truncated
// or corrupt.
func (s *FileStore) write(doc lockFileDocument) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("lockfile: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("lockfile: rename temp file: %w", err)
	}
	return nil
}
