package store

import (
	"context"
	"testing"

	"github.com/casys-ai/pml/internal/wire"
)

func TestMemStoreCapabilityDedupByCodeHash(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	first := wire.Capability{FQDN: "tool.slack.notify", CodeHash: "hash-1", Code: "v1"}
	if err := m.UpsertCapability(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	loaded, ok, err := m.LoadCapability(ctx, "tool.slack.notify")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if loaded.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set on first insert")
	}
	createdAt := loaded.CreatedAt

	updated := wire.Capability{FQDN: "tool.slack.notify", CodeHash: "hash-1", Code: "v2"}
	if err := m.UpsertCapability(ctx, updated); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	loaded, ok, err = m.LoadCapability(ctx, "tool.slack.notify")
	if err != nil || !ok {
		t.Fatalf("load after update: ok=%v err=%v", ok, err)
	}
	if loaded.Code != "v2" {
		t.Fatalf("expected updated code, got %q", loaded.Code)
	}
	if !loaded.CreatedAt.Equal(createdAt) {
		t.Fatalf("expected CreatedAt to be preserved across re-upsert under the same CodeHash, got %v want %v", loaded.CreatedAt, createdAt)
	}
}

func TestMemStoreLoadCapabilityMiss(t *testing.T) {
	m := NewMemStore()
	_, ok, err := m.LoadCapability(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected a miss for an unseen fqdn")
	}
}

func TestMemStoreTraceUpsertByTraceID(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	if err := m.InsertTrace(ctx, wire.ExecutionTrace{TraceID: "t1", CapabilityID: "tool.a"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.InsertTrace(ctx, wire.ExecutionTrace{TraceID: "t1", CapabilityID: "tool.b"}); err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if len(m.traces) != 1 {
		t.Fatalf("expected trace upsert to replace by TraceID, got %d entries", len(m.traces))
	}
	if m.traces["t1"].CapabilityID != "tool.b" {
		t.Fatalf("expected latest trace to win, got %+v", m.traces["t1"])
	}
}

func TestMemStoreThresholdStateRoundTrip(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	_, ok, err := m.LoadThresholdState(ctx, "ws-1")
	if err != nil || ok {
		t.Fatalf("expected no state before save, ok=%v err=%v", ok, err)
	}

	state := wire.AdaptiveThresholdState{SuggestionThreshold: 0.7, ExplicitThreshold: 0.85}
	if err := m.SaveThresholdState(ctx, "ws-1", state); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, ok, err := m.LoadThresholdState(ctx, "ws-1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if loaded != state {
		t.Fatalf("unexpected state: got %+v want %+v", loaded, state)
	}
}
