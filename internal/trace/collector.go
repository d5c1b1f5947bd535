// Package trace implements the capability loader's deferred trace
// pipeline: sanitizing execution records, sorting a completed batch so
// parents precede children, and syncing the batch to the cloud catalog
// with retrying, bounded-size posts.
package trace

import (
	"context"
	"sync"

	"github.com/casys-ai/pml/internal/telemetry"
	"github.com/casys-ai/pml/internal/wire"
)

// Syncer delivers a sorted, sanitized batch of traces to the cloud
// catalog. RetryingSyncer (posting through internal/catalog's HTTP
// client) and Outbox implement it.
type Syncer interface {
	SyncBatch(ctx context.Context, traces []wire.ExecutionTrace) error
}

// Collector accumulates traces for one loader instance and flushes them
// on demand; it never auto-flushes, so "parent before child" ordering is
// guaranteed only at an explicit flush boundary.
type Collector struct {
	mu      sync.Mutex
	pending []wire.ExecutionTrace
	syncer  Syncer
	logger  telemetry.Logger

	batchSize int
}

// DefaultBatchSize is the maximum number of traces posted to the catalog
// in one sync request.
const DefaultBatchSize = 10

// NewCollector returns a Collector that posts flushed batches through
// syncer, chunked to batchSize (DefaultBatchSize if <= 0).
func NewCollector(syncer Syncer, logger telemetry.Logger, batchSize int) *Collector {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Collector{syncer: syncer, logger: logger, batchSize: batchSize}
}

// Enqueue sanitizes trace and appends it to the pending buffer.
func (c *Collector) Enqueue(t wire.ExecutionTrace) {
	t.TaskResults = sanitizeTaskResults(t.TaskResults)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, t)
}

// Pending returns a snapshot of the currently buffered traces.
func (c *Collector) Pending() []wire.ExecutionTrace {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.ExecutionTrace, len(c.pending))
	copy(out, c.pending)
	return out
}

// Flush topologically sorts the pending batch by parentTraceId, posts it
// to the syncer in batchSize chunks, and clears the buffer only once
// every chunk has been acknowledged. On a sync failure the unsent
// remainder (including the failed chunk) stays buffered for the next
// Flush.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	sorted := topoSort(batch)
	sent := 0
	for sent < len(sorted) {
		end := sent + c.batchSize
		if end > len(sorted) {
			end = len(sorted)
		}
		chunk := sorted[sent:end]
		if err := c.syncer.SyncBatch(ctx, chunk); err != nil {
			c.logger.Warn(ctx, "trace sync failed", "sent", sent, "total", len(sorted), "error", err)
			c.removeFlushed(sorted[:sent])
			return err
		}
		sent = end
	}
	c.removeFlushed(sorted)
	return nil
}

// removeFlushed drops the given traces (matched by TraceID) from pending.
func (c *Collector) removeFlushed(flushed []wire.ExecutionTrace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	done := make(map[string]struct{}, len(flushed))
	for _, t := range flushed {
		done[t.TraceID] = struct{}{}
	}
	remaining := c.pending[:0]
	for _, t := range c.pending {
		if _, ok := done[t.TraceID]; !ok {
			remaining = append(remaining, t)
		}
	}
	c.pending = remaining
}

func sanitizeTaskResults(in []wire.TaskResult) []wire.TaskResult {
	if len(in) == 0 {
		return in
	}
	out := make([]wire.TaskResult, len(in))
	for i, tr := range in {
		cp := tr
		if tr.Args != nil {
			if m, ok := Sanitize(any(tr.Args)).(map[string]any); ok {
				cp.Args = m
			}
		}
		cp.Result = Sanitize(tr.Result)
		out[i] = cp
	}
	return out
}

// topoSort orders traces so every parent precedes its children, using
// parentTraceId as the dependency edge. Orphans (parent not present in
// the batch, or no parent) are emitted in original relative order as soon
// as their own dependency (if any, and present) is satisfied.
func topoSort(traces []wire.ExecutionTrace) []wire.ExecutionTrace {
	byID := make(map[string]wire.ExecutionTrace, len(traces))
	for _, t := range traces {
		byID[t.TraceID] = t
	}

	visited := make(map[string]bool, len(traces))
	out := make([]wire.ExecutionTrace, 0, len(traces))

	var visit func(t wire.ExecutionTrace)
	visit = func(t wire.ExecutionTrace) {
		if visited[t.TraceID] {
			return
		}
		visited[t.TraceID] = true
		if t.ParentTraceID != "" {
			if parent, ok := byID[t.ParentTraceID]; ok {
				visit(parent)
			}
		}
		out = append(out, t)
	}

	for _, t := range traces {
		visit(t)
	}
	return out
}
