package trace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/casys-ai/pml/internal/pulseclient"
	"github.com/casys-ai/pml/internal/telemetry"
	"github.com/casys-ai/pml/internal/wire"
)

// DefaultOutboxStream is the Pulse stream a workspace's trace batches are
// durably enqueued to before they reach the cloud catalog.
const DefaultOutboxStream = "pml.trace.outbox"

// DefaultOutboxSink is the consumer group name the drain loop reads under,
// so re-running the drain after a crash resumes from Pulse's pending-entry
// list instead of re-reading everything from the start of the stream.
const DefaultOutboxSink = "pml.trace.outbox.drain"

// Outbox is a Syncer that durably enqueues each batch to a Pulse (Redis
// stream) queue instead of posting to the catalog directly: SyncBatch
// returns as soon as the batch is safely in Redis, and a separate Drain
// loop delivers enqueued batches to the real Poster with retry, acking
// each entry only once delivery succeeds. This decouples "the collector's
// buffer can be cleared" from "the catalog has actually received the
// batch" — a process restart between the two no longer loses traces,
// closing the gap RetryingSyncer alone leaves (its retries live only in
// that one process's memory).
type Outbox struct {
	client     pulseclient.Client
	streamName string
	sinkName   string
	logger     telemetry.Logger
}

// NewOutbox returns an Outbox backed by client, enqueuing to streamName
// (DefaultOutboxStream if empty).
func NewOutbox(client pulseclient.Client, streamName string, logger telemetry.Logger) *Outbox {
	if streamName == "" {
		streamName = DefaultOutboxStream
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Outbox{client: client, streamName: streamName, sinkName: DefaultOutboxSink, logger: logger}
}

// SyncBatch implements Syncer by appending the batch to the outbox stream.
func (o *Outbox) SyncBatch(ctx context.Context, traces []wire.ExecutionTrace) error {
	str, err := o.client.Stream(o.streamName)
	if err != nil {
		return fmt.Errorf("trace: open outbox stream: %w", err)
	}
	payload, err := json.Marshal(traces)
	if err != nil {
		return fmt.Errorf("trace: marshal outbox batch: %w", err)
	}
	if _, err := str.Add(ctx, "trace_batch", payload); err != nil {
		return fmt.Errorf("trace: enqueue outbox batch: %w", err)
	}
	return nil
}

// Drain reads batches off the outbox stream and delivers each to poster,
// acking only once delivery succeeds. It blocks until ctx is canceled, so
// callers run it in its own goroutine.
func (o *Outbox) Drain(ctx context.Context, poster Poster) error {
	str, err := o.client.Stream(o.streamName)
	if err != nil {
		return fmt.Errorf("trace: open outbox stream: %w", err)
	}
	sink, err := str.NewSink(ctx, o.sinkName)
	if err != nil {
		return fmt.Errorf("trace: open outbox sink: %w", err)
	}
	defer sink.Close(ctx)

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			var batch []wire.ExecutionTrace
			if err := json.Unmarshal(evt.Payload, &batch); err != nil {
				o.logger.Warn(ctx, "trace: outbox entry decode failed, dropping", "error", err)
				_ = sink.Ack(ctx, evt)
				continue
			}
			if err := poster.PostTraces(ctx, batch); err != nil {
				o.logger.Warn(ctx, "trace: outbox delivery failed, leaving entry pending for retry", "error", err)
				continue
			}
			if err := sink.Ack(ctx, evt); err != nil {
				o.logger.Warn(ctx, "trace: outbox ack failed", "error", err)
			}
		}
	}
}
