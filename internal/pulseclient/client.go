// Package pulseclient is a thin wrapper around goa.design/pulse streams,
// narrowed to the Add/Sink operations internal/trace's durable outbox
// needs. Adapted from features/stream/pulse/clients/pulse/client.go:
// the Redis-stream plumbing is unchanged (there is only one way to wrap
// Pulse streams), but the surface is trimmed to what a trace outbox
// actually calls — no StreamOptions callback, no generated cmg client.
package pulseclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Client.
	Options struct {
		// Redis is the connection backing every Pulse stream. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream (0 uses
		// Pulse's own default), capping how much undelivered-trace backlog
		// one workspace's outbox stream can accumulate.
		StreamMaxLen int
		// OperationTimeout bounds individual Add calls. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse's API the trace outbox needs.
	Client interface {
		// Stream returns a handle to the named stream, creating it if
		// necessary.
		Stream(name string) (Stream, error)
		// Close releases client resources. The caller owns the underlying
		// Redis connection; Close never closes it.
		Close(ctx context.Context) error
	}

	// Stream is one Pulse-backed Redis stream: the outbox appends batches
	// to it and, separately, drains them through a consumer group Sink.
	Stream interface {
		// Add publishes payload under event, returning the Redis-assigned
		// entry ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens a consumer group named name on this stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink is a consumer group reading from a Stream.
	Sink interface {
		// Subscribe returns a channel emitting events as they arrive.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges an event, removing it from the pending list.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink.
		Close(context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulseclient: redis connection is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("pulseclient: stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulseclient: create stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

func (c *client) Close(ctx context.Context) error { return nil }

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulseclient: add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulseclient: new sink: %w", err)
	}
	return &sinkAdapter{Sink: sink}, nil
}

type sinkAdapter struct {
	*streaming.Sink
}

func (s *sinkAdapter) Close(ctx context.Context) { s.Sink.Close(ctx) }
