package trace

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/casys-ai/pml/internal/pulseclient"
	"github.com/casys-ai/pml/internal/wire"
)

// fakeClient/fakeStream/fakeSink stand in for a real Pulse/Redis connection,
// grounded on features/stream/pulse/subscriber_test.go's pattern of feeding
// *streaming.Event values straight into a channel.
type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: map[string]*fakeStream{}}
}

func (c *fakeClient) Stream(name string) (pulseclient.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{events: make(chan *streaming.Event, 16)}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(ctx context.Context) error { return nil }

type fakeStream struct {
	mu     sync.Mutex
	nextID int
	events chan *streaming.Event
	acked  []string
}

func (s *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	s.nextID++
	id := "entry-" + string(rune('0'+s.nextID))
	s.mu.Unlock()
	s.events <- &streaming.Event{ID: id, Payload: payload}
	return id, nil
}

func (s *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (pulseclient.Sink, error) {
	return &fakeSink{stream: s}, nil
}

type fakeSink struct {
	stream *fakeStream
	mu     sync.Mutex
	acked  []string
	closed bool
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.stream.events }

func (s *fakeSink) Ack(ctx context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

type fakePoster struct {
	mu       sync.Mutex
	batches  [][]wire.ExecutionTrace
	failN    int // number of initial calls to fail before succeeding
	delivery chan struct{}
}

func newFakePoster() *fakePoster {
	return &fakePoster{delivery: make(chan struct{}, 8)}
}

func (p *fakePoster) PostTraces(ctx context.Context, batch []wire.ExecutionTrace) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failN > 0 {
		p.failN--
		return errors.New("simulated delivery failure")
	}
	p.batches = append(p.batches, batch)
	select {
	case p.delivery <- struct{}{}:
	default:
	}
	return nil
}

func TestOutboxSyncBatchEnqueues(t *testing.T) {
	client := newFakeClient()
	outbox := NewOutbox(client, "test.outbox", nil)

	batch := []wire.ExecutionTrace{{TraceID: "t1"}, {TraceID: "t2"}}
	if err := outbox.SyncBatch(context.Background(), batch); err != nil {
		t.Fatalf("sync batch: %v", err)
	}

	str, _ := client.Stream("test.outbox")
	fs := str.(*fakeStream)
	select {
	case evt := <-fs.events:
		var got []wire.ExecutionTrace
		if err := json.Unmarshal(evt.Payload, &got); err != nil {
			t.Fatalf("decode enqueued payload: %v", err)
		}
		if len(got) != 2 || got[0].TraceID != "t1" {
			t.Fatalf("unexpected enqueued batch: %+v", got)
		}
	default:
		t.Fatal("expected an enqueued event on the stream")
	}
}

func TestOutboxDrainDeliversAndAcks(t *testing.T) {
	client := newFakeClient()
	outbox := NewOutbox(client, "test.outbox.drain", nil)

	batch := []wire.ExecutionTrace{{TraceID: "t1"}}
	if err := outbox.SyncBatch(context.Background(), batch); err != nil {
		t.Fatalf("sync batch: %v", err)
	}

	poster := newFakePoster()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- outbox.Drain(ctx, poster) }()

	select {
	case <-poster.delivery:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the drain loop to deliver the batch")
	}
	cancel()
	<-done

	poster.mu.Lock()
	defer poster.mu.Unlock()
	if len(poster.batches) != 1 || poster.batches[0][0].TraceID != "t1" {
		t.Fatalf("expected one delivered batch, got %+v", poster.batches)
	}
}

func TestOutboxDrainLeavesFailedEntryPendingForRetry(t *testing.T) {
	client := newFakeClient()
	outbox := NewOutbox(client, "test.outbox.retry", nil)
	batch := []wire.ExecutionTrace{{TraceID: "t1"}}
	if err := outbox.SyncBatch(context.Background(), batch); err != nil {
		t.Fatalf("sync batch: %v", err)
	}

	poster := newFakePoster()
	poster.failN = 1
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- outbox.Drain(ctx, poster) }()

	// Let the failing delivery attempt run, then stop the loop; since the
	// stream has no consumer-group redelivery in this fake, what we're
	// actually asserting is that a failed PostTraces never lands in
	// poster.batches (the outbox must not ack on failure, leaving the entry
	// for real Redis consumer-group redelivery in production).
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	poster.mu.Lock()
	defer poster.mu.Unlock()
	if len(poster.batches) != 0 {
		t.Fatalf("expected the failed delivery to not be recorded as delivered, got %+v", poster.batches)
	}
}
