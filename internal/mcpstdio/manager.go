package mcpstdio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/casys-ai/pml/internal/telemetry"
)

// DefaultIdleTimeout is how long a spawned server is kept alive with no
// outbound calls before the manager shuts it down.
const DefaultIdleTimeout = 5 * time.Minute

// ServerSpec describes how to launch one MCP server.
type ServerSpec struct {
	ID      string
	Command string
	Args    []string
	Env     []string
	Dir     string

	// RateLimit caps calls per second this manager will issue to the
	// server once spawned. Zero means unlimited — most stdio servers are
	// a local subprocess with no shared capacity to protect, but a
	// server that proxies to a rate-limited upstream API can set this to
	// stay under it without failing the call outright.
	RateLimit float64
}

// Manager owns a set of lazily spawned MCP server subprocesses, keyed by
// server id, and tears each down after it has been idle past IdleTimeout.
type Manager struct {
	idleTimeout time.Duration
	logger      telemetry.Logger
	metrics     telemetry.Metrics

	mu      sync.Mutex
	servers map[string]ServerSpec
	entries map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	caller  *stdioCaller
	timer   *time.Timer
	tools   []ToolDescriptor
	limiter *rate.Limiter
}

// NewManager constructs a Manager with no servers registered yet; call
// Register for each configured server before Call.
func NewManager(logger telemetry.Logger, metrics telemetry.Metrics, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Manager{
		idleTimeout: idleTimeout,
		logger:      logger,
		metrics:     metrics,
		servers:     make(map[string]ServerSpec),
		entries:     make(map[string]*entry),
	}
}

// Register adds or replaces a server's launch spec. It does not spawn the
// process; spawning happens lazily on the first Call or ListTools.
func (m *Manager) Register(spec ServerSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[spec.ID] = spec
}

// Call invokes a tool on the named server, spawning the server if it is not
// already running and resetting its idle timer on success or failure alike.
func (m *Manager) Call(ctx context.Context, server string, req CallRequest) (CallResponse, error) {
	e, err := m.ensure(ctx, server)
	if err != nil {
		return CallResponse{}, err
	}
	e.mu.Lock()
	caller := e.caller
	limiter := e.limiter
	e.mu.Unlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return CallResponse{}, fmt.Errorf("mcpstdio: rate limit wait on %q: %w", server, err)
		}
	}
	resp, err := caller.CallTool(ctx, req)
	m.touch(server, e)
	return resp, err
}

// Tools returns the tool inventory a server advertised on spawn, spawning it
// first if necessary.
func (m *Manager) Tools(ctx context.Context, server string) ([]ToolDescriptor, error) {
	e, err := m.ensure(ctx, server)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tools, nil
}

func (m *Manager) ensure(ctx context.Context, server string) (*entry, error) {
	m.mu.Lock()
	spec, ok := m.servers[server]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("mcpstdio: unknown server %q", server)
	}
	e, exists := m.entries[server]
	if !exists {
		e = &entry{}
		m.entries[server] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.caller != nil {
		return e, nil
	}

	caller, err := newStdioCaller(ctx, Options{
		Command: spec.Command,
		Args:    spec.Args,
		Env:     spec.Env,
		Dir:     spec.Dir,
	})
	if err != nil {
		return nil, fmt.Errorf("mcpstdio: spawn %q: %w", server, err)
	}
	tools, err := caller.ListTools(ctx)
	if err != nil {
		m.logger.Warn(ctx, "mcp server tools/list failed", "server", server, "error", err)
	}
	e.caller = caller
	e.tools = tools
	if spec.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(spec.RateLimit), 1)
	}
	m.logger.Info(ctx, "mcp server spawned", "server", server, "tools", len(tools))
	m.metrics.IncCounter("mcpstdio.server.spawned", 1, "server", server)
	m.resetTimerLocked(server, e)
	return e, nil
}

func (m *Manager) touch(server string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.caller == nil {
		return
	}
	m.resetTimerLocked(server, e)
}

// resetTimerLocked must be called with e.mu held.
func (m *Manager) resetTimerLocked(server string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(m.idleTimeout, func() {
		m.shutdownIdle(server)
	})
}

func (m *Manager) shutdownIdle(server string) {
	m.mu.Lock()
	e, ok := m.entries[server]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	caller := e.caller
	e.caller = nil
	e.tools = nil
	e.mu.Unlock()
	if caller != nil {
		_ = caller.Close()
		m.logger.Info(context.Background(), "mcp server idle shutdown", "server", server)
		m.metrics.IncCounter("mcpstdio.server.idle_shutdown", 1, "server", server)
	}
}

// ShutdownAll closes every currently running server, regardless of idle
// state. Intended for process teardown.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	entries := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		entries[id] = e
	}
	m.mu.Unlock()

	for id, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		caller := e.caller
		e.caller = nil
		e.mu.Unlock()
		if caller != nil {
			_ = caller.Close()
			m.logger.Info(context.Background(), "mcp server shutdown", "server", id)
		}
	}
}
