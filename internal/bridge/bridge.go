// Package bridge owns the set of MCP clients a sandboxed execution can call
// into, dispatches each RPC the sandbox issues to the right client, and
// collects the per-execution record of every tool invocation and trace
// event without letting concurrent executions interleave their state.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/casys-ai/pml/internal/mcpstdio"
	"github.com/casys-ai/pml/internal/pmlerr"
	"github.com/casys-ai/pml/internal/telemetry"
	"github.com/casys-ai/pml/internal/wire"
)

// ToolCaller dispatches one tool call to the server that hosts it. The
// stdio-backed mcpstdio.Manager satisfies this directly; a test double can
// stand in for unit tests.
type ToolCaller interface {
	Call(ctx context.Context, server string, req mcpstdio.CallRequest) (mcpstdio.CallResponse, error)
}

// ApprovalResolver lets the bridge recognize a sub-tool's approval pause
// (propagated up from the loader's per-tool handler, per the loader's
// client-routed pipeline) and re-surface it to the sandbox caller instead
// of treating it as an ordinary tool error.
type ApprovalResolver interface {
	// Resolve inspects err and returns the ApprovalError it carries, if
	// any.
	Resolve(err error) (*pmlerr.ApprovalError, bool)
}

// ToolInvocation is one record of a tool call made during an execution.
type ToolInvocation struct {
	Tool       wire.Ident
	Args       json.RawMessage
	Result     json.RawMessage
	Success    bool
	DurationMs int64
	Timestamp  time.Time
}

// TraceEvent is one tool_start/tool_end event emitted during an execution,
// mirroring the sandbox worker's tracing contract.
type TraceEvent struct {
	Kind      string // "tool_start" or "tool_end"
	Tool      wire.Ident
	Timestamp time.Time
}

// ExecuteResult is what Execute returns once the sandboxed code body has
// finished running (or failed/timed out).
type ExecuteResult struct {
	Success     bool
	Value       json.RawMessage
	Err         error
	DurationMs  int64
	Invocations []ToolInvocation
	Traces      []TraceEvent
}

// ToolDefinition tells the bridge which server hosts a tool name the
// sandbox is allowed to call, for one execution.
type ToolDefinition struct {
	Ident  wire.Ident
	Server string
	Name   string
	// Schema is the tool's raw JSON Schema for its arguments, when known.
	// A capability served from the offline cache (internal/catalog's
	// StoreBackedClient) has no schema available, so validation is
	// skipped rather than failing closed.
	Schema []byte
}

// Executor runs sandboxed code bodies against a fixed set of tool
// definitions, with each call to Execute getting its own isolated
// invocation/trace bookkeeping.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// ExecuteRequest is everything one Execute call needs.
type ExecuteRequest struct {
	Code             string
	ToolDefinitions  []ToolDefinition
	CapabilityCtx    map[string]any
	ParentTraceID    string
}

// Runner is the interface the bridge delegates actual sandboxed execution
// to (internal/sandbox). Kept separate so the bridge can be tested without
// a real goja runtime. toolDefs tells the runner which mcp.<server>.<tool>
// leaves to install before evaluating code; the runner never calls a tool
// directly, it always routes through invoke so the bridge retains sole
// ownership of the per-execution invocation/trace bookkeeping.
type Runner interface {
	// Run executes code with access to the proxy's Invoke method for every
	// mcp.<server>.<tool>() call the code issues, and returns the code's
	// return value (already JSON-encoded) or an error.
	Run(ctx context.Context, code string, toolDefs []ToolDefinition, capabilityCtx map[string]any, invoke InvokeFunc) (json.RawMessage, error)
}

// InvokeFunc is how the sandbox runtime calls back into the bridge for one
// mcp.<server>.<tool>(args) expression.
type InvokeFunc func(ctx context.Context, tool wire.Ident, args json.RawMessage) (json.RawMessage, error)

type bridge struct {
	caller   ToolCaller
	runner   Runner
	resolver ApprovalResolver
	logger   telemetry.Logger
	tracer   telemetry.Tracer

	schemas sync.Map // wire.Ident -> *jsonschema.Schema
}

// New returns an Executor that dispatches tool calls through caller and
// runs code bodies through runner.
func New(caller ToolCaller, runner Runner, resolver ApprovalResolver, logger telemetry.Logger, tracer telemetry.Tracer) Executor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &bridge{caller: caller, runner: runner, resolver: resolver, logger: logger, tracer: tracer}
}

// Execute spawns a fresh logical execution: its own tool-name-to-server
// lookup table and its own invocation/trace slices, so that concurrent
// Execute calls never interleave each other's bookkeeping even though they
// may share the same underlying ToolCaller.
func (b *bridge) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	ctx, span := b.tracer.Start(ctx, "bridge.execute")
	defer span.End()

	lookup := make(map[wire.Ident]ToolDefinition, len(req.ToolDefinitions))
	for _, td := range req.ToolDefinitions {
		lookup[td.Ident] = td
	}

	exec := &execution{
		bridge: b,
		lookup: lookup,
	}

	start := time.Now()
	value, err := b.runner.Run(ctx, req.Code, req.ToolDefinitions, req.CapabilityCtx, exec.invoke)
	durationMs := time.Since(start).Milliseconds()

	result := ExecuteResult{
		Value:       value,
		Err:         err,
		DurationMs:  durationMs,
		Invocations: exec.snapshotInvocations(),
		Traces:      exec.snapshotTraces(),
	}
	result.Success = err == nil
	return result, nil
}

// execution holds the per-call state for one Execute invocation: its own
// invocation/trace slices guarded by a private mutex, so the bridge's
// shared ToolCaller can be hit concurrently by many executions without
// their bookkeeping interleaving.
type execution struct {
	bridge *bridge
	lookup map[wire.Ident]ToolDefinition

	mu          sync.Mutex
	invocations []ToolInvocation
	traces      []TraceEvent
}

func (e *execution) invoke(ctx context.Context, tool wire.Ident, args json.RawMessage) (json.RawMessage, error) {
	def, ok := e.lookup[tool]
	if !ok {
		return nil, &pmlerr.NotFoundError{Kind: "tool", Name: string(tool)}
	}

	if err := e.bridge.validateArgs(def, args); err != nil {
		return nil, fmt.Errorf("tool %s: invalid arguments: %w", tool, err)
	}

	e.recordTrace(TraceEvent{Kind: "tool_start", Tool: tool, Timestamp: time.Now()})
	start := time.Now()

	resp, err := e.bridge.caller.Call(ctx, def.Server, mcpstdio.CallRequest{Tool: def.Name, Payload: args})
	durationMs := time.Since(start).Milliseconds()

	e.recordTrace(TraceEvent{Kind: "tool_end", Tool: tool, Timestamp: time.Now()})

	inv := ToolInvocation{
		Tool:       tool,
		Args:       args,
		DurationMs: durationMs,
		Timestamp:  start,
	}
	if err != nil {
		if approval, ok := e.bridge.resolveApproval(err); ok {
			// A sub-tool approval requirement propagates up as an error
			// marker the loader recognizes and converts back into a typed
			// ApprovalError for the outer caller.
			inv.Success = false
			e.recordInvocation(inv)
			return nil, fmt.Errorf("__APPROVAL_REQUIRED__:%s", approval.ToolID)
		}
		inv.Success = false
		e.recordInvocation(inv)
		return nil, err
	}

	inv.Success = true
	inv.Result = resp.Result
	e.recordInvocation(inv)
	return resp.Result, nil
}

func (e *execution) recordInvocation(inv ToolInvocation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invocations = append(e.invocations, inv)
}

func (e *execution) recordTrace(ev TraceEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.traces = append(e.traces, ev)
}

func (e *execution) snapshotInvocations() []ToolInvocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ToolInvocation, len(e.invocations))
	copy(out, e.invocations)
	return out
}

func (e *execution) snapshotTraces() []TraceEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TraceEvent, len(e.traces))
	copy(out, e.traces)
	return out
}

// validateArgs checks args against def's JSON Schema, if it has one. A tool
// definition with no schema (offline-cached capabilities never carry one)
// is not validated — absence of a schema is not treated as a validation
// failure.
func (b *bridge) validateArgs(def ToolDefinition, args json.RawMessage) error {
	if len(def.Schema) == 0 {
		return nil
	}
	schema, err := b.compiledSchema(def)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}
	return schema.Validate(doc)
}

func (b *bridge) compiledSchema(def ToolDefinition) (*jsonschema.Schema, error) {
	if cached, ok := b.schemas.Load(def.Ident); ok {
		return cached.(*jsonschema.Schema), nil
	}
	var schemaDoc any
	if err := json.Unmarshal(def.Schema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema for %s: %w", def.Ident, err)
	}
	resourceID := "tool:" + string(def.Ident)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceID, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", def.Ident, err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", def.Ident, err)
	}
	b.schemas.Store(def.Ident, schema)
	return schema, nil
}

func (b *bridge) resolveApproval(err error) (*pmlerr.ApprovalError, bool) {
	if b.resolver == nil {
		return nil, false
	}
	return b.resolver.Resolve(err)
}
