// Package sandbox runs a capability's code body in an embedded ECMAScript
// interpreter with no filesystem, network, process, or environment
// capability: the only globals installed into the runtime are `mcp`, whose
// leaf methods resolve to RPC calls back into the host, and `context`, the
// capability context passed to Execute.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/casys-ai/pml/internal/pmlerr"
	"github.com/casys-ai/pml/internal/wire"
)

// DefaultRPCTimeout is the per-tool-call timeout applied unless the
// caller overrides it.
const DefaultRPCTimeout = 10 * time.Second

// DefaultExecutionTimeout bounds one execute call; it does not include
// time spent paused on a human approval (the loader never starts a
// sandbox execution for an approval-pending step).
const DefaultExecutionTimeout = 30 * time.Second

// Invoke is how the worker calls back into the host for one
// mcp.<server>.<tool>(args) expression.
type Invoke func(ctx context.Context, tool wire.Ident, args json.RawMessage) (json.RawMessage, error)

// TraceEvent mirrors the worker's tool_start/tool_end tracing contract.
type TraceEvent struct {
	Kind       string
	TraceID    string
	Tool       wire.Ident
	Timestamp  time.Time
	DurationMs int64
	Success    bool
	Err        string
}

// Result is the tagged-union outcome of one Execute call.
type Result struct {
	Success bool
	Value   json.RawMessage
	Err     *pmlerr.ExecutionError
	Traces  []TraceEvent
}

// ToolDefinition names one tool the sandboxed code is allowed to call,
// addressed as mcp.<Server>.<Name>(args).
type ToolDefinition struct {
	Ident  wire.Ident
	Server string
	Name   string
}

// Worker runs code bodies one at a time on a dedicated goroutine with its
// own goja.Runtime, since a goja.Runtime is not safe for concurrent use.
// A Bridge (internal/bridge) spawns one Worker per concurrent Execute
// call, matching the spec's "each spawns its own worker" concurrency
// model.
type Worker struct {
	mu          sync.Mutex
	terminated  bool
	rpcTimeout  time.Duration
}

// NewWorker returns a fresh Worker with the default per-call RPC timeout.
func NewWorker() *Worker {
	return &Worker{rpcTimeout: DefaultRPCTimeout}
}

// Execute evaluates code as an immediately-invoked function body, with
// capabilityCtx installed as the `context` global and invoke wired as the
// RPC transport for every mcp.<server>.<tool>() call the code issues. It
// enforces DefaultExecutionTimeout (or ctx's deadline, if sooner): on
// expiry it interrupts the runtime, which stops the script at its next
// checked point, waits for the script's goroutine to return, and returns
// EXECUTION_TIMEOUT.
func (w *Worker) Execute(ctx context.Context, code string, toolDefs []ToolDefinition, capabilityCtx map[string]any, invoke Invoke) Result {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return errResult(pmlerr.CodeWorkerTerminated, fmt.Errorf("worker has been shut down"))
	}
	w.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, DefaultExecutionTimeout)
	defer cancel()

	type outcome struct {
		result Result
	}
	done := make(chan outcome, 1)
	rt := goja.New()
	traces := &traceRecorder{}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{errResult(pmlerr.CodeExecutionError, fmt.Errorf("panic: %v", r))}
			}
		}()
		value, err := runInRuntime(rt, execCtx, code, toolDefs, capabilityCtx, invoke, w.rpcTimeout, traces)
		if err != nil {
			done <- outcome{Result{Success: false, Err: classifyError(err), Traces: traces.snapshot()}}
			return
		}
		done <- outcome{Result{Success: true, Value: value, Traces: traces.snapshot()}}
	}()

	select {
	case out := <-done:
		return out.result
	case <-execCtx.Done():
		rt.Interrupt("execution timeout")
		<-done // wait for the goroutine to observe the interrupt and exit
		return errResult(pmlerr.CodeExecutionTimeout, execCtx.Err())
	}
}

// Shutdown marks the worker terminated; subsequent Execute calls fail
// immediately with WORKER_TERMINATED.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	w.terminated = true
	w.mu.Unlock()
}

func errResult(code pmlerr.ExecutionCode, err error) Result {
	return Result{Success: false, Err: &pmlerr.ExecutionError{Code: code, Err: err}}
}

func classifyError(err error) *pmlerr.ExecutionError {
	if ee, ok := err.(*pmlerr.ExecutionError); ok {
		return ee
	}
	return &pmlerr.ExecutionError{Code: pmlerr.CodeExecutionError, Err: err}
}

type traceRecorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (t *traceRecorder) record(ev TraceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
}

func (t *traceRecorder) snapshot() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}
