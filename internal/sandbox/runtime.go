package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/casys-ai/pml/internal/pmlerr"
)

// runInRuntime wires the mcp.<server>.<tool>(args) proxy into rt, installs
// capabilityCtx as the `context` global, evaluates code as an
// immediately-invoked function expression, and returns its cycle-safe
// JSON-serialized result.
func runInRuntime(
	rt *goja.Runtime,
	ctx context.Context,
	code string,
	toolDefs []ToolDefinition,
	capabilityCtx map[string]any,
	invoke Invoke,
	rpcTimeout time.Duration,
	traces *traceRecorder,
) (json.RawMessage, error) {
	if err := rt.Set("context", capabilityCtx); err != nil {
		return nil, &pmlerr.ExecutionError{Code: pmlerr.CodeExecutionError, Err: err}
	}

	mcp := rt.NewObject()
	servers := map[string]*goja.Object{}
	for _, td := range toolDefs {
		srv, ok := servers[td.Server]
		if !ok {
			srv = rt.NewObject()
			servers[td.Server] = srv
			if err := mcp.Set(td.Server, srv); err != nil {
				return nil, &pmlerr.ExecutionError{Code: pmlerr.CodeExecutionError, Err: err}
			}
		}
		tool := td // capture
		fn := makeToolFunc(rt, ctx, tool, invoke, rpcTimeout, traces)
		if err := srv.Set(td.Name, fn); err != nil {
			return nil, &pmlerr.ExecutionError{Code: pmlerr.CodeExecutionError, Err: err}
		}
	}
	if err := rt.Set("mcp", mcp); err != nil {
		return nil, &pmlerr.ExecutionError{Code: pmlerr.CodeExecutionError, Err: err}
	}

	wrapped := "(function(){\n" + code + "\n})()"
	value, err := rt.RunString(wrapped)
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return nil, &pmlerr.ExecutionError{Code: pmlerr.CodeExecutionTimeout, Err: err}
		}
		if exc, ok := err.(*goja.Exception); ok {
			// A tool call that failed (including an approval pause, which
			// makeToolFunc panics with as a "__APPROVAL_REQUIRED__:<id>"
			// string) surfaces here as the exception's value rather than a
			// JS syntax problem, so it is an execution error, not a parse
			// error.
			return nil, &pmlerr.ExecutionError{Code: pmlerr.CodeExecutionError, Err: fmt.Errorf("%v", exc.Value().Export())}
		}
		return nil, &pmlerr.ExecutionError{Code: pmlerr.CodeParseError, Err: err}
	}

	exported := value.Export()
	safe, cyclic := makeCycleSafe(exported, map[uintptr]bool{})
	raw, err := json.Marshal(safe)
	if err != nil {
		return nil, &pmlerr.ExecutionError{Code: pmlerr.CodeExecutionError, Err: err}
	}
	_ = cyclic
	return raw, nil
}

// makeToolFunc builds the JS-callable function backing one
// mcp.<server>.<tool> leaf: it marshals the single argument object,
// dispatches through invoke with a per-call RPC timeout, records
// tool_start/tool_end trace events, and converts the result back into a
// goja value.
func makeToolFunc(rt *goja.Runtime, ctx context.Context, tool ToolDefinition, invoke Invoke, rpcTimeout time.Duration, traces *traceRecorder) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var argsRaw json.RawMessage
		if len(call.Arguments) > 0 {
			exported := call.Argument(0).Export()
			safe, _ := makeCycleSafe(exported, map[uintptr]bool{})
			b, err := json.Marshal(safe)
			if err != nil {
				panic(rt.ToValue(fmt.Sprintf("invalid arguments to %s.%s: %v", tool.Server, tool.Name, err)))
			}
			argsRaw = b
		} else {
			argsRaw = json.RawMessage("{}")
		}

		traceID, _ := uuid.NewV7()
		start := time.Now()
		traces.record(TraceEvent{Kind: "tool_start", TraceID: traceID.String(), Tool: tool.Ident, Timestamp: start})

		callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		defer cancel()

		result, err := invoke(callCtx, tool.Ident, argsRaw)
		dur := time.Since(start)

		if err != nil {
			errMsg := err.Error()
			if callCtx.Err() == context.DeadlineExceeded {
				errMsg = "rpc timeout: " + errMsg
			}
			traces.record(TraceEvent{Kind: "tool_end", TraceID: traceID.String(), Tool: tool.Ident, Timestamp: time.Now(), DurationMs: dur.Milliseconds(), Success: false, Err: errMsg})
			if approval, ok := err.(*pmlerr.ApprovalError); ok {
				panic(rt.ToValue(approvalMarker(approval)))
			}
			panic(rt.ToValue(errMsg))
		}

		traces.record(TraceEvent{Kind: "tool_end", TraceID: traceID.String(), Tool: tool.Ident, Timestamp: time.Now(), DurationMs: dur.Milliseconds(), Success: true})

		var parsed any
		if len(result) > 0 {
			if err := json.Unmarshal(result, &parsed); err != nil {
				parsed = string(result)
			}
		}
		return rt.ToValue(parsed)
	}
}

func approvalMarker(a *pmlerr.ApprovalError) string {
	return fmt.Sprintf("__APPROVAL_REQUIRED__:%s", a.ToolID)
}

// makeCycleSafe walks an Export()-ed value (produced by goja, so limited
// to map[string]interface{}, []interface{}, and scalars) and replaces any
// self-referential map or slice with the literal string "[CYCLIC]" rather
// than recursing forever. seen tracks the identity of ancestors currently
// being walked, not every map/slice ever visited, so the same object
// appearing twice as siblings is serialized twice rather than flagged.
func makeCycleSafe(v any, seen map[uintptr]bool) (any, bool) {
	switch vv := v.(type) {
	case map[string]interface{}:
		ptr := reflect.ValueOf(vv).Pointer()
		if seen[ptr] {
			return "[CYCLIC]", true
		}
		seen[ptr] = true
		out := make(map[string]interface{}, len(vv))
		cyclic := false
		for k, val := range vv {
			cv, c := makeCycleSafe(val, seen)
			out[k] = cv
			cyclic = cyclic || c
		}
		delete(seen, ptr)
		return out, cyclic
	case []interface{}:
		ptr := reflect.ValueOf(vv).Pointer()
		if seen[ptr] {
			return "[CYCLIC]", true
		}
		seen[ptr] = true
		out := make([]interface{}, len(vv))
		cyclic := false
		for i, val := range vv {
			cv, c := makeCycleSafe(val, seen)
			out[i] = cv
			cyclic = cyclic || c
		}
		delete(seen, ptr)
		return out, cyclic
	default:
		return v, false
	}
}
