package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/casys-ai/pml/internal/pmlerr"
	"github.com/casys-ai/pml/internal/wire"
)

func TestWorkerExecuteReturnsValue(t *testing.T) {
	w := NewWorker()
	res := w.Execute(context.Background(), "return 1 + 1;", nil, nil, nil)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Err)
	}
	if string(res.Value) != "2" {
		t.Fatalf("unexpected value: %s", res.Value)
	}
}

func TestWorkerExecuteDispatchesToolCall(t *testing.T) {
	w := NewWorker()
	invoke := func(ctx context.Context, tool wire.Ident, args json.RawMessage) (json.RawMessage, error) {
		if tool != "slack:notify" {
			t.Fatalf("unexpected tool: %s", tool)
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
	res := w.Execute(context.Background(), `return mcp.slack.notify({channel:"general"});`,
		[]ToolDefinition{{Ident: "slack:notify", Server: "slack", Name: "notify"}}, nil, invoke)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Err)
	}
	var got map[string]any
	if err := json.Unmarshal(res.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["ok"] != true {
		t.Fatalf("unexpected value: %+v", got)
	}
	if len(res.Traces) != 2 || res.Traces[0].Kind != "tool_start" || res.Traces[1].Kind != "tool_end" {
		t.Fatalf("unexpected traces: %+v", res.Traces)
	}
	if !res.Traces[1].Success {
		t.Fatal("expected tool_end to record success")
	}
}

func TestWorkerExecutePropagatesToolError(t *testing.T) {
	w := NewWorker()
	invoke := func(ctx context.Context, tool wire.Ident, args json.RawMessage) (json.RawMessage, error) {
		return nil, &pmlerr.NotFoundError{Kind: "tool", Name: string(tool)}
	}
	res := w.Execute(context.Background(), `return mcp.slack.notify({});`,
		[]ToolDefinition{{Ident: "slack:notify", Server: "slack", Name: "notify"}}, nil, invoke)
	if res.Success {
		t.Fatal("expected failure when the invoked tool errors")
	}
	if res.Err == nil || res.Err.Code != pmlerr.CodeExecutionError {
		t.Fatalf("unexpected error classification: %+v", res.Err)
	}
}

func TestWorkerExecutePropagatesApproval(t *testing.T) {
	w := NewWorker()
	invoke := func(ctx context.Context, tool wire.Ident, args json.RawMessage) (json.RawMessage, error) {
		return nil, &pmlerr.ApprovalError{Type: pmlerr.ApprovalToolPermission, ToolID: "slack:notify"}
	}
	res := w.Execute(context.Background(), `return mcp.slack.notify({});`,
		[]ToolDefinition{{Ident: "slack:notify", Server: "slack", Name: "notify"}}, nil, invoke)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Err.Err.Error() != "__APPROVAL_REQUIRED__:slack:notify" {
		t.Fatalf("expected the approval marker to surface through the exception, got %q", res.Err.Err.Error())
	}
}

func TestWorkerExecuteTimesOut(t *testing.T) {
	w := &Worker{rpcTimeout: DefaultRPCTimeout}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := w.Execute(ctx, `while(true){}`, nil, nil, nil)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Err == nil || res.Err.Code != pmlerr.CodeExecutionTimeout {
		t.Fatalf("expected EXECUTION_TIMEOUT, got %+v", res.Err)
	}
}

func TestWorkerExecuteAfterShutdownFails(t *testing.T) {
	w := NewWorker()
	w.Shutdown()
	res := w.Execute(context.Background(), "return 1;", nil, nil, nil)
	if res.Success {
		t.Fatal("expected failure after shutdown")
	}
	if res.Err.Code != pmlerr.CodeWorkerTerminated {
		t.Fatalf("expected WORKER_TERMINATED, got %+v", res.Err)
	}
}

func TestMakeCycleSafeDetectsCycle(t *testing.T) {
	a := map[string]interface{}{}
	a["self"] = a
	safe, cyclic := makeCycleSafe(a, map[uintptr]bool{})
	if !cyclic {
		t.Fatal("expected cyclic=true")
	}
	m, ok := safe.(map[string]interface{})
	if !ok || m["self"] != "[CYCLIC]" {
		t.Fatalf("expected self-reference replaced, got %+v", safe)
	}
}
