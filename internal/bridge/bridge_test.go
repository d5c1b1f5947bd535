package bridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/casys-ai/pml/internal/mcpstdio"
	"github.com/casys-ai/pml/internal/wire"
)

type fakeCaller struct {
	calls []mcpstdio.CallRequest
	resp  mcpstdio.CallResponse
	err   error
}

func (f *fakeCaller) Call(ctx context.Context, server string, req mcpstdio.CallRequest) (mcpstdio.CallResponse, error) {
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

// fakeRunner invokes every tool in its toolDefs once with a fixed payload,
// standing in for a real goja sandbox run.
type fakeRunner struct {
	invoke func(ctx context.Context, tool wire.Ident, args json.RawMessage) (json.RawMessage, error)
}

func (r *fakeRunner) Run(ctx context.Context, code string, toolDefs []ToolDefinition, capabilityCtx map[string]any, invoke InvokeFunc) (json.RawMessage, error) {
	r.invoke = invoke
	for _, td := range toolDefs {
		if _, err := invoke(ctx, td.Ident, json.RawMessage(`{"x":1}`)); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`"ok"`), nil
}

func TestExecuteDispatchesToCaller(t *testing.T) {
	caller := &fakeCaller{resp: mcpstdio.CallResponse{Result: json.RawMessage(`{"y":2}`)}}
	runner := &fakeRunner{}
	ex := New(caller, runner, nil, nil, nil)

	result, err := ex.Execute(context.Background(), ExecuteRequest{
		Code:            "return mcp.slack.notify({x:1})",
		ToolDefinitions: []ToolDefinition{{Ident: "slack:notify", Server: "slack", Name: "notify"}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got err=%v", result.Err)
	}
	if len(caller.calls) != 1 || caller.calls[0].Tool != "notify" {
		t.Fatalf("expected one call to notify, got %+v", caller.calls)
	}
	if len(result.Invocations) != 1 || !result.Invocations[0].Success {
		t.Fatalf("expected one successful invocation, got %+v", result.Invocations)
	}
	if len(result.Traces) != 2 {
		t.Fatalf("expected tool_start+tool_end traces, got %d", len(result.Traces))
	}
}

func TestExecuteRejectsUnknownTool(t *testing.T) {
	caller := &fakeCaller{}
	b := &bridge{caller: caller, runner: &fakeRunner{}}
	exec := &execution{bridge: b, lookup: map[wire.Ident]ToolDefinition{}}

	if _, err := exec.invoke(context.Background(), "nonexistent:tool", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error invoking a tool with no matching definition")
	}
	if len(caller.calls) != 0 {
		t.Fatalf("expected no dispatch to caller, got %+v", caller.calls)
	}
}

func TestExecuteWithNoToolDefinitionsSucceeds(t *testing.T) {
	caller := &fakeCaller{}
	var empty fakeRunner
	ex := New(caller, &empty, nil, nil, nil)
	res, err := ex.Execute(context.Background(), ExecuteRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success with no tool defs, got %+v", res)
	}
}

func TestValidateArgsRejectsSchemaMismatch(t *testing.T) {
	caller := &fakeCaller{resp: mcpstdio.CallResponse{Result: json.RawMessage(`{}`)}}
	runner := &fakeRunner{
		invoke: nil,
	}
	b := &bridge{caller: caller, runner: runner}

	def := ToolDefinition{
		Ident:  "slack:notify",
		Server: "slack",
		Name:   "notify",
		Schema: []byte(`{"type":"object","required":["channel"],"properties":{"channel":{"type":"string"}}}`),
	}
	exec := &execution{bridge: b, lookup: map[wire.Ident]ToolDefinition{def.Ident: def}}

	if _, err := exec.invoke(context.Background(), def.Ident, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected validation error for missing required field")
	}

	if _, err := exec.invoke(context.Background(), def.Ident, json.RawMessage(`{"channel":"general"}`)); err != nil {
		t.Fatalf("expected valid arguments to pass, got %v", err)
	}
}
