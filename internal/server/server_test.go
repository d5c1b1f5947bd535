package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/casys-ai/pml/internal/pmlerr"
	"github.com/casys-ai/pml/internal/wire"
)

type fakeCaller struct {
	callFn            func(ctx context.Context, fqdn string, tool wire.Ident, args map[string]any, sessionID, parentTraceID string) (wire.TaskResult, error)
	approveWorkflowID string
	approveApproved   bool
	approveResult     wire.TaskResult
	approveErr        error
}

func (f *fakeCaller) Call(ctx context.Context, fqdn string, tool wire.Ident, args map[string]any, sessionID, parentTraceID string) (wire.TaskResult, error) {
	return f.callFn(ctx, fqdn, tool, args, sessionID, parentTraceID)
}

func (f *fakeCaller) ApproveToolForSession(ctx context.Context, workflowID string, approved bool) (wire.TaskResult, error) {
	f.approveWorkflowID = workflowID
	f.approveApproved = approved
	return f.approveResult, f.approveErr
}

type fakeRegistry struct {
	tools []wire.Tool
	err   error
}

func (f *fakeRegistry) ListTools(ctx context.Context) ([]wire.Tool, error) {
	return f.tools, f.err
}

func TestHandleMessageInitialize(t *testing.T) {
	s := New(&fakeCaller{}, &fakeRegistry{}, nil)
	raw := s.HandleMessage(context.Background(), "sess-1", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))

	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Fatalf("unexpected protocol version: %q", result.ProtocolVersion)
	}
}

func TestHandleMessageParseError(t *testing.T) {
	s := New(&fakeCaller{}, &fakeRegistry{}, nil)
	raw := s.HandleMessage(context.Background(), "sess-1", []byte(`not json`))
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Fatalf("expected a parse error, got %+v", resp.Error)
	}
}

func TestHandleMessageUnknownMethod(t *testing.T) {
	s := New(&fakeCaller{}, &fakeRegistry{}, nil)
	raw := s.HandleMessage(context.Background(), "sess-1", []byte(`{"jsonrpc":"2.0","id":1,"method":"bogus"}`))
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestHandleMessageToolsListRespectsExpose(t *testing.T) {
	reg := &fakeRegistry{tools: []wire.Tool{
		{ID: "slack:notify", Name: "slack:notify", Description: "notify a channel"},
		{ID: "jira:create_issue", Name: "jira:create_issue", Description: "file a ticket"},
	}}
	s := New(&fakeCaller{}, reg, nil, WithExpose([]string{"slack:notify"}))

	raw := s.HandleMessage(context.Background(), "sess-1", []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	var resp rpcResponse
	_ = json.Unmarshal(raw, &resp)
	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "slack:notify" {
		t.Fatalf("expected only the exposed tool, got %+v", result.Tools)
	}
}

func TestHandleMessageToolsCallDispatchesToCaller(t *testing.T) {
	caller := &fakeCaller{
		callFn: func(ctx context.Context, fqdn string, tool wire.Ident, args map[string]any, sessionID, parentTraceID string) (wire.TaskResult, error) {
			if fqdn != "slack.notify" {
				t.Fatalf("unexpected fqdn: %q", fqdn)
			}
			if sessionID != "sess-1" {
				t.Fatalf("unexpected sessionID: %q", sessionID)
			}
			return wire.TaskResult{Success: true, Result: map[string]any{"ok": true}}, nil
		},
	}
	s := New(caller, &fakeRegistry{}, nil)
	raw := s.HandleMessage(context.Background(), "sess-1",
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slack:notify","arguments":{"channel":"general"}}}`))

	var resp rpcResponse
	_ = json.Unmarshal(raw, &resp)
	var result successResponse
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != "success" || !result.ExecutedLocally {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestHandleMessageToolsCallSurfacesApproval(t *testing.T) {
	caller := &fakeCaller{
		callFn: func(ctx context.Context, fqdn string, tool wire.Ident, args map[string]any, sessionID, parentTraceID string) (wire.TaskResult, error) {
			return wire.TaskResult{}, &pmlerr.ApprovalError{Type: pmlerr.ApprovalToolPermission, ToolID: "slack:notify", WorkflowID: "wf-9"}
		},
	}
	s := New(caller, &fakeRegistry{}, nil)
	raw := s.HandleMessage(context.Background(), "sess-1",
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slack:notify","arguments":{}}}`))

	var resp rpcResponse
	_ = json.Unmarshal(raw, &resp)
	var result approvalResponse
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != "approval_required" || result.WorkflowID != "wf-9" {
		t.Fatalf("unexpected approval response: %+v", result)
	}
}

func TestHandleMessageToolsCallContinueWorkflowRoutesToApprove(t *testing.T) {
	caller := &fakeCaller{approveResult: wire.TaskResult{Success: true, Result: "resumed"}}
	s := New(caller, &fakeRegistry{}, nil)
	raw := s.HandleMessage(context.Background(), "sess-1",
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slack:notify","arguments":{"continue_workflow":{"approved":true,"workflow_id":"wf-9"}}}}`))

	var resp rpcResponse
	_ = json.Unmarshal(raw, &resp)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if caller.approveWorkflowID != "wf-9" || !caller.approveApproved {
		t.Fatalf("expected ApproveToolForSession to be called with wf-9/true, got %q/%v", caller.approveWorkflowID, caller.approveApproved)
	}
}

func TestHandleMessageToolsCallRejectsUnexposedTool(t *testing.T) {
	s := New(&fakeCaller{}, &fakeRegistry{}, nil, WithExpose([]string{"slack:notify"}))
	raw := s.HandleMessage(context.Background(), "sess-1",
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"jira:create_issue","arguments":{}}}`))

	var resp rpcResponse
	_ = json.Unmarshal(raw, &resp)
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid-params rejection for an unexposed tool, got %+v", resp.Error)
	}
}

func TestFqdnFromToolNameNormalizesColons(t *testing.T) {
	if got := fqdnFromToolName("slack:notify"); got != "slack.notify" {
		t.Fatalf("unexpected fqdn: %q", got)
	}
}
