// Package server implements the agent-facing JSON-RPC 2.0 protocol (the
// "wire protocol" of spec.md §6) over both of PML's transports — stdio
// and HTTP — by dispatching through one shared Server, the same way
// internal/mcpstdio's rpcRequest/rpcResponse frame one message per JSON-RPC
// call for the *outbound* side of the bridge.
package server

import (
	"context"
	"encoding/json"

	"github.com/casys-ai/pml/internal/wire"
)

// ProtocolVersion is the MCP protocol version advertised by initialize,
// matching internal/mcpstdio.DefaultProtocolVersion so PML advertises the
// same handshake value it expects from the servers it spawns.
const ProtocolVersion = "2024-11-05"

// rpcRequest/rpcResponse mirror internal/mcpstdio's JSON-RPC 2.0 envelope,
// on the inbound (agent-facing) side of the bridge rather than the
// outbound (tool-server-facing) side.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Reserved JSON-RPC 2.0 error codes, matching internal/mcpstdio's.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      serverInfo      `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// continueWorkflow is extracted from a tools/call's arguments before
// dispatch, per spec.md §6's resumption contract.
type continueWorkflow struct {
	Approved   bool   `json:"approved"`
	WorkflowID string `json:"workflow_id"`
}

// successResponse/errorResponse/approvalResponse are the three locally-
// synthesized tools/call response shapes (spec.md §6).
type successResponse struct {
	Status           string `json:"status"`
	Result           any    `json:"result"`
	ExecutedLocally  bool   `json:"executed_locally"`
}

type errorResponse struct {
	Status          string `json:"status"`
	Error           string `json:"error"`
	ExecutedLocally bool   `json:"executed_locally"`
}

type approvalResponse struct {
	Status       string         `json:"status"`
	ApprovalType string         `json:"approval_type"`
	WorkflowID   string         `json:"workflow_id"`
	Description  string         `json:"description"`
	Context      map[string]any `json:"context"`
	Options      []string       `json:"options"`
}

// ToolRegistry supplies the tool inventory tools/list advertises to the
// agent — the union of locally-spawned MCP servers' tools and any
// capability-backed tools the workspace has loaded.
type ToolRegistry interface {
	ListTools(ctx context.Context) ([]wire.Tool, error)
}
