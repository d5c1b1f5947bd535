package server

import (
	"encoding/json"
	"errors"
	"strings"

	"context"

	"github.com/casys-ai/pml/internal/pmlerr"
	"github.com/casys-ai/pml/internal/telemetry"
	"github.com/casys-ai/pml/internal/wire"
)

// Caller is the subset of *internal/loader.Loader the server dispatches
// tools/call onto; narrowed to an interface so the transport tests don't
// need a full Loader (catalog, lockfile, engine, ...) behind them.
type Caller interface {
	Call(ctx context.Context, fqdn string, tool wire.Ident, args map[string]any, sessionID, parentTraceID string) (wire.TaskResult, error)
	ApproveToolForSession(ctx context.Context, workflowID string, approved bool) (wire.TaskResult, error)
}

// Server dispatches the agent-facing JSON-RPC 2.0 wire protocol onto a
// Caller (the capability loader's pipeline), shared verbatim between the
// stdio and HTTP transports.
type Server struct {
	caller   Caller
	registry ToolRegistry
	name     string
	version  string
	expose   map[string]bool // nil = expose everything
	logger   telemetry.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithExpose restricts tools/list (and tools/call) to the named tools, per
// the `stdio --expose <names...>` CLI option.
func WithExpose(names []string) Option {
	return func(s *Server) {
		if len(names) == 0 {
			return
		}
		s.expose = make(map[string]bool, len(names))
		for _, n := range names {
			s.expose[n] = true
		}
	}
}

// WithServerInfo overrides the name/version initialize advertises.
func WithServerInfo(name, version string) Option {
	return func(s *Server) { s.name, s.version = name, version }
}

// New returns a Server dispatching tool calls onto caller and listing tools
// from registry.
func New(caller Caller, registry ToolRegistry, logger telemetry.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Server{caller: caller, registry: registry, name: "pml", version: "dev", logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleMessage decodes one JSON-RPC 2.0 request, dispatches it, and
// returns the encoded response. sessionID scopes any "ask" permission
// approvals granted during tools/call to the caller's own session (one
// stdio process is one session; the HTTP transport gives each request its
// own session).
func (s *Server) HandleMessage(ctx context.Context, sessionID string, raw []byte) []byte {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return s.encode(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	result, err := s.dispatch(ctx, sessionID, req.Method, req.Params)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			resp.Error = rpcErr
		} else {
			resp.Error = &rpcError{Code: codeInternalError, Message: err.Error()}
		}
		return s.encode(resp)
	}
	resp.Result = result
	return s.encode(resp)
}

func (s *Server) encode(resp rpcResponse) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"}}`)
	}
	return out
}

func (s *Server) dispatch(ctx context.Context, sessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "initialize":
		return json.Marshal(initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    json.RawMessage(`{"tools":{}}`),
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		})
	case "tools/list":
		return s.handleToolsList(ctx)
	case "tools/call":
		return s.handleToolsCall(ctx, sessionID, params)
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found: " + method}
	}
}

func (s *Server) handleToolsList(ctx context.Context) (json.RawMessage, error) {
	tools, err := s.registry.ListTools(ctx)
	if err != nil {
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	out := make([]toolDescriptor, 0, len(tools))
	for _, t := range tools {
		if s.expose != nil && !s.expose[t.Name] && !s.expose[string(t.ID)] {
			continue
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		out = append(out, toolDescriptor{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return json.Marshal(toolsListResult{Tools: out})
}

func (s *Server) handleToolsCall(ctx context.Context, sessionID string, params json.RawMessage) (json.RawMessage, error) {
	var p toolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "invalid tools/call params"}
	}
	if s.expose != nil && !s.expose[p.Name] {
		return nil, &rpcError{Code: codeInvalidParams, Message: "tool not exposed: " + p.Name}
	}

	var args map[string]any
	if len(p.Arguments) > 0 {
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid arguments"}
		}
	}

	if cw, ok := extractContinueWorkflow(args); ok {
		result, err := s.caller.ApproveToolForSession(ctx, cw.WorkflowID, cw.Approved)
		return s.resultOrApproval(result, err)
	}

	fqdn := fqdnFromToolName(p.Name)
	result, err := s.caller.Call(ctx, fqdn, wire.Ident(p.Name), args, sessionID, "")
	return s.resultOrApproval(result, err)
}

// resultOrApproval converts a Caller outcome into one of the three wire
// response shapes and marshals it.
func (s *Server) resultOrApproval(result wire.TaskResult, err error) (json.RawMessage, error) {
	var approval *pmlerr.ApprovalError
	if errors.As(err, &approval) {
		return json.Marshal(approvalResponse{
			Status:       "approval_required",
			ApprovalType: string(approval.Type),
			WorkflowID:   approval.WorkflowID,
			Description:  approvalDescription(approval),
			Context:      approvalContext(approval),
			Options:      approvalOptions(approval),
		})
	}
	if err != nil {
		return json.Marshal(errorResponse{Status: "error", Error: err.Error(), ExecutedLocally: true})
	}
	return json.Marshal(successResponse{Status: "success", Result: result.Result, ExecutedLocally: true})
}

func approvalDescription(a *pmlerr.ApprovalError) string {
	switch a.Type {
	case pmlerr.ApprovalIntegrity:
		return "capability " + a.FQDN + " integrity hash changed since it was last approved"
	case pmlerr.ApprovalToolPermission:
		return "tool " + a.ToolID + " requires explicit permission"
	case pmlerr.ApprovalDependency:
		return "capability " + a.FQDN + " depends on " + a.Dependency + ", which is not installed"
	case pmlerr.ApprovalAPIKey:
		return "capability " + a.FQDN + " is missing required environment keys: " + strings.Join(a.MissingKeys, ", ")
	default:
		return "approval required"
	}
}

func approvalContext(a *pmlerr.ApprovalError) map[string]any {
	ctx := map[string]any{"fqdn": a.FQDN}
	switch a.Type {
	case pmlerr.ApprovalIntegrity:
		ctx["new_hash"] = a.Integrity
	case pmlerr.ApprovalToolPermission:
		ctx["tool_id"] = a.ToolID
	case pmlerr.ApprovalDependency:
		ctx["dependency"] = a.Dependency
	case pmlerr.ApprovalAPIKey:
		ctx["missing_keys"] = a.MissingKeys
	}
	return ctx
}

func approvalOptions(a *pmlerr.ApprovalError) []string {
	if a.Type == pmlerr.ApprovalIntegrity {
		return []string{"continue", "abort", "replan"}
	}
	return []string{"continue", "abort"}
}

// extractContinueWorkflow pulls the resumption field out of tools/call
// arguments, per spec.md §6: "the client includes a field
// continue_workflow:{approved, workflow_id} inside the tool arguments; the
// loader extracts it before dispatch."
func extractContinueWorkflow(args map[string]any) (continueWorkflow, bool) {
	raw, ok := args["continue_workflow"]
	if !ok {
		return continueWorkflow{}, false
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return continueWorkflow{}, false
	}
	var cw continueWorkflow
	if err := json.Unmarshal(encoded, &cw); err != nil {
		return continueWorkflow{}, false
	}
	return cw, cw.WorkflowID != ""
}

// fqdnFromToolName resolves an agent-facing tool name to the capability
// FQDN the loader fetches, per spec.md §4's "routing table initialized
// from the cloud catalog". This module's routing table is the identity
// mapping plus ':' → '.' normalization (colon-delimited tool names are the
// wire convention, dot-delimited FQDNs are the catalog's), since the full
// cloud-synced routing table of spec.md §5 is an out-of-scope external
// collaborator (spec.md line 12's "cloud catalog service").
func fqdnFromToolName(name string) string {
	return strings.ReplaceAll(name, ":", ".")
}

func (e *rpcError) Error() string { return e.Message }
