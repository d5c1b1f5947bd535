// Package loader implements the Capability Loader: the client-routed
// pipeline that takes a tool/capability call from the agent-facing wire
// protocol, walks it through the integrity, permission, dependency, and
// api-key gates, executes it through the sandbox/bridge, and records the
// resulting trace — pausing for a human decision via the HIL workflow
// engine wherever a gate can't resolve on its own.
package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casys-ai/pml/internal/bridge"
	"github.com/casys-ai/pml/internal/loader/engine"
	"github.com/casys-ai/pml/internal/lockfile"
	"github.com/casys-ai/pml/internal/pmlerr"
	"github.com/casys-ai/pml/internal/telemetry"
	"github.com/casys-ai/pml/internal/trace"
	"github.com/casys-ai/pml/internal/wire"
)

// CatalogClient resolves a capability FQDN to its code, metadata, and the
// tool definitions its code is allowed to call. internal/catalog provides
// the HTTP-backed implementation talking to the cloud catalog; tests use a
// stub.
type CatalogClient interface {
	FetchCapability(ctx context.Context, fqdn string) (wire.Capability, []bridge.ToolDefinition, error)
}

// DependencyChecker reports whether a capability dependency (another
// capability FQDN the code assumes is installed) is present in the
// workspace.
type DependencyChecker interface {
	Installed(ctx context.Context, dependency string) (bool, error)
}

// EnvChecker reports which of a capability's required environment keys are
// missing from the invocation's capabilityContext.
type EnvChecker interface {
	Missing(capabilityCtx map[string]any, required []string) []string
}

// capabilityCtxEnvChecker is the default EnvChecker: a required key is
// missing unless capabilityCtx carries a non-empty value for it.
type capabilityCtxEnvChecker struct{}

func (capabilityCtxEnvChecker) Missing(capabilityCtx map[string]any, required []string) []string {
	var missing []string
	for _, key := range required {
		v, ok := capabilityCtx[key]
		if !ok || v == "" || v == nil {
			missing = append(missing, key)
		}
	}
	return missing
}

// workflowDecision is what ApproveToolForSession signals to a workflow
// blocked awaiting a human decision.
type workflowDecision struct {
	Approved bool
}

// pendingCall is everything the HIL workflow needs to resume the pipeline
// once its blocking gate has been decided.
type pendingCall struct {
	Tool          wire.Ident
	FQDN          string
	Args          map[string]any
	CapabilityCtx map[string]any
	ParentTraceID string
	ApprovalType  pmlerr.ApprovalType

	capability wire.Capability
	toolDefs   []bridge.ToolDefinition
	resumeFrom gateStage
}

// gateStage names the pipeline stage to resume at after an approval.
type gateStage int

const (
	stageIntegrity gateStage = iota
	stagePermission
	stageDependency
	stageAPIKey
	stageExecute
)

const workflowName = "pml.capability_call"

// Loader is the Capability Loader: component E.
type Loader struct {
	catalog    CatalogClient
	lockfile   lockfile.Checker
	permission *PermissionGate
	deps       DependencyChecker
	envCheck   EnvChecker
	executor   bridge.Executor
	traces     *trace.Collector
	engine     engine.Engine
	logger     telemetry.Logger
	tracer     telemetry.Tracer

	mu       sync.Mutex
	handles  map[string]engine.WorkflowHandle
	signaled map[string]bool

	sessionAllow sync.Map // sessionID -> map[wire.Ident]bool, tools approved for the session
}

// New builds a Loader and registers its HIL workflow with eng.
func New(
	catalog CatalogClient,
	lf lockfile.Checker,
	permission *PermissionGate,
	deps DependencyChecker,
	envCheck EnvChecker,
	executor bridge.Executor,
	traces *trace.Collector,
	eng engine.Engine,
	logger telemetry.Logger,
	tracer telemetry.Tracer,
) (*Loader, error) {
	if envCheck == nil {
		envCheck = capabilityCtxEnvChecker{}
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	l := &Loader{
		catalog:    catalog,
		lockfile:   lf,
		permission: permission,
		deps:       deps,
		envCheck:   envCheck,
		executor:   executor,
		traces:     traces,
		engine:     eng,
		logger:     logger,
		tracer:     tracer,
		handles:    make(map[string]engine.WorkflowHandle),
		signaled:   make(map[string]bool),
	}
	ctx := context.Background()
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      workflowName,
		TaskQueue: workflowName,
		Handler:   l.hilWorkflow,
	}); err != nil {
		return nil, fmt.Errorf("loader: register workflow: %w", err)
	}
	return l, nil
}

// Load fetches a capability by FQDN and runs it through the integrity gate
// only, for callers that want to pre-warm/validate a capability without
// invoking it (the agent-facing "load" operation, spec.md §4.E).
func (l *Loader) Load(ctx context.Context, fqdn string) (wire.Capability, error) {
	cap, _, err := l.fetchAndCheckIntegrity(ctx, fqdn)
	return cap, err
}

// Call invokes a single tool by its namespaced id, using sessionID to scope
// any "ask" permission approvals already granted this session.
func (l *Loader) Call(ctx context.Context, fqdn string, tool wire.Ident, args map[string]any, sessionID, parentTraceID string) (wire.TaskResult, error) {
	return l.CallWithFqdn(ctx, fqdn, tool, args, sessionID, parentTraceID)
}

// CallWithFqdn is the full client-routed pipeline: resolve FQDN → integrity
// gate → permission gate → dependency gate → api-key gate → execute →
// trace capture. Any gate that cannot resolve on its own pauses execution
// by returning a *pmlerr.ApprovalError carrying a WorkflowID; the caller
// resumes with ApproveToolForSession once the human decision is made.
func (l *Loader) CallWithFqdn(ctx context.Context, fqdn string, tool wire.Ident, args map[string]any, sessionID, parentTraceID string) (wire.TaskResult, error) {
	ctx, span := l.tracer.Start(ctx, "loader.call")
	defer span.End()

	cap, toolDefs, ok, err := l.checkIntegrity(ctx, fqdn)
	if err != nil {
		return wire.TaskResult{}, err
	}
	pc := &pendingCall{
		Tool:          tool,
		FQDN:          fqdn,
		Args:          args,
		CapabilityCtx: args,
		ParentTraceID: parentTraceID,
		capability:    cap,
		toolDefs:      toolDefs,
	}
	if !ok {
		return l.pauseForApproval(ctx, pc, pmlerr.ApprovalIntegrity, stageIntegrity, sessionID)
	}
	return l.runFromPermission(ctx, pc, sessionID)
}

func (l *Loader) runFromPermission(ctx context.Context, pc *pendingCall, sessionID string) (wire.TaskResult, error) {
	decision := l.permission.Decide(pc.Tool)
	switch decision.Action {
	case PermissionDeny:
		return wire.TaskResult{}, &pmlerr.PermissionDeniedError{ToolID: string(pc.Tool), Rule: decision.Rule}
	case PermissionAsk:
		if !l.sessionApproved(sessionID, pc.Tool) {
			return l.pauseForApproval(ctx, pc, pmlerr.ApprovalToolPermission, stagePermission, sessionID)
		}
	}
	return l.runFromDependency(ctx, pc, sessionID)
}

func (l *Loader) runFromDependency(ctx context.Context, pc *pendingCall, sessionID string) (wire.TaskResult, error) {
	if l.deps != nil {
		for _, dep := range pc.capability.Dependencies {
			installed, err := l.deps.Installed(ctx, dep)
			if err != nil {
				return wire.TaskResult{}, err
			}
			if !installed {
				return l.pauseForApprovalWithDependency(ctx, pc, dep, sessionID)
			}
		}
	}
	return l.runFromAPIKey(ctx, pc, sessionID)
}

func (l *Loader) runFromAPIKey(ctx context.Context, pc *pendingCall, sessionID string) (wire.TaskResult, error) {
	missing := l.envCheck.Missing(pc.CapabilityCtx, pc.capability.RequiredEnvKeys)
	if len(missing) > 0 {
		return l.pauseForApprovalWithMissingKeys(ctx, pc, missing, sessionID)
	}
	return l.execute(ctx, pc)
}

// execute runs the gated call through the sandbox/bridge and enqueues the
// resulting trace.
func (l *Loader) execute(ctx context.Context, pc *pendingCall) (wire.TaskResult, error) {
	result, err := l.executor.Execute(ctx, bridge.ExecuteRequest{
		Code:            pc.capability.Code,
		ToolDefinitions: pc.toolDefs,
		CapabilityCtx:   pc.CapabilityCtx,
		ParentTraceID:   pc.ParentTraceID,
	})
	if err != nil {
		return wire.TaskResult{}, err
	}

	traceID, _ := uuid.NewV7()
	t := wire.ExecutionTrace{
		TraceID:       traceID.String(),
		ParentTraceID: pc.ParentTraceID,
		CapabilityID:  pc.capability.ID,
		Success:       result.Success,
		DurationMs:    result.DurationMs,
		Timestamp:     time.Now(),
		TaskResults:   toTaskResults(result.Invocations),
		Priority:      0.5,
	}
	if l.traces != nil {
		l.traces.Enqueue(t)
	}

	tr := wire.TaskResult{
		Tool:       pc.Tool,
		Args:       pc.Args,
		Success:    result.Success,
		DurationMs: result.DurationMs,
		Timestamp:  time.Now(),
	}
	if result.Success {
		var v any
		if len(result.Value) > 0 {
			v = string(result.Value)
		}
		tr.Result = v
		return tr, nil
	}
	return tr, result.Err
}

func toTaskResults(invocations []bridge.ToolInvocation) []wire.TaskResult {
	out := make([]wire.TaskResult, len(invocations))
	for i, inv := range invocations {
		out[i] = wire.TaskResult{
			Tool:       inv.Tool,
			Result:     string(inv.Result),
			Success:    inv.Success,
			DurationMs: inv.DurationMs,
			Timestamp:  inv.Timestamp,
		}
	}
	return out
}

func (l *Loader) checkIntegrity(ctx context.Context, fqdn string) (wire.Capability, []bridge.ToolDefinition, bool, error) {
	cap, toolDefs, err := l.catalog.FetchCapability(ctx, fqdn)
	if err != nil {
		return wire.Capability{}, nil, false, err
	}
	_, ok, err := l.lockfile.Check(ctx, fqdn, cap.CodeHash, cap.Type)
	if err != nil {
		return wire.Capability{}, nil, false, err
	}
	return cap, toolDefs, ok, nil
}

func (l *Loader) fetchAndCheckIntegrity(ctx context.Context, fqdn string) (wire.Capability, bool, error) {
	cap, _, ok, err := l.checkIntegrity(ctx, fqdn)
	return cap, ok, err
}

func (l *Loader) sessionApproved(sessionID string, tool wire.Ident) bool {
	if sessionID == "" {
		return false
	}
	v, ok := l.sessionAllow.Load(sessionID)
	if !ok {
		return false
	}
	set := v.(map[wire.Ident]bool)
	return set[tool]
}

func (l *Loader) approveForSession(sessionID string, tool wire.Ident) {
	if sessionID == "" {
		return
	}
	v, _ := l.sessionAllow.LoadOrStore(sessionID, map[wire.Ident]bool{})
	set := v.(map[wire.Ident]bool)
	set[tool] = true
	l.sessionAllow.Store(sessionID, set)
}

// pauseForApproval starts the HIL workflow at the given resume stage and
// returns an ApprovalError carrying the workflow id the caller echoes back
// via ApproveToolForSession.
func (l *Loader) pauseForApproval(ctx context.Context, pc *pendingCall, approvalType pmlerr.ApprovalType, stage gateStage, sessionID string) (wire.TaskResult, error) {
	pc.ApprovalType = approvalType
	pc.resumeFrom = stage
	workflowID, err := l.startWorkflow(ctx, pc, sessionID)
	if err != nil {
		return wire.TaskResult{}, err
	}
	return wire.TaskResult{}, &pmlerr.ApprovalError{
		Type:       approvalType,
		WorkflowID: workflowID,
		FQDN:       pc.FQDN,
		Integrity:  pc.capability.CodeHash,
		ToolID:     string(pc.Tool),
	}
}

func (l *Loader) pauseForApprovalWithDependency(ctx context.Context, pc *pendingCall, dependency, sessionID string) (wire.TaskResult, error) {
	pc.ApprovalType = pmlerr.ApprovalDependency
	pc.resumeFrom = stageDependency
	workflowID, err := l.startWorkflow(ctx, pc, sessionID)
	if err != nil {
		return wire.TaskResult{}, err
	}
	return wire.TaskResult{}, &pmlerr.ApprovalError{
		Type:       pmlerr.ApprovalDependency,
		WorkflowID: workflowID,
		FQDN:       pc.FQDN,
		Dependency: dependency,
	}
}

func (l *Loader) pauseForApprovalWithMissingKeys(ctx context.Context, pc *pendingCall, missing []string, sessionID string) (wire.TaskResult, error) {
	pc.ApprovalType = pmlerr.ApprovalAPIKey
	pc.resumeFrom = stageAPIKey
	workflowID, err := l.startWorkflow(ctx, pc, sessionID)
	if err != nil {
		return wire.TaskResult{}, err
	}
	return wire.TaskResult{}, &pmlerr.ApprovalError{
		Type:        pmlerr.ApprovalAPIKey,
		WorkflowID:  workflowID,
		FQDN:        pc.FQDN,
		MissingKeys: missing,
	}
}

func (l *Loader) startWorkflow(ctx context.Context, pc *pendingCall, sessionID string) (string, error) {
	id, _ := uuid.NewV7()
	workflowID := id.String()
	handle, err := l.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       workflowID,
		Workflow: workflowName,
		Input:    &hilInput{pending: pc, sessionID: sessionID},
	})
	if err != nil {
		return "", fmt.Errorf("loader: start approval workflow: %w", err)
	}
	l.mu.Lock()
	l.handles[workflowID] = handle
	l.mu.Unlock()
	return workflowID, nil
}

// hilInput is the workflow's input payload.
type hilInput struct {
	pending   *pendingCall
	sessionID string
}

// hilWorkflow blocks on the "decision" signal, then resumes the gate
// pipeline from where it paused. It is registered once with the engine at
// construction and invoked by every paused call via StartWorkflow.
func (l *Loader) hilWorkflow(wctx engine.WorkflowContext, input any) (any, error) {
	in := input.(*hilInput)
	pc := in.pending

	var decision workflowDecision
	if err := wctx.SignalChannel("decision").Receive(wctx.Context(), &decision); err != nil {
		return nil, err
	}
	if !decision.Approved {
		return wire.TaskResult{}, &pmlerr.PermissionDeniedError{ToolID: string(pc.Tool), Rule: string(pc.ApprovalType)}
	}

	ctx := wctx.Context()
	switch pc.ApprovalType {
	case pmlerr.ApprovalIntegrity:
		if err := l.lockfile.Approve(ctx, pc.FQDN, pc.capability.CodeHash, pc.capability.Type); err != nil {
			return nil, err
		}
	case pmlerr.ApprovalToolPermission:
		l.approveForSession(in.sessionID, pc.Tool)
	}

	var result wire.TaskResult
	var err error
	switch pc.resumeFrom {
	case stageIntegrity:
		result, err = l.runFromPermission(ctx, pc, in.sessionID)
	case stagePermission:
		result, err = l.runFromDependency(ctx, pc, in.sessionID)
	case stageDependency:
		result, err = l.runFromAPIKey(ctx, pc, in.sessionID)
	default:
		result, err = l.execute(ctx, pc)
	}
	return result, err
}

// ApproveToolForSession resumes a paused workflow with a human decision.
// Re-entrant: calling it twice with the same workflowID after the first
// call already resolved the workflow simply re-reads the (cached)
// completion result rather than re-signaling (invariant 5).
func (l *Loader) ApproveToolForSession(ctx context.Context, workflowID string, approved bool) (wire.TaskResult, error) {
	l.mu.Lock()
	handle, ok := l.handles[workflowID]
	alreadySignaled := l.signaled[workflowID]
	if ok && !alreadySignaled {
		l.signaled[workflowID] = true
	}
	l.mu.Unlock()
	if !ok {
		return wire.TaskResult{}, &pmlerr.NotFoundError{Kind: "workflow", Name: workflowID}
	}
	if !alreadySignaled {
		if err := handle.Signal(ctx, "decision", workflowDecision{Approved: approved}); err != nil {
			return wire.TaskResult{}, fmt.Errorf("loader: signal workflow %s: %w", workflowID, err)
		}
	}
	var result wire.TaskResult
	err := handle.Wait(ctx, &result)
	return result, err
}

// GetPendingTraces returns the traces buffered since the last Flush.
func (l *Loader) GetPendingTraces() []wire.ExecutionTrace {
	if l.traces == nil {
		return nil
	}
	return l.traces.Pending()
}

// EnqueuePendingTrace buffers a trace the caller assembled itself (e.g. a
// parent trace wrapping several nested capability calls).
func (l *Loader) EnqueuePendingTrace(t wire.ExecutionTrace) {
	if l.traces != nil {
		l.traces.Enqueue(t)
	}
}

// FlushTraces synchronously ships every pending trace to the catalog.
func (l *Loader) FlushTraces(ctx context.Context) error {
	if l.traces == nil {
		return nil
	}
	return l.traces.Flush(ctx)
}
