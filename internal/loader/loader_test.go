package loader

import (
	"context"
	"testing"

	"github.com/casys-ai/pml/internal/bridge"
	"github.com/casys-ai/pml/internal/loader/engine/inmem"
	"github.com/casys-ai/pml/internal/lockfile"
	"github.com/casys-ai/pml/internal/pmlerr"
	"github.com/casys-ai/pml/internal/wire"
)

type fakeCatalog struct {
	cap      wire.Capability
	toolDefs []bridge.ToolDefinition
	err      error
}

func (f *fakeCatalog) FetchCapability(ctx context.Context, fqdn string) (wire.Capability, []bridge.ToolDefinition, error) {
	return f.cap, f.toolDefs, f.err
}

type fakeExecutor struct {
	result bridge.ExecuteResult
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, req bridge.ExecuteRequest) (bridge.ExecuteResult, error) {
	return f.result, f.err
}

type fakeDeps struct {
	installed map[string]bool
}

func (f *fakeDeps) Installed(ctx context.Context, dependency string) (bool, error) {
	return f.installed[dependency], nil
}

func newTestLoader(t *testing.T, cap wire.Capability, autoApprove bool) (*Loader, *fakeExecutor) {
	t.Helper()
	exec := &fakeExecutor{result: bridge.ExecuteResult{Success: true, Value: []byte(`"ok"`)}}
	l, err := New(
		&fakeCatalog{cap: cap},
		lockfile.New(lockfile.NewMemStore(), autoApprove),
		NewPermissionGate(nil, PermissionAllow),
		&fakeDeps{installed: map[string]bool{}},
		nil,
		exec,
		nil,
		inmem.New(),
		nil,
		nil,
	)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	return l, exec
}

func baseCapability() wire.Capability {
	return wire.Capability{ID: "cap-1", FQDN: "slack.notify", Type: "sandboxed", CodeHash: "sha256-abc", Code: "return 1;"}
}

func TestCallWithFqdnExecutesWhenAllGatesPass(t *testing.T) {
	l, _ := newTestLoader(t, baseCapability(), true)
	result, err := l.CallWithFqdn(context.Background(), "slack.notify", "slack:notify", map[string]any{}, "sess-1", "")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestCallWithFqdnPausesOnIntegrityGate(t *testing.T) {
	l, _ := newTestLoader(t, baseCapability(), false)
	_, err := l.CallWithFqdn(context.Background(), "slack.notify", "slack:notify", map[string]any{}, "sess-1", "")
	var approval *pmlerr.ApprovalError
	if err == nil {
		t.Fatal("expected an approval error pausing on the integrity gate")
	}
	if !asApprovalError(err, &approval) || approval.Type != pmlerr.ApprovalIntegrity {
		t.Fatalf("expected an integrity approval error, got %v", err)
	}
}

func TestApproveToolForSessionResumesPausedIntegrityGate(t *testing.T) {
	l, _ := newTestLoader(t, baseCapability(), false)
	_, err := l.CallWithFqdn(context.Background(), "slack.notify", "slack:notify", map[string]any{}, "sess-1", "")
	var approval *pmlerr.ApprovalError
	if !asApprovalError(err, &approval) {
		t.Fatalf("expected approval error, got %v", err)
	}

	result, err := l.ApproveToolForSession(context.Background(), approval.WorkflowID, true)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected the resumed call to succeed, got %+v", result)
	}
}

func TestApproveToolForSessionRejectsUnknownWorkflow(t *testing.T) {
	l, _ := newTestLoader(t, baseCapability(), true)
	_, err := l.ApproveToolForSession(context.Background(), "nonexistent", true)
	var nf *pmlerr.NotFoundError
	if !asNotFoundError(err, &nf) {
		t.Fatalf("expected a not-found error, got %v", err)
	}
}

func TestApproveToolForSessionDenialPropagates(t *testing.T) {
	l, _ := newTestLoader(t, baseCapability(), false)
	_, err := l.CallWithFqdn(context.Background(), "slack.notify", "slack:notify", map[string]any{}, "sess-1", "")
	var approval *pmlerr.ApprovalError
	if !asApprovalError(err, &approval) {
		t.Fatalf("expected approval error, got %v", err)
	}

	_, err = l.ApproveToolForSession(context.Background(), approval.WorkflowID, false)
	if err == nil {
		t.Fatal("expected a denial to surface an error")
	}
}

func TestCallWithFqdnPausesOnDependencyGate(t *testing.T) {
	cap := baseCapability()
	cap.Dependencies = []string{"other.cap"}
	l, _ := newTestLoader(t, cap, true)
	_, err := l.CallWithFqdn(context.Background(), "slack.notify", "slack:notify", map[string]any{}, "sess-1", "")
	var approval *pmlerr.ApprovalError
	if !asApprovalError(err, &approval) || approval.Type != pmlerr.ApprovalDependency || approval.Dependency != "other.cap" {
		t.Fatalf("expected a dependency approval error, got %v", err)
	}
}

func TestCallWithFqdnPausesOnMissingAPIKey(t *testing.T) {
	cap := baseCapability()
	cap.RequiredEnvKeys = []string{"SLACK_TOKEN"}
	l, _ := newTestLoader(t, cap, true)
	_, err := l.CallWithFqdn(context.Background(), "slack.notify", "slack:notify", map[string]any{}, "sess-1", "")
	var approval *pmlerr.ApprovalError
	if !asApprovalError(err, &approval) || approval.Type != pmlerr.ApprovalAPIKey {
		t.Fatalf("expected an api-key approval error, got %v", err)
	}
	if len(approval.MissingKeys) != 1 || approval.MissingKeys[0] != "SLACK_TOKEN" {
		t.Fatalf("unexpected missing keys: %v", approval.MissingKeys)
	}
}

func TestCallWithFqdnDeniesToolByPermissionRule(t *testing.T) {
	exec := &fakeExecutor{result: bridge.ExecuteResult{Success: true}}
	l, err := New(
		&fakeCatalog{cap: baseCapability()},
		lockfile.New(lockfile.NewMemStore(), true),
		NewPermissionGate([]PermissionRule{{Pattern: "slack:*", Action: PermissionDeny}}, PermissionAllow),
		&fakeDeps{installed: map[string]bool{}},
		nil,
		exec,
		nil,
		inmem.New(),
		nil,
		nil,
	)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	_, callErr := l.CallWithFqdn(context.Background(), "slack.notify", "slack:notify", map[string]any{}, "sess-1", "")
	if callErr == nil {
		t.Fatal("expected a permission-denied error")
	}
}

func TestLoadRunsIntegrityGateOnly(t *testing.T) {
	l, _ := newTestLoader(t, baseCapability(), true)
	cap, err := l.Load(context.Background(), "slack.notify")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cap.ID != "cap-1" {
		t.Fatalf("unexpected capability: %+v", cap)
	}
}

func asApprovalError(err error, target **pmlerr.ApprovalError) bool {
	ae, ok := err.(*pmlerr.ApprovalError)
	if !ok {
		return false
	}
	*target = ae
	return true
}

func asNotFoundError(err error, target **pmlerr.NotFoundError) bool {
	nf, ok := err.(*pmlerr.NotFoundError)
	if !ok {
		return false
	}
	*target = nf
	return true
}
