package pml

import (
	"context"
	"testing"

	"github.com/casys-ai/pml/internal/config"
	"github.com/casys-ai/pml/internal/loader"
	"github.com/casys-ai/pml/internal/store"
	"github.com/casys-ai/pml/internal/wire"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), Options{Config: config.Default(t.TempDir())})
	if err == nil {
		t.Fatal("expected an error when PML_API_KEY is missing")
	}
}

func TestNewBuildsDefaultInProcessApp(t *testing.T) {
	workspace := t.TempDir()
	app, err := New(context.Background(), Options{
		Config: config.Default(workspace),
		APIKey: "test-key",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if app.Server == nil {
		t.Fatal("expected a non-nil Server")
	}
	if app.Thresholds() == nil {
		t.Fatal("expected a non-nil thresholds controller")
	}
	if err := app.Close(context.Background(), workspace); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBuildEngineRejectsUnknownEngine(t *testing.T) {
	_, err := buildEngine(Options{WorkflowEngine: "bogus"}, nil, nil, nil)
	if err == nil {
		t.Fatal("expected an error for an unrecognized workflow engine")
	}
}

func TestBuildEngineDefaultsToInmem(t *testing.T) {
	eng, err := buildEngine(Options{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	if eng == nil {
		t.Fatal("expected a non-nil engine")
	}
}

func TestPermissionRulesOrdersDenyAskThenAllow(t *testing.T) {
	rules := permissionRules(config.Permissions{
		Allow: []string{"jira:*"},
		Deny:  []string{"slack:notify"},
		Ask:   []string{"github:*"},
	})
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	if rules[0].Action != loader.PermissionDeny || rules[1].Action != loader.PermissionAsk || rules[2].Action != loader.PermissionAllow {
		t.Fatalf("expected deny, ask, allow order, got %+v", rules)
	}
}

func TestLockfilePathCreatesPmlDir(t *testing.T) {
	workspace := t.TempDir()
	path := lockfilePath(workspace)
	if path == "" {
		t.Fatal("expected a non-empty lockfile path")
	}
}

func TestStoreDependencyCheckerReportsInstalledOnlyAfterSave(t *testing.T) {
	st := store.NewMemStore()
	checker := &storeDependencyChecker{store: st}
	ctx := context.Background()

	installed, err := checker.Installed(ctx, "jira.create_issue")
	if err != nil {
		t.Fatalf("installed: %v", err)
	}
	if installed {
		t.Fatal("expected a never-loaded dependency to be reported as not installed")
	}

	if err := st.UpsertCapability(ctx, wire.Capability{ID: "cap-1", FQDN: "jira.create_issue", CodeHash: "sha256-abc"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	installed, err = checker.Installed(ctx, "jira.create_issue")
	if err != nil {
		t.Fatalf("installed: %v", err)
	}
	if !installed {
		t.Fatal("expected the dependency to be reported installed once cached")
	}
}
