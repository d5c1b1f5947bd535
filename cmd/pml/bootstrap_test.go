package main

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/casys-ai/pml/internal/config"
)

func TestParseExposeSplitsAndTrims(t *testing.T) {
	got := parseExpose(" slack:notify , jira:create_issue ,")
	want := []string{"slack:notify", "jira:create_issue"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestParseExposeEmptyReturnsNil(t *testing.T) {
	if got := parseExpose(""); got != nil {
		t.Fatalf("expected nil for an empty flag, got %v", got)
	}
}

func TestBootstrapAppRequiresAPIKey(t *testing.T) {
	os.Unsetenv("PML_API_KEY")
	_, _, err := bootstrapApp(context.Background(), t.TempDir(), nil, nil, nil)
	if err == nil {
		t.Fatal("expected an error when PML_API_KEY is unset")
	}
}

func TestBootstrapAppBuildsAppFromWorkspace(t *testing.T) {
	workspace := t.TempDir()
	if err := config.Scaffold(workspace); err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	os.Setenv("PML_API_KEY", "test-key")
	defer os.Unsetenv("PML_API_KEY")

	app, watcher, err := bootstrapApp(context.Background(), workspace, nil, nil, nil)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer watcher.Close()
	defer app.Close(context.Background(), workspace)

	if app.Server == nil {
		t.Fatal("expected a non-nil server")
	}
}

func TestBootstrapAppOnlyFlagBuildsStaticRegistryAndDefaultsExpose(t *testing.T) {
	workspace := t.TempDir()
	if err := config.Scaffold(workspace); err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	os.Setenv("PML_API_KEY", "test-key")
	defer os.Unsetenv("PML_API_KEY")

	app, watcher, err := bootstrapApp(context.Background(), workspace, nil, []string{"slack:notify"}, nil)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer watcher.Close()
	defer app.Close(context.Background(), workspace)

	list := string(app.Server.HandleMessage(context.Background(), "sess-1", []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)))
	if !strings.Contains(list, `"name":"slack:notify"`) {
		t.Fatalf("expected the --only tool to be listed, got %s", list)
	}
	call := string(app.Server.HandleMessage(context.Background(), "sess-1", []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"jira:create_issue","arguments":{}}}`)))
	if !strings.Contains(call, "tool not exposed") {
		t.Fatalf("expected --only to default --expose and reject other tools, got %s", call)
	}
}
