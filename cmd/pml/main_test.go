package main

import (
	"os"
	"testing"
)

func TestResolveWorkspaceDefaultsToDot(t *testing.T) {
	workspaceFlag = ""
	os.Unsetenv("PML_WORKSPACE")
	if got := resolveWorkspace(); got != "." {
		t.Fatalf("expected %q, got %q", ".", got)
	}
}

func TestResolveWorkspacePrefersFlagOverEnv(t *testing.T) {
	defer func() { workspaceFlag = "" }()
	workspaceFlag = "/flag/workspace"
	os.Setenv("PML_WORKSPACE", "/env/workspace")
	defer os.Unsetenv("PML_WORKSPACE")
	if got := resolveWorkspace(); got != "/flag/workspace" {
		t.Fatalf("expected the --workspace flag to win, got %q", got)
	}
}

func TestResolveWorkspaceFallsBackToEnv(t *testing.T) {
	defer func() { workspaceFlag = "" }()
	workspaceFlag = "."
	os.Setenv("PML_WORKSPACE", "/env/workspace")
	defer os.Unsetenv("PML_WORKSPACE")
	if got := resolveWorkspace(); got != "/env/workspace" {
		t.Fatalf("expected PML_WORKSPACE to be used when --workspace is unset, got %q", got)
	}
}

func TestNewRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"stdio", "serve", "init"} {
		if !names[want] {
			t.Fatalf("expected the %q subcommand to be registered, got %v", want, names)
		}
	}
}
