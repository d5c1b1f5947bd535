package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/casys-ai/pml/internal/config"
)

func TestInitCommandScaffoldsWorkspaceConfig(t *testing.T) {
	defer func() { workspaceFlag = "" }()
	workspaceFlag = t.TempDir()

	cmd := newInitCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(config.Path(workspaceFlag)); err != nil {
		t.Fatalf("expected .pml.json to be scaffolded: %v", err)
	}
}

func TestInitCommandFailsIfAlreadyScaffolded(t *testing.T) {
	defer func() { workspaceFlag = "" }()
	workspaceFlag = t.TempDir()
	if err := config.Scaffold(workspaceFlag); err != nil {
		t.Fatalf("scaffold: %v", err)
	}

	cmd := newInitCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, nil); err == nil {
		t.Fatal("expected an error scaffolding over an existing .pml.json")
	}
}
