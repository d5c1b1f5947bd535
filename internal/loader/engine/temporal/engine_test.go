package temporal

import (
	"context"
	"testing"

	"github.com/casys-ai/pml/internal/loader/engine"
)

func TestNewRequiresTaskQueue(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected an error when no default task queue is configured")
	}
}

func TestNewRequiresClientOrClientOptions(t *testing.T) {
	_, err := New(Options{WorkerOptions: WorkerOptions{TaskQueue: "pml-default"}})
	if err == nil {
		t.Fatal("expected an error when neither Client nor ClientOptions is provided")
	}
}

func TestRegisterWorkflowRejectsEmptyName(t *testing.T) {
	e := &Engine{}
	if err := e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{}); err == nil {
		t.Fatal("expected an error registering a workflow with no name")
	}
}

func TestRegisterActivityRejectsEmptyName(t *testing.T) {
	e := &Engine{}
	if err := e.RegisterActivity(context.Background(), engine.ActivityDefinition{}); err == nil {
		t.Fatal("expected an error registering an activity with no name")
	}
}

func TestSignalByIDRequiresWorkflowID(t *testing.T) {
	e := &Engine{}
	if err := e.SignalByID(context.Background(), "", "run-1", "decision", nil); err == nil {
		t.Fatal("expected an error signaling without a workflow id")
	}
}

func TestCloseWithoutOwnedClientIsNoop(t *testing.T) {
	e := &Engine{closeClient: false}
	if err := e.Close(); err != nil {
		t.Fatalf("expected Close to be a no-op when the client wasn't created by the engine, got %v", err)
	}
}
