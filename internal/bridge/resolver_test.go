package bridge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/casys-ai/pml/internal/pmlerr"
)

func TestDefaultApprovalResolverRecognizesDirectError(t *testing.T) {
	approval := &pmlerr.ApprovalError{Type: pmlerr.ApprovalToolPermission, ToolID: "slack:notify", WorkflowID: "wf-1"}
	got, ok := DefaultApprovalResolver{}.Resolve(approval)
	if !ok {
		t.Fatal("expected Resolve to recognize an ApprovalError")
	}
	if got.ToolID != "slack:notify" || got.WorkflowID != "wf-1" {
		t.Fatalf("unexpected approval: %+v", got)
	}
}

func TestDefaultApprovalResolverRecognizesWrappedError(t *testing.T) {
	approval := &pmlerr.ApprovalError{Type: pmlerr.ApprovalAPIKey, MissingKeys: []string{"SLACK_TOKEN"}}
	wrapped := fmt.Errorf("tool slack:notify: %w", approval)
	got, ok := DefaultApprovalResolver{}.Resolve(wrapped)
	if !ok {
		t.Fatal("expected Resolve to unwrap to the ApprovalError")
	}
	if len(got.MissingKeys) != 1 || got.MissingKeys[0] != "SLACK_TOKEN" {
		t.Fatalf("unexpected approval: %+v", got)
	}
}

func TestDefaultApprovalResolverRejectsUnrelatedError(t *testing.T) {
	_, ok := DefaultApprovalResolver{}.Resolve(errors.New("plain failure"))
	if ok {
		t.Fatal("expected Resolve to reject a non-approval error")
	}
}
