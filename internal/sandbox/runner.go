package sandbox

import (
	"context"
	"encoding/json"

	"github.com/casys-ai/pml/internal/bridge"
	"github.com/casys-ai/pml/internal/pmlerr"
)

// RunnerAdapter implements bridge.Runner by spawning a fresh Worker (and
// therefore a fresh goja.Runtime) for every Run call, matching the spec's
// per-execution worker isolation model: concurrent Execute calls never
// share interpreter state.
type RunnerAdapter struct{}

// NewRunnerAdapter returns a bridge.Runner backed by this package.
func NewRunnerAdapter() *RunnerAdapter {
	return &RunnerAdapter{}
}

// Run satisfies bridge.Runner.
func (RunnerAdapter) Run(ctx context.Context, code string, toolDefs []bridge.ToolDefinition, capabilityCtx map[string]any, invoke bridge.InvokeFunc) (json.RawMessage, error) {
	w := NewWorker()
	defer w.Shutdown()

	defs := make([]ToolDefinition, len(toolDefs))
	for i, td := range toolDefs {
		defs[i] = ToolDefinition{Ident: td.Ident, Server: td.Server, Name: td.Name}
	}

	result := w.Execute(ctx, code, defs, capabilityCtx, Invoke(invoke))
	if !result.Success {
		if result.Err != nil {
			return nil, result.Err
		}
		return nil, &pmlerr.ExecutionError{Code: pmlerr.CodeExecutionError}
	}
	return result.Value, nil
}
