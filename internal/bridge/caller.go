package bridge

import (
	"context"

	"github.com/casys-ai/pml/internal/mcpstdio"
)

// stdioToolCaller adapts an *mcpstdio.Manager to the bridge's ToolCaller
// interface so production wiring needs nothing beyond the manager itself.
type stdioToolCaller struct {
	manager *mcpstdio.Manager
}

// NewStdioToolCaller wraps manager as a ToolCaller.
func NewStdioToolCaller(manager *mcpstdio.Manager) ToolCaller {
	return &stdioToolCaller{manager: manager}
}

func (c *stdioToolCaller) Call(ctx context.Context, server string, req mcpstdio.CallRequest) (mcpstdio.CallResponse, error) {
	return c.manager.Call(ctx, server, req)
}
