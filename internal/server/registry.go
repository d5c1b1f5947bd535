package server

import (
	"context"
	"fmt"

	"github.com/casys-ai/pml/internal/mcpstdio"
	"github.com/casys-ai/pml/internal/wire"
)

// McpRegistry implements ToolRegistry by asking each spawned MCP server its
// own tools/list (the manager spawns lazily, so calling this before any
// tool has been invoked is what actually starts the configured servers).
type McpRegistry struct {
	manager *mcpstdio.Manager
	servers []string
}

// NewMcpRegistry returns a registry listing tools across serverIDs, all of
// which must already be Register'd with manager.
func NewMcpRegistry(manager *mcpstdio.Manager, serverIDs []string) *McpRegistry {
	return &McpRegistry{manager: manager, servers: serverIDs}
}

// ListTools implements ToolRegistry.
func (r *McpRegistry) ListTools(ctx context.Context) ([]wire.Tool, error) {
	var out []wire.Tool
	for _, server := range r.servers {
		descs, err := r.manager.Tools(ctx, server)
		if err != nil {
			return nil, fmt.Errorf("server: list tools for %q: %w", server, err)
		}
		for _, d := range descs {
			out = append(out, wire.Tool{
				ID:          wire.Ident(server + ":" + d.Name),
				FQDN:        fmt.Sprintf("%s.%s.mcp", d.Name, server),
				Server:      server,
				Name:        d.Name,
				Description: d.Description,
				InputSchema: d.InputSchema,
			})
		}
	}
	return out, nil
}

// StaticRegistry is a fixed tool inventory, used for `--only` (built-ins
// hidden, nothing to discover from a live MCP server yet) and in tests.
type StaticRegistry []wire.Tool

// ListTools implements ToolRegistry.
func (r StaticRegistry) ListTools(context.Context) ([]wire.Tool, error) { return r, nil }
