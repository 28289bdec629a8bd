package node

import (
	"context"
	"time"

	"github.com/jamesprial/pve-mcp/internal/safety"
	"github.com/jamesprial/pve-mcp/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NodeTools returns the read-only node tool registrations.
func NodeTools(mon Monitor, audit *safety.AuditLogger) []tools.Registration {
	return []tools.Registration{
		nodeList(mon, audit),
	}
}

func nodeList(mon Monitor, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("node_list",
		mcp.WithDescription("List the hypervisor nodes with status, CPU usage, memory, disk and uptime."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := map[string]any{}

		nodes, err := mon.Nodes(ctx)
		if err != nil {
			tools.LogAudit(audit, "node_list", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "node_list", params, "ok", start)
		return tools.JSONResult(nodes), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
