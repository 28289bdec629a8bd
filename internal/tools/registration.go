// Package tools provides shared types and helpers for registering MCP tools
// on an MCP server instance.
package tools

import (
	"context"
	"time"

	"github.com/jamesprial/pve-mcp/internal/metrics"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

// Registration pairs an MCP tool definition with its handler function.
type Registration struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// RegisterAll adds every Registration in the provided slice to the given MCP
// server.
func RegisterAll(s *server.MCPServer, registrations []Registration) {
	for _, r := range registrations {
		s.AddTool(r.Tool, r.Handler)
	}
}

// Instrument wraps every handler so each call is counted in m and logged at
// debug level. m may be nil.
func Instrument(registrations []Registration, m *metrics.Metrics, log zerolog.Logger) []Registration {
	out := make([]Registration, len(registrations))
	for i, r := range registrations {
		name := r.Tool.Name
		next := r.Handler
		out[i] = Registration{
			Tool: r.Tool,
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				start := time.Now()
				result, err := next(ctx, req)
				outcome := Outcome(result)
				if err != nil {
					outcome = "error"
				}
				m.ToolCalled(name, outcome)
				log.Debug().
					Str("tool", name).
					Str("outcome", outcome).
					Dur("took", time.Since(start)).
					Err(err).
					Msg("tool call")
				return result, err
			},
		}
	}
	return out
}
