package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jamesprial/pve-mcp/internal/safety"
	"github.com/jamesprial/pve-mcp/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// AlertTools returns the read-only alert tool registrations.
func AlertTools(center *Center, audit *safety.AuditLogger) []tools.Registration {
	return []tools.Registration{
		toolAlertsRecent(center, audit),
	}
}

func levelMarker(l Level) string {
	switch l {
	case LevelSuccess:
		return "[OK]"
	case LevelError:
		return "[ERROR]"
	case LevelWarning:
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

// formatAlert renders one alert on a single line.
func formatAlert(a Alert) string {
	return fmt.Sprintf("%s %s %s (id=%s)", levelMarker(a.Level), a.Time.Format(time.RFC3339), a.Message, a.ID)
}

func toolAlertsRecent(center *Center, audit *safety.AuditLogger) tools.Registration {
	const toolName = "alerts_recent"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("List recent alerts raised by VM operations (action results, task failures, edits), newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of alerts to return (default: 20)"),
		),
		mcp.WithString("level",
			mcp.Description("Only return alerts of this level: success, error, info, warning"),
		),
	)

	handler := func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()

		limit := req.GetInt("limit", 20)
		rawLevel := req.GetString("level", "")
		params := map[string]any{"limit": limit, "level": rawLevel}

		level, ok := ParseLevel(rawLevel)
		if !ok {
			msg := fmt.Sprintf("unknown level %q: valid levels are success, error, info, warning", rawLevel)
			tools.LogAudit(audit, toolName, params, "error: "+msg, start)
			return tools.ErrorResult(msg), nil
		}

		recent := center.RecentLevel(limit, level)
		if len(recent) == 0 {
			tools.LogAudit(audit, toolName, params, "ok: empty", start)
			return mcp.NewToolResultText("No alerts."), nil
		}

		lines := make([]string, len(recent))
		for i, a := range recent {
			lines[i] = formatAlert(a)
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
