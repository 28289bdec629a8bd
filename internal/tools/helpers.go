// Package tools provides shared helper utilities for MCP tool handlers.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jamesprial/pve-mcp/internal/safety"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	errorPrefix   = "error: "
	confirmPrefix = "Confirmation required"
)

// JSONResult marshals v to indented JSON and returns an mcp.CallToolResult.
func JSONResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("error marshaling result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// ErrorResult returns an mcp.CallToolResult that describes an error condition.
func ErrorResult(msg string) *mcp.CallToolResult {
	return mcp.NewToolResultText(errorPrefix + msg)
}

// LogAudit logs a tool invocation to the audit logger, silently ignoring a nil logger.
func LogAudit(audit *safety.AuditLogger, toolName string, params map[string]any, result string, start time.Time) {
	if audit == nil {
		return
	}
	_ = audit.Log(safety.AuditEntry{
		Timestamp: start,
		Tool:      toolName,
		Params:    params,
		Result:    result,
		Duration:  time.Since(start),
	})
}

// ConfirmPrompt issues a confirmation request bound to toolName and resource
// and returns the prompt result.
func ConfirmPrompt(confirm *safety.ConfirmationTracker, toolName, resource, description string) *mcp.CallToolResult {
	token := confirm.RequestConfirmation(toolName, resource, description)
	return mcp.NewToolResultText(fmt.Sprintf(
		"%s for %s on %q.\n\n%s\n\nTo proceed, call %s again with confirmation_token=%q.",
		confirmPrefix, toolName, resource, description, toolName, token,
	))
}

// Outcome classifies a tool result as "ok", "error" or "confirm".
func Outcome(result *mcp.CallToolResult) string {
	if result == nil {
		return "error"
	}
	if result.IsError {
		return "error"
	}
	if len(result.Content) > 0 {
		if tc, ok := result.Content[0].(mcp.TextContent); ok {
			switch {
			case strings.HasPrefix(tc.Text, errorPrefix), strings.HasPrefix(tc.Text, "error marshaling"):
				return "error"
			case strings.HasPrefix(tc.Text, confirmPrefix):
				return "confirm"
			}
		}
	}
	return "ok"
}
