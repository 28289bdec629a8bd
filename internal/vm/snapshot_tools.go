package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/pve-mcp/internal/safety"
	"github.com/jamesprial/pve-mcp/internal/tools"
)

func snapshotTools(
	mgr VMManager,
	filter *safety.Filter,
	confirm *safety.ConfirmationTracker,
	audit *safety.AuditLogger,
) []tools.Registration {
	return []tools.Registration{
		vmSnapshotList(mgr, filter, audit),
		vmSnapshotCreate(mgr, filter, audit),
		vmSnapshotRevert(mgr, filter, confirm, audit),
		vmSnapshotDelete(mgr, filter, confirm, audit),
	}
}

func snapshotParam() mcp.ToolOption {
	return mcp.WithString("snapshot",
		mcp.Required(),
		mcp.Description("Snapshot name"),
	)
}

func vmSnapshotList(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_snapshot_list",
		mcp.WithDescription("List the snapshots of a VM."),
		vmidParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		params := map[string]any{"vmid": vmid}

		if _, res := guard(ctx, mgr, filter, audit, "vm_snapshot_list", params, vmid, start); res != nil {
			return res, nil
		}

		snaps, err := mgr.ListSnapshots(ctx, vmid)
		if err != nil {
			tools.LogAudit(audit, "vm_snapshot_list", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "vm_snapshot_list", params, "ok", start)
		return tools.JSONResult(snaps), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmSnapshotCreate(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_snapshot_create",
		mcp.WithDescription("Take a snapshot of a VM. Names are 1-40 letters, digits or _+.- and \"current\" is reserved."),
		vmidParam(),
		snapshotParam(),
		mcp.WithString("description",
			mcp.Description("Optional snapshot description"),
		),
		waitParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		snap := req.GetString("snapshot", "")
		desc := req.GetString("description", "")
		wait := req.GetBool("wait", false)
		params := map[string]any{"vmid": vmid, "snapshot": snap, "wait": wait}

		if _, res := guard(ctx, mgr, filter, audit, "vm_snapshot_create", params, vmid, start); res != nil {
			return res, nil
		}

		job, err := mgr.CreateSnapshot(ctx, vmid, snap, desc)
		if err != nil {
			tools.LogAudit(audit, "vm_snapshot_create", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		result, outcome := jobResult(ctx, job, wait, fmt.Sprintf("Snapshot %q of VM %d", snap, vmid))
		tools.LogAudit(audit, "vm_snapshot_create", params, outcome, start)
		return result, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmSnapshotRevert(mgr VMManager, filter *safety.Filter, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "vm_snapshot_revert"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Roll a VM back to a snapshot. Requires confirmation."),
		vmidParam(),
		snapshotParam(),
		tokenParam(),
		waitParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		snap := req.GetString("snapshot", "")
		token := req.GetString("confirmation_token", "")
		wait := req.GetBool("wait", false)
		params := map[string]any{"vmid": vmid, "snapshot": snap, "wait": wait}

		v, res := guard(ctx, mgr, filter, audit, toolName, params, vmid, start)
		if res != nil {
			return res, nil
		}

		resource := fmt.Sprintf("%d/%s", vmid, snap)
		if !confirm.Confirm(token, toolName, resource) {
			desc := fmt.Sprintf("This will revert VM %q (%d) to snapshot %q. Changes made since the snapshot are lost.", v.Name, vmid, snap)
			return tools.ConfirmPrompt(confirm, toolName, resource, desc), nil
		}

		job, err := mgr.RevertSnapshot(ctx, vmid, snap)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		result, outcome := jobResult(ctx, job, wait, fmt.Sprintf("Revert of VM %d to %q", vmid, snap))
		tools.LogAudit(audit, toolName, params, outcome, start)
		return result, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmSnapshotDelete(mgr VMManager, filter *safety.Filter, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "vm_snapshot_delete"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Delete a snapshot of a VM. Requires confirmation."),
		vmidParam(),
		snapshotParam(),
		tokenParam(),
		waitParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		snap := req.GetString("snapshot", "")
		token := req.GetString("confirmation_token", "")
		wait := req.GetBool("wait", false)
		params := map[string]any{"vmid": vmid, "snapshot": snap, "wait": wait}

		v, res := guard(ctx, mgr, filter, audit, toolName, params, vmid, start)
		if res != nil {
			return res, nil
		}

		resource := fmt.Sprintf("%d/%s", vmid, snap)
		if !confirm.Confirm(token, toolName, resource) {
			desc := fmt.Sprintf("This will permanently delete snapshot %q of VM %q (%d).", snap, v.Name, vmid)
			return tools.ConfirmPrompt(confirm, toolName, resource, desc), nil
		}

		job, err := mgr.DeleteSnapshot(ctx, vmid, snap)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		result, outcome := jobResult(ctx, job, wait, fmt.Sprintf("Deletion of snapshot %q of VM %d", snap, vmid))
		tools.LogAudit(audit, toolName, params, outcome, start)
		return result, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
