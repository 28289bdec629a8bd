package vm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/pve-mcp/internal/safety"
	"github.com/jamesprial/pve-mcp/internal/tools"
)

func diskTools(
	mgr VMManager,
	filter *safety.Filter,
	confirm *safety.ConfirmationTracker,
	audit *safety.AuditLogger,
) []tools.Registration {
	return []tools.Registration{
		vmDiskList(mgr, filter, audit),
		vmDiskAdd(mgr, filter, audit),
		vmDiskDelete(mgr, filter, confirm, audit),
		vmDiskExpand(mgr, filter, audit),
	}
}

func diskKeyParam() mcp.ToolOption {
	return mcp.WithString("disk",
		mcp.Required(),
		mcp.Description("Disk key, e.g. scsi1 or virtio0"),
	)
}

// diskListing is a disk with the sizes it may be grown to.
type diskListing struct {
	Disk
	ExpandOptions []int `json:"expand_options,omitempty"`
}

func vmDiskList(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_disk_list",
		mcp.WithDescription("List the data disks of a VM with their sizes and the sizes they may be expanded to."),
		vmidParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		params := map[string]any{"vmid": vmid}

		if _, res := guard(ctx, mgr, filter, audit, "vm_disk_list", params, vmid, start); res != nil {
			return res, nil
		}

		disks, err := mgr.ListDisks(ctx, vmid)
		if err != nil {
			tools.LogAudit(audit, "vm_disk_list", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}
		out := make([]diskListing, 0, len(disks))
		for _, d := range disks {
			out = append(out, diskListing{Disk: d, ExpandOptions: ExpandOptions(d.SizeGB)})
		}

		tools.LogAudit(audit, "vm_disk_list", params, "ok", start)
		return tools.JSONResult(out), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmDiskAdd(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_disk_add",
		mcp.WithDescription("Add a disk on the next free bus of a controller. A running VM is shut down for the change and started again afterwards."),
		vmidParam(),
		mcp.WithString("controller",
			mcp.Required(),
			mcp.Description("Controller bus"),
			mcp.Enum(Controllers...),
		),
		mcp.WithNumber("size_gb",
			mcp.Required(),
			mcp.Description(fmt.Sprintf("Disk size in GB, one of %v", AddSizes)),
		),
		waitParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		controller := req.GetString("controller", "")
		size := req.GetInt("size_gb", 0)
		wait := req.GetBool("wait", false)
		params := map[string]any{"vmid": vmid, "controller": controller, "size_gb": size, "wait": wait}

		if _, res := guard(ctx, mgr, filter, audit, "vm_disk_add", params, vmid, start); res != nil {
			return res, nil
		}

		job, err := mgr.AddDisk(ctx, vmid, controller, size)
		if err != nil {
			tools.LogAudit(audit, "vm_disk_add", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		what := fmt.Sprintf("Adding a %dGB %s disk to VM %d", size, strings.ToUpper(controller), vmid)
		result, outcome := jobResult(ctx, job, wait, what)
		tools.LogAudit(audit, "vm_disk_add", params, outcome, start)
		return result, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmDiskDelete(mgr VMManager, filter *safety.Filter, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "vm_disk_delete"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Detach and delete a data disk. The boot disk scsi0 cannot be removed. Requires confirmation."),
		vmidParam(),
		diskKeyParam(),
		tokenParam(),
		waitParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		key := req.GetString("disk", "")
		token := req.GetString("confirmation_token", "")
		wait := req.GetBool("wait", false)
		params := map[string]any{"vmid": vmid, "disk": key, "wait": wait}

		v, res := guard(ctx, mgr, filter, audit, toolName, params, vmid, start)
		if res != nil {
			return res, nil
		}
		if key == BootDisk {
			tools.LogAudit(audit, toolName, params, "error: "+ErrBootDisk.Error(), start)
			return tools.ErrorResult(ErrBootDisk.Error()), nil
		}

		resource := fmt.Sprintf("%d/%s", vmid, key)
		if !confirm.Confirm(token, toolName, resource) {
			desc := fmt.Sprintf("This will delete disk %s of VM %q (%d) and its data. A running VM is shut down first.", key, v.Name, vmid)
			return tools.ConfirmPrompt(confirm, toolName, resource, desc), nil
		}

		job, err := mgr.DeleteDisk(ctx, vmid, key)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		result, outcome := jobResult(ctx, job, wait, fmt.Sprintf("Removal of disk %s from VM %d", key, vmid))
		tools.LogAudit(audit, toolName, params, outcome, start)
		return result, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmDiskExpand(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_disk_expand",
		mcp.WithDescription(fmt.Sprintf("Grow a disk to a larger size, at most %d GB. A running VM is shut down for the change and started again afterwards.", MaxDiskGB)),
		vmidParam(),
		diskKeyParam(),
		mcp.WithNumber("size_gb",
			mcp.Required(),
			mcp.Description(fmt.Sprintf("New size in GB, one of %v and larger than the current size", ExpandSizes)),
		),
		waitParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		key := req.GetString("disk", "")
		size := req.GetInt("size_gb", 0)
		wait := req.GetBool("wait", false)
		params := map[string]any{"vmid": vmid, "disk": key, "size_gb": size, "wait": wait}

		if _, res := guard(ctx, mgr, filter, audit, "vm_disk_expand", params, vmid, start); res != nil {
			return res, nil
		}

		job, err := mgr.ExpandDisk(ctx, vmid, key, size)
		if err != nil {
			tools.LogAudit(audit, "vm_disk_expand", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		result, outcome := jobResult(ctx, job, wait, fmt.Sprintf("Expansion of disk %s of VM %d to %dGB", key, vmid, size))
		tools.LogAudit(audit, "vm_disk_expand", params, outcome, start)
		return result, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
