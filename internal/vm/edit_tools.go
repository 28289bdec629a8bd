package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/pve-mcp/internal/edit"
	"github.com/jamesprial/pve-mcp/internal/safety"
	"github.com/jamesprial/pve-mcp/internal/tools"
)

// editView is the edit session plus whether Apply is currently possible.
type editView struct {
	edit.State
	CanApply   bool     `json:"can_apply"`
	CPUOptions []int    `json:"cpu_options"`
	RAMOptions []string `json:"ram_options"`
}

func editTools(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) []tools.Registration {
	return []tools.Registration{
		vmEditBegin(mgr, filter, audit),
		vmEditSet(mgr, filter, audit),
		vmEditCancel(mgr, filter, audit),
		vmEditApply(mgr, filter, audit),
	}
}

func view(ctx context.Context, mgr VMManager, vmid int) editView {
	ok, _ := mgr.CanApply(ctx, vmid)
	return editView{
		State:      mgr.EditState(),
		CanApply:   ok,
		CPUOptions: edit.CPUOptions,
		RAMOptions: edit.RAMOptions,
	}
}

func vmEditBegin(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_edit_begin",
		mcp.WithDescription("Put a VM into edit mode. Only one VM can be edited at a time."),
		vmidParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		params := map[string]any{"vmid": vmid}

		if _, res := guard(ctx, mgr, filter, audit, "vm_edit_begin", params, vmid, start); res != nil {
			return res, nil
		}

		if _, err := mgr.BeginEdit(ctx, vmid); err != nil {
			tools.LogAudit(audit, "vm_edit_begin", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "vm_edit_begin", params, "ok", start)
		return tools.JSONResult(view(ctx, mgr, vmid)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmEditSet(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_edit_set",
		mcp.WithDescription("Draft a rename, CPU count or RAM size for the VM in edit mode. Omitted fields are left as they are."),
		vmidParam(),
		mcp.WithString("name",
			mcp.Description("New VM name"),
		),
		mcp.WithNumber("cpus",
			mcp.Description(fmt.Sprintf("CPU cores, one of %v", edit.CPUOptions)),
		),
		mcp.WithString("ram",
			mcp.Description(fmt.Sprintf("Memory size, one of %s", strings.Join(edit.RAMOptions, ", "))),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		name := req.GetString("name", "")
		cpus := req.GetInt("cpus", 0)
		ram := req.GetString("ram", "")
		params := map[string]any{"vmid": vmid, "name": name, "cpus": cpus, "ram": ram}

		if _, res := guard(ctx, mgr, filter, audit, "vm_edit_set", params, vmid, start); res != nil {
			return res, nil
		}

		var errs []error
		if name != "" {
			errs = append(errs, mgr.SetDraftName(vmid, name))
		}
		if cpus != 0 {
			errs = append(errs, mgr.SetDraftCPUs(vmid, cpus))
		}
		if ram != "" {
			errs = append(errs, mgr.SetDraftRAM(vmid, ram))
		}
		if err := errors.Join(errs...); err != nil {
			tools.LogAudit(audit, "vm_edit_set", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "vm_edit_set", params, "ok", start)
		return tools.JSONResult(view(ctx, mgr, vmid)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmEditCancel(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_edit_cancel",
		mcp.WithDescription("Discard the draft and leave edit mode."),
		vmidParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		params := map[string]any{"vmid": vmid}

		if _, res := guard(ctx, mgr, filter, audit, "vm_edit_cancel", params, vmid, start); res != nil {
			return res, nil
		}

		if err := mgr.CancelEdit(vmid); err != nil {
			tools.LogAudit(audit, "vm_edit_cancel", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "vm_edit_cancel", params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("Edit of VM %d cancelled", vmid)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmEditApply(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_edit_apply",
		mcp.WithDescription("Apply the drafted changes in one config update. CPU and RAM changes require the VM to be stopped."),
		vmidParam(),
		waitParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		wait := req.GetBool("wait", false)
		params := map[string]any{"vmid": vmid, "wait": wait}

		if _, res := guard(ctx, mgr, filter, audit, "vm_edit_apply", params, vmid, start); res != nil {
			return res, nil
		}

		job, err := mgr.ApplyEdits(ctx, vmid)
		if err != nil {
			tools.LogAudit(audit, "vm_edit_apply", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		result, outcome := jobResult(ctx, job, wait, fmt.Sprintf("Update of VM %d", vmid))
		tools.LogAudit(audit, "vm_edit_apply", params, outcome, start)
		return result, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
