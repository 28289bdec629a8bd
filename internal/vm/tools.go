package vm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/safety"
	"github.com/jamesprial/pve-mcp/internal/tools"
)

// DestructiveTools lists the VM tools that require a confirmation token.
var DestructiveTools = []string{
	"vm_stop",
	"vm_shutdown",
	"vm_reboot",
	"vm_create",
	"vm_remove",
	"vm_snapshot_revert",
	"vm_snapshot_delete",
	"vm_disk_delete",
}

// VMTools returns the tool registrations for every VM operation. Each tool
// is wired to the provided VMManager, safety Filter, ConfirmationTracker
// and AuditLogger.
func VMTools(
	mgr VMManager,
	filter *safety.Filter,
	confirm *safety.ConfirmationTracker,
	audit *safety.AuditLogger,
) []tools.Registration {
	regs := []tools.Registration{
		vmList(mgr, filter, audit),
		vmStatus(mgr, filter, audit),
		vmConfig(mgr, filter, audit),
		vmControls(mgr, filter, audit),
		vmPending(mgr, filter, audit),
	}
	for _, spec := range powerSpecs {
		regs = append(regs, vmPower(mgr, filter, confirm, audit, spec))
	}
	regs = append(regs,
		vmClone(mgr, filter, audit),
		vmCreate(mgr, confirm, audit),
		vmRemove(mgr, filter, confirm, audit),
	)
	regs = append(regs, editTools(mgr, filter, audit)...)
	regs = append(regs, snapshotTools(mgr, filter, confirm, audit)...)
	regs = append(regs, diskTools(mgr, filter, confirm, audit)...)
	return regs
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func vmidParam() mcp.ToolOption {
	return mcp.WithNumber("vmid",
		mcp.Required(),
		mcp.Description("Numeric VM ID"),
	)
}

func tokenParam() mcp.ToolOption {
	return mcp.WithString("confirmation_token",
		mcp.Description("Confirmation token returned by a prior call to this tool"),
	)
}

func waitParam() mcp.ToolOption {
	return mcp.WithBoolean("wait",
		mcp.Description("Block until the operation and its follow-up have finished"),
	)
}

// guard resolves vmid and applies the filter. A non-nil result means the
// call must stop and return it; the audit entry has been written.
func guard(
	ctx context.Context,
	mgr VMManager,
	filter *safety.Filter,
	audit *safety.AuditLogger,
	toolName string,
	params map[string]any,
	vmid int,
	start time.Time,
) (backend.VM, *mcp.CallToolResult) {
	if vmid <= 0 {
		tools.LogAudit(audit, toolName, params, "error: invalid vmid", start)
		return backend.VM{}, tools.ErrorResult("vmid must be a positive number")
	}
	v, err := mgr.Lookup(ctx, vmid)
	if err != nil {
		tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
		return backend.VM{}, tools.ErrorResult(err.Error())
	}
	if !filter.AllowsVM(v.VMID, v.Name) {
		tools.LogAudit(audit, toolName, params, "denied", start)
		return backend.VM{}, tools.ErrorResult(fmt.Sprintf("access to VM %d (%s) is not allowed", v.VMID, v.Name))
	}
	return v, nil
}

// jobResult reports a submitted job. With wait set it blocks until the job
// is done and reports its outcome instead.
func jobResult(ctx context.Context, job *Job, wait bool, what string) (*mcp.CallToolResult, string) {
	if !wait {
		msg := what + " submitted"
		if job.UPID != "" {
			msg += fmt.Sprintf(" (task %s)", job.UPID)
		}
		return mcp.NewToolResultText(msg), "ok"
	}
	if err := job.Wait(ctx); err != nil {
		return tools.ErrorResult(fmt.Sprintf("%s: %v", what, err)), "error: " + err.Error()
	}
	return mcp.NewToolResultText(what + " finished"), "ok"
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func vmList(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_list",
		mcp.WithDescription("List the VMs of the node with status, OS, CPUs, RAM, disks, IP and pending actions."),
		mcp.WithBoolean("refresh",
			mcp.Description("Reload the list from the backend instead of using the cache"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		refresh := req.GetBool("refresh", false)
		params := map[string]any{"refresh": refresh}

		if refresh {
			if _, err := mgr.Refresh(ctx); err != nil {
				tools.LogAudit(audit, "vm_list", params, "error: "+err.Error(), start)
				return tools.ErrorResult(err.Error()), nil
			}
		}
		rows, err := mgr.Rows(ctx)
		if err != nil {
			tools.LogAudit(audit, "vm_list", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		visible := make([]Row, 0, len(rows))
		for _, r := range rows {
			if filter.AllowsVM(r.VMID, r.Name) {
				visible = append(visible, r)
			}
		}

		tools.LogAudit(audit, "vm_list", params, "ok", start)
		return tools.JSONResult(visible), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmStatus(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_status",
		mcp.WithDescription("Read the live status of a VM with its pending actions and enabled controls."),
		vmidParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		params := map[string]any{"vmid": vmid}

		if _, res := guard(ctx, mgr, filter, audit, "vm_status", params, vmid, start); res != nil {
			return res, nil
		}

		st, err := mgr.Status(ctx, vmid)
		if err != nil {
			tools.LogAudit(audit, "vm_status", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "vm_status", params, "ok", start)
		return tools.JSONResult(st), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmConfig(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_config",
		mcp.WithDescription("Return the configuration of a VM, including the raw platform config."),
		vmidParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		params := map[string]any{"vmid": vmid}

		if _, res := guard(ctx, mgr, filter, audit, "vm_config", params, vmid, start); res != nil {
			return res, nil
		}

		cfg, err := mgr.Config(ctx, vmid)
		if err != nil {
			tools.LogAudit(audit, "vm_config", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "vm_config", params, "ok", start)
		return tools.JSONResult(cfg), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmControls(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_controls",
		mcp.WithDescription("Report which actions are currently enabled for a VM."),
		vmidParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		params := map[string]any{"vmid": vmid}

		if _, res := guard(ctx, mgr, filter, audit, "vm_controls", params, vmid, start); res != nil {
			return res, nil
		}

		ctrl, err := mgr.Controls(ctx, vmid)
		if err != nil {
			tools.LogAudit(audit, "vm_controls", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "vm_controls", params, "ok", start)
		return tools.JSONResult(ctrl), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmPending(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_pending",
		mcp.WithDescription("List the actions still in flight, keyed by VMID."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := map[string]any{}

		all := mgr.Pending()
		out := make(map[string][]string, len(all))
		for vmid, tags := range all {
			name := ""
			if v, err := mgr.Lookup(ctx, vmid); err == nil {
				name = v.Name
			}
			if filter.AllowsVM(vmid, name) {
				out[strconv.Itoa(vmid)] = tags
			}
		}

		tools.LogAudit(audit, "vm_pending", params, "ok", start)
		return tools.JSONResult(out), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

type powerSpec struct {
	name   string
	action backend.Action
	desc   string
	// prompt is the confirmation text; empty means no confirmation.
	prompt string
}

var powerSpecs = []powerSpec{
	{name: "vm_start", action: backend.ActionStart, desc: "Start a stopped VM."},
	{
		name:   "vm_stop",
		action: backend.ActionStop,
		desc:   "Immediately power off a running or paused VM. Requires confirmation.",
		prompt: "This will power off VM %s without a clean guest shutdown.",
	},
	{
		name:   "vm_shutdown",
		action: backend.ActionShutdown,
		desc:   "Ask the guest OS of a running VM to shut down. Requires confirmation.",
		prompt: "This will shut down VM %s through its guest OS.",
	},
	{
		name:   "vm_reboot",
		action: backend.ActionReboot,
		desc:   "Reboot a running VM. Requires confirmation.",
		prompt: "This will reboot VM %s.",
	},
	{name: "vm_suspend", action: backend.ActionSuspend, desc: "Suspend a running VM to disk."},
	{name: "vm_resume", action: backend.ActionResume, desc: "Resume a suspended VM."},
}

func vmPower(
	mgr VMManager,
	filter *safety.Filter,
	confirm *safety.ConfirmationTracker,
	audit *safety.AuditLogger,
	spec powerSpec,
) tools.Registration {
	opts := []mcp.ToolOption{mcp.WithDescription(spec.desc), vmidParam(), waitParam()}
	if spec.prompt != "" {
		opts = append(opts, tokenParam())
	}
	tool := mcp.NewTool(spec.name, opts...)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		wait := req.GetBool("wait", false)
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"vmid": vmid, "wait": wait}

		v, res := guard(ctx, mgr, filter, audit, spec.name, params, vmid, start)
		if res != nil {
			return res, nil
		}

		resource := strconv.Itoa(vmid)
		if spec.prompt != "" && !confirm.Confirm(token, spec.name, resource) {
			desc := fmt.Sprintf(spec.prompt, fmt.Sprintf("%q (%d)", v.Name, vmid))
			return tools.ConfirmPrompt(confirm, spec.name, resource, desc), nil
		}

		job, err := mgr.Action(ctx, vmid, spec.action)
		if err != nil {
			tools.LogAudit(audit, spec.name, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		result, outcome := jobResult(ctx, job, wait, fmt.Sprintf("VM %d %s", vmid, spec.action))
		tools.LogAudit(audit, spec.name, params, outcome, start)
		return result, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmClone(mgr VMManager, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("vm_clone",
		mcp.WithDescription("Create a full clone of a VM on the same node."),
		vmidParam(),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the new VM"),
		),
		waitParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		name := req.GetString("name", "")
		wait := req.GetBool("wait", false)
		params := map[string]any{"vmid": vmid, "name": name, "wait": wait}

		if _, res := guard(ctx, mgr, filter, audit, "vm_clone", params, vmid, start); res != nil {
			return res, nil
		}

		job, err := mgr.Clone(ctx, vmid, name)
		if err != nil {
			tools.LogAudit(audit, "vm_clone", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		result, outcome := jobResult(ctx, job, wait, fmt.Sprintf("Clone of VM %d to %q", vmid, name))
		tools.LogAudit(audit, "vm_clone", params, outcome, start)
		return result, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmCreate(mgr VMManager, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "vm_create"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Create a new VM from an ISO or a template. Requires confirmation."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Name of the new VM"),
		),
		mcp.WithNumber("cpus",
			mcp.Required(),
			mcp.Description(fmt.Sprintf("CPU cores (%d-%d)", MinCreateCPUs, MaxCreateCPUs)),
		),
		mcp.WithNumber("ram",
			mcp.Required(),
			mcp.Description(fmt.Sprintf("Memory in MB (%d-%d)", MinCreateRAMMB, MaxCreateRAMMB)),
		),
		mcp.WithString("source",
			mcp.Required(),
			mcp.Description("ISO volume or template name to install from"),
		),
		tokenParam(),
		waitParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		create := backend.CreateRequest{
			Name:   req.GetString("name", ""),
			CPUs:   req.GetInt("cpus", 0),
			RAM:    req.GetInt("ram", 0),
			Source: req.GetString("source", ""),
		}
		token := req.GetString("confirmation_token", "")
		wait := req.GetBool("wait", false)
		params := map[string]any{
			"name":   create.Name,
			"cpus":   create.CPUs,
			"ram":    create.RAM,
			"source": create.Source,
			"wait":   wait,
		}

		if !confirm.Confirm(token, toolName, create.Name) {
			desc := fmt.Sprintf("This will create VM %q with %d CPUs and %s RAM from %q.",
				create.Name, create.CPUs, ramLabel(create.RAM), create.Source)
			return tools.ConfirmPrompt(confirm, toolName, create.Name, desc), nil
		}

		job, err := mgr.CreateVM(ctx, create)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		result, outcome := jobResult(ctx, job, wait, fmt.Sprintf("Creation of VM %q", create.Name))
		tools.LogAudit(audit, toolName, params, outcome, start)
		return result, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func vmRemove(mgr VMManager, filter *safety.Filter, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "vm_remove"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Permanently delete a stopped VM and its disks. Requires confirmation."),
		vmidParam(),
		tokenParam(),
		waitParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetInt("vmid", 0)
		token := req.GetString("confirmation_token", "")
		wait := req.GetBool("wait", false)
		params := map[string]any{"vmid": vmid, "wait": wait}

		v, res := guard(ctx, mgr, filter, audit, toolName, params, vmid, start)
		if res != nil {
			return res, nil
		}

		resource := strconv.Itoa(vmid)
		if !confirm.Confirm(token, toolName, resource) {
			desc := fmt.Sprintf("This will permanently delete VM %q (%d) and all of its disks. This cannot be undone.", v.Name, vmid)
			return tools.ConfirmPrompt(confirm, toolName, resource, desc), nil
		}

		job, err := mgr.Remove(ctx, vmid)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		result, outcome := jobResult(ctx, job, wait, fmt.Sprintf("Deletion of VM %d", vmid))
		tools.LogAudit(audit, toolName, params, outcome, start)
		return result, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
