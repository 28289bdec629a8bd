package vm

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/cache"
	"github.com/jamesprial/pve-mcp/internal/pending"
)

// Limits for CreateVM.
const (
	MinCreateCPUs  = 1
	MaxCreateCPUs  = 32
	MinCreateRAMMB = 512
	MaxCreateRAMMB = 65536
)

// Action submits a lifecycle action. It is refused when the matching
// control is disabled or the same action is already pending. Start
// triggers the post-start cooldown.
func (m *Manager) Action(ctx context.Context, vmid int, action backend.Action) (*Job, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
	v, err := m.Lookup(ctx, vmid)
	if err != nil {
		return nil, err
	}
	tag := string(action)
	if !m.controlsFor(v).Allows(tag) {
		return nil, fmt.Errorf("%w: %s on VM %d (status %s)", ErrActionDisabled, action, vmid, v.Status)
	}
	if !m.tracker.TryAdd(vmid, tag) {
		return nil, fmt.Errorf("%w: %s on VM %d", ErrPending, action, vmid)
	}
	if action == backend.ActionStart {
		m.cooldown.Trigger(vmid, tag)
	}

	label := fmt.Sprintf("%s %s", vmLabel(v), action)
	upid, err := m.client.VMAction(ctx, m.node, vmid, action)
	if err != nil {
		m.tracker.Remove(vmid, tag)
		m.alerts.Errorf("%s error: %s", label, backend.Detail(err))
		return nil, fmt.Errorf("%s VM %d: %w", action, vmid, err)
	}
	m.log.Info().Int("vmid", vmid).Str("action", tag).Str("upid", upid).Msg("action submitted")

	return m.follow(upid, followup{
		vmid:       vmid,
		tag:        tag,
		label:      label,
		pollFailed: fmt.Sprintf("Polling task for VM %d %s failed", vmid, action),
		settle:     m.opts.PowerSettle,
		invalidate: []string{cache.VMsKey(m.node)},
	}), nil
}

// Clone submits a full clone of vmid named name on the same node.
func (m *Manager) Clone(ctx context.Context, vmid int, name string) (*Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: clone name must not be empty", ErrInvalidInput)
	}
	v, err := m.Lookup(ctx, vmid)
	if err != nil {
		return nil, err
	}
	if !m.controlsFor(v).Allows(pending.TagClone) {
		return nil, fmt.Errorf("%w: clone of VM %d (status %s)", ErrActionDisabled, vmid, v.Status)
	}
	if !m.tracker.TryAdd(vmid, pending.TagClone) {
		return nil, fmt.Errorf("%w: clone of VM %d", ErrPending, vmid)
	}

	m.alerts.Infof("Cloning process for VM %s has started. Target name: %q.", v.Name, name)
	upid, err := m.client.CloneVM(ctx, m.node, vmid, backend.CloneRequest{Name: name, Full: true, Target: m.node})
	if err != nil {
		m.tracker.Remove(vmid, pending.TagClone)
		m.alerts.Errorf("Cloning of VM %q failed.", v.Name)
		return nil, fmt.Errorf("clone VM %d: %w", vmid, err)
	}
	m.alerts.Successf("Cloning of VM %q to %q successfully initiated.", v.Name, name)

	return m.follow(upid, followup{
		vmid:       vmid,
		tag:        pending.TagClone,
		label:      vmLabel(v) + " clone",
		pollFailed: fmt.Sprintf("Polling task for VM %d clone failed", vmid),
		settle:     m.opts.PowerSettle,
		invalidate: []string{cache.VMsKey(m.node)},
	}), nil
}

// CreateVM validates req and submits the creation of a new VM.
func (m *Manager) CreateVM(ctx context.Context, req backend.CreateRequest) (*Job, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Source = strings.TrimSpace(req.Source)
	switch {
	case req.Name == "":
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
	case req.CPUs < MinCreateCPUs || req.CPUs > MaxCreateCPUs:
		return nil, fmt.Errorf("%w: cpus %d outside %d..%d", ErrInvalidInput, req.CPUs, MinCreateCPUs, MaxCreateCPUs)
	case req.RAM < MinCreateRAMMB || req.RAM > MaxCreateRAMMB:
		return nil, fmt.Errorf("%w: ram %d MB outside %d..%d", ErrInvalidInput, req.RAM, MinCreateRAMMB, MaxCreateRAMMB)
	case req.Source == "":
		return nil, fmt.Errorf("%w: source ISO or template is required", ErrInvalidInput)
	}

	vms, err := m.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	if slices.ContainsFunc(vms, func(v backend.VM) bool { return v.Name == req.Name }) {
		return nil, fmt.Errorf("%w: a VM named %q already exists", ErrInvalidInput, req.Name)
	}

	label := fmt.Sprintf("VM %s create", req.Name)
	upid, err := m.client.CreateVM(ctx, m.node, req)
	if err != nil {
		m.alerts.Errorf("%s error: %s", label, backend.Detail(err))
		return nil, fmt.Errorf("create VM %q: %w", req.Name, err)
	}
	m.log.Info().Str("name", req.Name).Str("upid", upid).Msg("create submitted")

	return m.follow(upid, followup{
		label:      label,
		pollFailed: fmt.Sprintf("Polling create for VM %s failed", req.Name),
		invalidate: []string{cache.VMsKey(m.node)},
	}), nil
}

// Remove deletes vmid. The VM disappears from the cached list at once and
// comes back if the delete fails.
func (m *Manager) Remove(ctx context.Context, vmid int) (*Job, error) {
	v, err := m.Lookup(ctx, vmid)
	if err != nil {
		return nil, err
	}
	if !m.controlsFor(v).Allows(pending.TagRemove) {
		return nil, fmt.Errorf("%w: remove VM %d (status %s)", ErrActionDisabled, vmid, v.Status)
	}
	if !m.tracker.TryAdd(vmid, pending.TagRemove) {
		return nil, fmt.Errorf("%w: remove VM %d", ErrPending, vmid)
	}

	m.alerts.Warnf("Initiating deletion process for VM %q...", v.Name)
	key := cache.VMsKey(m.node)
	rollback := cache.OptimisticAs(m.cache, key, func(old []backend.VM, _ bool) []backend.VM {
		return slices.DeleteFunc(slices.Clone(old), func(o backend.VM) bool { return o.VMID == vmid })
	})
	fail := func(err error) {
		rollback()
		m.alerts.Errorf("Failed to delete VM %q: %s", v.Name, backend.Detail(err))
	}

	upid, err := m.client.DeleteVM(ctx, m.node, vmid)
	if err != nil {
		m.tracker.Remove(vmid, pending.TagRemove)
		fail(err)
		return nil, fmt.Errorf("delete VM %d: %w", vmid, err)
	}

	job := newJob(upid)
	m.spawn(job, func(ctx context.Context) error {
		defer m.tracker.Remove(vmid, pending.TagRemove)
		if _, err := m.fast.Wait(ctx, m.node, upid); err != nil {
			fail(err)
			return err
		}
		m.alerts.Successf("VM %q has been successfully deleted.", v.Name)
		m.cache.Invalidate(key)
		m.cache.Invalidate(cache.ConfigKey(m.node, vmid))
		m.cache.Invalidate(cache.SnapshotsKey(m.node, vmid))
		return nil
	})
	return job, nil
}
