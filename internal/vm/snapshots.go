package vm

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/cache"
	"github.com/jamesprial/pve-mcp/internal/pending"
)

// currentSnapshot is the pseudo snapshot the platform reports for the live
// state.
const currentSnapshot = "current"

// Snapshot operation names, used in tags and alerts.
const (
	snapCreate = "create"
	snapRevert = "revert"
	snapDelete = "delete"
)

var snapshotNameRE = regexp.MustCompile(`^[A-Za-z0-9_+.-]{1,40}$`)

// ValidSnapshotName reports why name cannot be used for a new snapshot, or
// nil when it can.
func ValidSnapshotName(name string) error {
	if strings.EqualFold(name, currentSnapshot) {
		return ErrReservedSnapshotName
	}
	if !snapshotNameRE.MatchString(name) {
		return fmt.Errorf("%w: %q must be 1-40 letters, digits or _+.-", ErrInvalidSnapshotName, name)
	}
	return nil
}

// ListSnapshots returns the snapshots of vmid, from cache when fresh. The
// live "current" entry is left out.
func (m *Manager) ListSnapshots(ctx context.Context, vmid int) ([]backend.Snapshot, error) {
	snaps, err := cache.FetchAs(ctx, m.cache, cache.SnapshotsKey(m.node, vmid), func(ctx context.Context) ([]backend.Snapshot, error) {
		return m.client.ListSnapshots(ctx, m.node, vmid)
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots of VM %d: %w", vmid, err)
	}
	out := make([]backend.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.Name != currentSnapshot {
			out = append(out, s)
		}
	}
	return out, nil
}

// CreateSnapshot submits a snapshot named name. It is refused while another
// create or revert, or a disk operation, is pending for the VM.
func (m *Manager) CreateSnapshot(ctx context.Context, vmid int, name, description string) (*Job, error) {
	if err := ValidSnapshotName(name); err != nil {
		return nil, err
	}
	v, err := m.Lookup(ctx, vmid)
	if err != nil {
		return nil, err
	}
	if m.hasTagPrefix(vmid, snapCreate+"-", snapRevert+"-") || m.tracker.Has(vmid, pending.TagDisk) {
		return nil, fmt.Errorf("%w: VM %d", ErrSnapshotBusy, vmid)
	}
	snaps, err := m.ListSnapshots(ctx, vmid)
	if err != nil {
		return nil, err
	}
	if slices.ContainsFunc(snaps, func(s backend.Snapshot) bool { return s.Name == name }) {
		return nil, fmt.Errorf("%w: %q on VM %d", ErrDuplicateSnapshot, name, vmid)
	}

	req := backend.SnapshotRequest{Name: name, Description: description}
	return m.snapshotOp(v, snapCreate, name, func() (string, error) {
		return m.client.CreateSnapshot(ctx, m.node, vmid, req)
	})
}

// RevertSnapshot rolls vmid back to name. The VM list is refreshed after
// the power settle delay since a revert usually changes the VM's state.
func (m *Manager) RevertSnapshot(ctx context.Context, vmid int, name string) (*Job, error) {
	v, err := m.existingSnapshot(ctx, vmid, name)
	if err != nil {
		return nil, err
	}
	return m.snapshotOp(v, snapRevert, name, func() (string, error) {
		return m.client.RevertSnapshot(ctx, m.node, vmid, name)
	})
}

// DeleteSnapshot removes name from vmid.
func (m *Manager) DeleteSnapshot(ctx context.Context, vmid int, name string) (*Job, error) {
	v, err := m.existingSnapshot(ctx, vmid, name)
	if err != nil {
		return nil, err
	}
	return m.snapshotOp(v, snapDelete, name, func() (string, error) {
		return m.client.DeleteSnapshot(ctx, m.node, vmid, name)
	})
}

func (m *Manager) existingSnapshot(ctx context.Context, vmid int, name string) (backend.VM, error) {
	if name == "" || name == currentSnapshot {
		return backend.VM{}, fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
	}
	v, err := m.Lookup(ctx, vmid)
	if err != nil {
		return backend.VM{}, err
	}
	snaps, err := m.ListSnapshots(ctx, vmid)
	if err != nil {
		return backend.VM{}, err
	}
	if !slices.ContainsFunc(snaps, func(s backend.Snapshot) bool { return s.Name == name }) {
		return backend.VM{}, fmt.Errorf("%w: %q on VM %d", ErrSnapshotNotFound, name, vmid)
	}
	return v, nil
}

// snapshotOp tags the VM, calls submit and follows the returned task.
func (m *Manager) snapshotOp(v backend.VM, op, name string, submit func() (string, error)) (*Job, error) {
	vmid := v.VMID
	tag := pending.SnapshotTag(op, name)
	if !m.tracker.TryAdd(vmid, tag) {
		return nil, fmt.Errorf("%w: %s on VM %d", ErrPending, tag, vmid)
	}

	label := fmt.Sprintf("%s %s %s", vmLabel(v), op, name)
	upid, err := submit()
	if err != nil {
		m.tracker.Remove(vmid, tag)
		m.alerts.Errorf("%s error: %s", label, backend.Detail(err))
		return nil, fmt.Errorf("%s snapshot %q of VM %d: %w", op, name, vmid, err)
	}

	f := followup{
		vmid:       vmid,
		tag:        tag,
		label:      label,
		pollFailed: fmt.Sprintf("Polling %s for VM %d failed", op, vmid),
		settle:     m.opts.SnapshotSettle,
		invalidate: []string{cache.SnapshotsKey(m.node, vmid)},
	}
	if op == snapRevert {
		f.settle = m.opts.PowerSettle
		f.invalidate = []string{cache.VMsKey(m.node), cache.ConfigKey(m.node, vmid)}
	}
	return m.follow(upid, f), nil
}
