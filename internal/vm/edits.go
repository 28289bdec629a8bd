package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/cache"
	"github.com/jamesprial/pve-mcp/internal/edit"
	"github.com/jamesprial/pve-mcp/internal/pending"
)

// errNotVerified is returned when the config never reflected the update.
var errNotVerified = errors.New("validation failed after retries")

// BeginEdit puts vmid into edit mode. Only one VM can be edited at a time.
func (m *Manager) BeginEdit(ctx context.Context, vmid int) (edit.State, error) {
	v, err := m.Lookup(ctx, vmid)
	if err != nil {
		return edit.State{}, err
	}
	if err := m.edits.Begin(v); err != nil {
		return edit.State{}, err
	}
	return m.edits.State(), nil
}

// SetDraftName drafts a rename of the VM being edited.
func (m *Manager) SetDraftName(vmid int, name string) error { return m.edits.SetName(vmid, name) }

// SetDraftCPUs drafts a core count for the VM being edited.
func (m *Manager) SetDraftCPUs(vmid, cpus int) error { return m.edits.SetCPUs(vmid, cpus) }

// SetDraftRAM drafts a memory size such as "2GB" for the VM being edited.
func (m *Manager) SetDraftRAM(vmid int, label string) error { return m.edits.SetRAM(vmid, label) }

// CancelEdit drops the draft and releases the edit lock.
func (m *Manager) CancelEdit(vmid int) error { return m.edits.Cancel(vmid) }

// EditState returns the current edit session.
func (m *Manager) EditState() edit.State { return m.edits.State() }

// CanApply reports whether the draft of vmid can be applied given the
// VM's listed status.
func (m *Manager) CanApply(ctx context.Context, vmid int) (bool, error) {
	v, err := m.Lookup(ctx, vmid)
	if err != nil {
		return false, err
	}
	return m.edits.CanApply(vmid, v.Status), nil
}

// ApplyEdits sends the draft of vmid as one config update. The status is
// re-read first and CPU or RAM changes on a running VM are refused. After
// the task finishes the config is read back until it matches the draft;
// only then is the cached list patched and the edit lock released. A
// failed apply keeps the draft.
func (m *Manager) ApplyEdits(ctx context.Context, vmid int) (*Job, error) {
	status, err := m.client.VMStatus(ctx, m.node, vmid)
	if err != nil {
		m.alerts.Errorf("Failed to fetch VM status for %d", vmid)
		return nil, fmt.Errorf("status of VM %d: %w", vmid, err)
	}
	draft, base, err := m.edits.BeginApply(vmid, status)
	if err != nil {
		if errors.Is(err, edit.ErrHotResize) {
			m.alerts.Errorf("Cannot apply CPU or RAM changes for running VM %d", vmid)
		}
		return nil, err
	}
	m.tracker.Add(vmid, pending.TagUpdate)

	upid, err := m.client.UpdateConfig(ctx, m.node, vmid, draft.Request())
	if err != nil {
		m.applyFailed(vmid, err)
		return nil, fmt.Errorf("update VM %d: %w", vmid, err)
	}
	m.log.Info().Int("vmid", vmid).Str("changes", draft.Describe()).Str("upid", upid).Msg("config update submitted")

	job := newJob(upid)
	m.spawn(job, func(ctx context.Context) error {
		if _, err := m.fast.Wait(ctx, m.node, upid); err != nil {
			m.applyFailed(vmid, err)
			return err
		}
		if err := m.verify(ctx, vmid, draft.Expected(base)); err != nil {
			m.applyFailed(vmid, err)
			return err
		}
		cache.UpdateAs(m.cache, cache.VMsKey(m.node), func(old []backend.VM, ok bool) []backend.VM {
			if !ok {
				return []backend.VM{draft.Expected(base)}
			}
			out := make([]backend.VM, len(old))
			for i, o := range old {
				if o.VMID == vmid {
					o = draft.Expected(o)
				}
				out[i] = o
			}
			return out
		})
		m.cache.Invalidate(cache.ConfigKey(m.node, vmid))
		m.tracker.Remove(vmid, pending.TagUpdate)
		m.edits.EndApply(vmid, true)
		m.alerts.Successf("VM %d updated: %s", vmid, draft.Describe())
		return nil
	})
	return job, nil
}

// verify reads the config until name, cores and memory equal want.
func (m *Manager) verify(ctx context.Context, vmid int, want backend.VM) error {
	for attempt := 0; attempt < m.opts.VerifyAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, m.opts.VerifyInterval); err != nil {
				return err
			}
		}
		cfg, err := m.client.VMConfig(ctx, m.node, vmid)
		if err != nil {
			m.log.Debug().Err(err).Int("vmid", vmid).Int("attempt", attempt+1).Msg("verify read failed")
			continue
		}
		if cfg.Name == want.Name && cfg.CPUs == want.CPUs && cfg.RAM == want.RAM {
			return nil
		}
	}
	return errNotVerified
}

func (m *Manager) applyFailed(vmid int, err error) {
	m.tracker.Remove(vmid, pending.TagUpdate)
	m.edits.EndApply(vmid, false)
	m.alerts.Errorf("Failed to update VM %d: %s", vmid, backend.Detail(err))
}
