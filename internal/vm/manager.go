package vm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/jamesprial/pve-mcp/internal/alerts"
	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/cache"
	"github.com/jamesprial/pve-mcp/internal/edit"
	"github.com/jamesprial/pve-mcp/internal/pending"
	"github.com/jamesprial/pve-mcp/internal/task"
)

// Deps are the collaborators of a Manager. Client is required; nil values
// of the others are replaced by fresh instances.
type Deps struct {
	Client   backend.Client
	Poller   *task.Poller
	Cache    *cache.Cache
	Tracker  *pending.Tracker
	Cooldown *pending.Cooldown
	Edits    *edit.Session
	Alerts   *alerts.Center
	Log      zerolog.Logger
}

// Manager runs VM operations for one node. Follow-ups of submitted
// operations run under the manager's own context, so they outlive the
// request that started them and stop when Close is called.
type Manager struct {
	node     string
	client   backend.Client
	poller   *task.Poller
	fast     *task.Poller
	cache    *cache.Cache
	tracker  *pending.Tracker
	cooldown *pending.Cooldown
	edits    *edit.Session
	alerts   *alerts.Center
	opts     Options
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ VMManager = (*Manager)(nil)

// NewManager creates a Manager for node.
func NewManager(node string, deps Deps, opts Options) *Manager {
	opts = opts.withDefaults()
	log := deps.Log.With().Str("component", "vm").Str("node", node).Logger()
	if deps.Poller == nil {
		deps.Poller = task.NewPoller(deps.Client, task.Options{}, nil, log)
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(0, nil)
	}
	if deps.Tracker == nil {
		deps.Tracker = pending.NewTracker(0, nil)
	}
	if deps.Cooldown == nil {
		deps.Cooldown = pending.NewCooldown(0, 0)
	}
	if deps.Edits == nil {
		deps.Edits = &edit.Session{}
	}
	if deps.Alerts == nil {
		deps.Alerts = alerts.NewCenter(0, log)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		node:     node,
		client:   deps.Client,
		poller:   deps.Poller,
		fast:     deps.Poller.WithInterval(opts.FastInterval),
		cache:    deps.Cache,
		tracker:  deps.Tracker,
		cooldown: deps.Cooldown,
		edits:    deps.Edits,
		alerts:   deps.Alerts,
		opts:     opts,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Node returns the node the manager operates on.
func (m *Manager) Node() string { return m.node }

// Alerts returns the alert center operations report to.
func (m *Manager) Alerts() *alerts.Center { return m.alerts }

// Close cancels every background follow-up and waits for them to return.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// ListVMs returns the node's VMs sorted by VMID, from cache when fresh.
func (m *Manager) ListVMs(ctx context.Context) ([]backend.VM, error) {
	vms, err := cache.FetchAs(ctx, m.cache, cache.VMsKey(m.node), func(ctx context.Context) ([]backend.VM, error) {
		vms, err := m.client.ListVMs(ctx, m.node)
		if err != nil {
			return nil, err
		}
		sort.Slice(vms, func(i, j int) bool { return vms[i].VMID < vms[j].VMID })
		return vms, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	return vms, nil
}

// Refresh drops the cached VM list and loads it again.
func (m *Manager) Refresh(ctx context.Context) ([]backend.VM, error) {
	m.cache.Invalidate(cache.VMsKey(m.node))
	return m.ListVMs(ctx)
}

// Lookup returns the listed VM with vmid.
func (m *Manager) Lookup(ctx context.Context, vmid int) (backend.VM, error) {
	vms, err := m.ListVMs(ctx)
	if err != nil {
		return backend.VM{}, err
	}
	for _, v := range vms {
		if v.VMID == vmid {
			return v, nil
		}
	}
	return backend.VM{}, fmt.Errorf("%w: VM %d on node %s", ErrNotFound, vmid, m.node)
}

// Rows returns the VM table with human readable sizes and pending tags.
func (m *Manager) Rows(ctx context.Context) ([]Row, error) {
	vms, err := m.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(vms))
	for _, v := range vms {
		rows = append(rows, Row{
			VMID:      v.VMID,
			Name:      v.Name,
			Status:    v.Status,
			OS:        v.OS,
			CPUs:      v.CPUs,
			RAM:       ramLabel(v.RAM),
			Disks:     v.NumHDD,
			DiskSizes: v.HDDSizes,
			DiskFree:  v.HDDFree,
			IP:        v.IPAddress,
			Pending:   m.tracker.List(v.VMID),
		})
	}
	return rows, nil
}

// Status reads the live status of vmid together with its controls.
func (m *Manager) Status(ctx context.Context, vmid int) (Status, error) {
	status, err := m.client.VMStatus(ctx, m.node, vmid)
	if err != nil {
		return Status{}, fmt.Errorf("status of VM %d: %w", vmid, err)
	}
	v, err := m.Lookup(ctx, vmid)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Status{}, err
	}
	v.VMID = vmid
	v.Status = status
	return Status{
		VMID:     vmid,
		Status:   status,
		Pending:  m.tracker.List(vmid),
		Controls: m.controlsFor(v),
	}, nil
}

// Config returns the VM config, from cache when fresh.
func (m *Manager) Config(ctx context.Context, vmid int) (backend.VMConfig, error) {
	cfg, err := cache.FetchAs(ctx, m.cache, cache.ConfigKey(m.node, vmid), func(ctx context.Context) (backend.VMConfig, error) {
		return m.client.VMConfig(ctx, m.node, vmid)
	})
	if err != nil {
		return backend.VMConfig{}, fmt.Errorf("config of VM %d: %w", vmid, err)
	}
	return cfg, nil
}

// Controls returns which actions are enabled for vmid right now.
func (m *Manager) Controls(ctx context.Context, vmid int) (pending.Controls, error) {
	v, err := m.Lookup(ctx, vmid)
	if err != nil {
		return pending.Controls{}, err
	}
	return m.controlsFor(v), nil
}

// Pending returns every VM's in-flight tags.
func (m *Manager) Pending() map[int][]string {
	return m.tracker.Snapshot()
}

func (m *Manager) controlsFor(v backend.VM) pending.Controls {
	id := v.VMID
	m.cooldown.Settle(id, v.Status, m.tracker.Has(id, pending.TagStart))
	in := pending.InputFromTags(
		v.Status,
		v.HasIP(),
		m.tracker.List(id),
		m.tracker.Effective(id),
		m.edits.IsApplying(id),
		m.cooldown.Active(id),
	)
	return pending.Derive(in)
}

// hasTagPrefix reports whether any pending tag of vmid starts with one of
// prefixes.
func (m *Manager) hasTagPrefix(vmid int, prefixes ...string) bool {
	for _, tag := range m.tracker.List(vmid) {
		for _, p := range prefixes {
			if strings.HasPrefix(tag, p) {
				return true
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Background follow-ups
// ---------------------------------------------------------------------------

// spawn runs fn under the manager context and finishes job with its
// result.
func (m *Manager) spawn(job *Job, fn func(ctx context.Context) error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		job.finish(ErrClosed)
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		job.finish(fn(m.ctx))
	}()
}

// followup describes how a submitted task is tracked to completion.
type followup struct {
	vmid int
	// tag is dropped from the tracker when the follow-up ends. Empty means
	// nothing is tracked.
	tag string
	// label prefixes the result alert, e.g. "VM web (101) start".
	label string
	// pollFailed is the alert raised when the task cannot be polled.
	pollFailed string
	settle     time.Duration
	invalidate []string
	poller     *task.Poller
	// onSuccess runs after a task finished OK and before the settle delay.
	onSuccess func()
}

// follow polls upid in the background. A finished task raises a success or
// failure alert, then the settle delay passes, the cache keys are dropped
// and the tag is released. A polling error skips the settle delay.
func (m *Manager) follow(upid string, f followup) *Job {
	job := newJob(upid)
	if f.poller == nil {
		f.poller = m.poller
	}
	m.spawn(job, func(ctx context.Context) error {
		if f.tag != "" {
			defer m.tracker.Remove(f.vmid, f.tag)
		}
		_, err := f.poller.Wait(ctx, m.node, upid)
		var failed *task.FailedError
		switch {
		case err == nil:
			m.alerts.Successf("%s succeeded", f.label)
			if f.onSuccess != nil {
				f.onSuccess()
			}
		case errors.As(err, &failed):
			m.alerts.Errorf("%s failed: %s", f.label, failed.ExitStatus)
		default:
			if ctx.Err() == nil {
				m.alerts.Errorf("%s", f.pollFailed)
			}
			return err
		}
		if serr := sleep(ctx, f.settle); serr != nil {
			m.log.Debug().Str("upid", upid).Msg("settle delay cut short")
		}
		for _, key := range f.invalidate {
			m.cache.Invalidate(key)
		}
		return err
	})
	return job
}

// waitStatus polls the live status of vmid until it equals want or the
// status timeout passes.
func (m *Manager) waitStatus(ctx context.Context, vmid int, want string) error {
	deadline := time.Now().Add(m.opts.StatusTimeout)
	for {
		status, err := m.client.VMStatus(ctx, m.node, vmid)
		if err != nil {
			return fmt.Errorf("status of VM %d: %w", vmid, err)
		}
		if status == want {
			return nil
		}
		if time.Now().Add(m.opts.StatusInterval).After(deadline) {
			return fmt.Errorf("%w: VM %d did not reach %q within %s", ErrStatusTimeout, vmid, want, m.opts.StatusTimeout)
		}
		if err := sleep(ctx, m.opts.StatusInterval); err != nil {
			return err
		}
	}
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// vmLabel renders "VM name (vmid)" for alerts.
func vmLabel(v backend.VM) string {
	name := v.Name
	if name == backend.NotAvailable {
		name = ""
	}
	return fmt.Sprintf("VM %s (%d)", name, v.VMID)
}

// ramLabel renders megabytes with binary units, e.g. "2GiB".
func ramLabel(mb int) string {
	if mb <= 0 {
		return backend.NotAvailable
	}
	return units.BytesSize(float64(mb) * units.MiB)
}
