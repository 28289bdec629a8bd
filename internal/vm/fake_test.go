package vm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamesprial/pve-mcp/internal/alerts"
	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/session"
	"github.com/jamesprial/pve-mcp/internal/task"
)

// ---------------------------------------------------------------------------
// fakeBackend: an in-memory backend.Client that applies operations to its
// own state the way the platform would
// ---------------------------------------------------------------------------

type fakeBackend struct {
	mu      sync.Mutex
	vms     map[int]*backend.VM
	configs map[int]map[string]string
	snaps   map[int][]backend.Snapshot
	// tasks overrides the status reported for a UPID. Unknown UPIDs
	// report stopped/OK.
	tasks map[string]backend.TaskStatus
	// fail makes the named method return the error.
	fail map[string]error
	// exit makes tasks of the named method finish with this exit status.
	exit map[string]string
	// stale keeps VMConfig reporting the pre-update summary.
	stale bool
	// activateFails makes ActivateUnusedDisk report success=false.
	activateFails bool
	// hold keeps every task running until released.
	hold          bool
	calls         []string
	seq           int
	nextID        int
}

var _ backend.Client = (*fakeBackend)(nil)

func newFakeBackend(vms ...backend.VM) *fakeBackend {
	f := &fakeBackend{
		vms:     make(map[int]*backend.VM),
		configs: make(map[int]map[string]string),
		snaps:   make(map[int][]backend.Snapshot),
		tasks:   make(map[string]backend.TaskStatus),
		fail:    make(map[string]error),
		exit:    make(map[string]string),
		nextID:  200,
	}
	for _, v := range vms {
		v := v
		f.vms[v.VMID] = &v
		f.configs[v.VMID] = map[string]string{
			"scsi0": fmt.Sprintf("vmstorage:vm-%d-disk-0,size=32G", v.VMID),
			"ide2":  "local:iso/debian.iso,media=cdrom",
		}
		f.snaps[v.VMID] = []backend.Snapshot{{Name: "current", Description: "You are here!"}}
	}
	return f
}

func (f *fakeBackend) record(method string, args ...any) error {
	call := method
	if len(args) > 0 {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a)
		}
		call += " " + strings.Join(parts, " ")
	}
	f.calls = append(f.calls, call)
	return f.fail[method]
}

func (f *fakeBackend) upid(method string) string {
	f.seq++
	id := fmt.Sprintf("UPID:pve:%08X:%s", f.seq, method)
	if status, ok := f.exit[method]; ok {
		f.tasks[id] = backend.TaskStatus{Status: "stopped", ExitStatus: status}
	}
	return id
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeBackend) Called(prefix string) bool {
	return slices.ContainsFunc(f.Calls(), func(c string) bool { return strings.HasPrefix(c, prefix) })
}

func (f *fakeBackend) VM(vmid int) (backend.VM, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vms[vmid]
	if !ok {
		return backend.VM{}, false
	}
	return *v, true
}

func (f *fakeBackend) SetStatus(vmid int, status string) {
	f.mu.Lock()
	f.vms[vmid].Status = status
	f.mu.Unlock()
}

func (f *fakeBackend) SetHold(hold bool) {
	f.mu.Lock()
	f.hold = hold
	f.mu.Unlock()
}

func (f *fakeBackend) Raw(vmid int) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.configs[vmid])
}

func (f *fakeBackend) Login(_ context.Context, username, _ string) (session.Auth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session.Auth{Ticket: "ticket", CSRFToken: "csrf"}, f.record("Login", username)
}

func (f *fakeBackend) ListNodes(context.Context) ([]backend.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []backend.Node{{Node: "pve", Status: "online"}}, f.record("ListNodes")
}

func (f *fakeBackend) ListVMs(_ context.Context, _ string) ([]backend.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListVMs"); err != nil {
		return nil, err
	}
	out := make([]backend.VM, 0, len(f.vms))
	for _, v := range f.vms {
		out = append(out, *v)
	}
	return out, nil
}

func (f *fakeBackend) VMAction(_ context.Context, _ string, vmid int, action backend.Action) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("VMAction", vmid, action); err != nil {
		return "", err
	}
	v, ok := f.vms[vmid]
	if !ok {
		return "", &backend.APIError{StatusCode: 500, Detail: "no such VM"}
	}
	switch action {
	case backend.ActionStart, backend.ActionResume, backend.ActionReboot:
		v.Status = backend.StatusRunning
	case backend.ActionStop, backend.ActionShutdown:
		v.Status = backend.StatusStopped
	case backend.ActionSuspend:
		v.Status = backend.StatusPaused
	}
	return f.upid("VMAction"), nil
}

func (f *fakeBackend) CloneVM(_ context.Context, _ string, vmid int, req backend.CloneRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CloneVM", vmid, req.Name); err != nil {
		return "", err
	}
	src := *f.vms[vmid]
	src.VMID = f.nextID
	src.Name = req.Name
	src.Status = backend.StatusStopped
	f.nextID++
	f.vms[src.VMID] = &src
	return f.upid("CloneVM"), nil
}

func (f *fakeBackend) CreateVM(_ context.Context, _ string, req backend.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateVM", req.Name); err != nil {
		return "", err
	}
	id := f.nextID
	f.nextID++
	f.vms[id] = &backend.VM{VMID: id, Name: req.Name, Status: backend.StatusStopped, CPUs: req.CPUs, RAM: req.RAM}
	return f.upid("CreateVM"), nil
}

func (f *fakeBackend) UpdateConfig(_ context.Context, _ string, vmid int, req backend.UpdateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateConfig", vmid); err != nil {
		return "", err
	}
	if f.stale {
		return f.upid("UpdateConfig"), nil
	}
	v := f.vms[vmid]
	if req.Name != nil {
		v.Name = *req.Name
	}
	if req.CPUs != nil {
		v.CPUs = *req.CPUs
	}
	if req.RAM != nil {
		v.RAM = *req.RAM
	}
	return f.upid("UpdateConfig"), nil
}

func (f *fakeBackend) DeleteVM(_ context.Context, _ string, vmid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteVM", vmid); err != nil {
		return "", err
	}
	upid := f.upid("DeleteVM")
	if _, failed := f.tasks[upid]; !failed {
		delete(f.vms, vmid)
	}
	return upid, nil
}

func (f *fakeBackend) VMStatus(_ context.Context, _ string, vmid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("VMStatus", vmid); err != nil {
		return "", err
	}
	v, ok := f.vms[vmid]
	if !ok {
		return "", &backend.APIError{StatusCode: 500, Detail: "no such VM"}
	}
	return v.Status, nil
}

func (f *fakeBackend) VMConfig(_ context.Context, _ string, vmid int) (backend.VMConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("VMConfig", vmid); err != nil {
		return backend.VMConfig{}, err
	}
	v, ok := f.vms[vmid]
	if !ok {
		return backend.VMConfig{}, &backend.APIError{StatusCode: 500, Detail: "no such VM"}
	}
	return backend.VMConfig{VM: *v, Raw: maps.Clone(f.configs[vmid])}, nil
}

func (f *fakeBackend) ListSnapshots(_ context.Context, _ string, vmid int) ([]backend.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListSnapshots", vmid); err != nil {
		return nil, err
	}
	return slices.Clone(f.snaps[vmid]), nil
}

func (f *fakeBackend) CreateSnapshot(_ context.Context, _ string, vmid int, req backend.SnapshotRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateSnapshot", vmid, req.Name); err != nil {
		return "", err
	}
	f.snaps[vmid] = append(f.snaps[vmid], backend.Snapshot{Name: req.Name, Description: req.Description})
	return f.upid("CreateSnapshot"), nil
}

func (f *fakeBackend) RevertSnapshot(_ context.Context, _ string, vmid int, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RevertSnapshot", vmid, name); err != nil {
		return "", err
	}
	return f.upid("RevertSnapshot"), nil
}

func (f *fakeBackend) DeleteSnapshot(_ context.Context, _ string, vmid int, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteSnapshot", vmid, name); err != nil {
		return "", err
	}
	f.snaps[vmid] = slices.DeleteFunc(f.snaps[vmid], func(s backend.Snapshot) bool { return s.Name == name })
	return f.upid("DeleteSnapshot"), nil
}

func (f *fakeBackend) AddDisk(_ context.Context, _ string, vmid int, req backend.AddDiskRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddDisk", vmid, req.Controller, req.Bus, req.Size); err != nil {
		return err
	}
	cfg := f.configs[vmid]
	n := 0
	for _, v := range cfg {
		if strings.Contains(v, fmt.Sprintf("vm-%d-disk-", vmid)) {
			n++
		}
	}
	slot := 0
	for {
		if _, used := cfg[fmt.Sprintf("unused%d", slot)]; !used {
			break
		}
		slot++
	}
	cfg[fmt.Sprintf("unused%d", slot)] = fmt.Sprintf("%s:vm-%d-disk-%d,size=%dG", req.Storage, vmid, n, req.Size)
	return nil
}

func (f *fakeBackend) ActivateUnusedDisk(_ context.Context, _ string, vmid int, key, controller string) (backend.ActivateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ActivateUnusedDisk", vmid, key, controller); err != nil {
		return backend.ActivateResult{}, err
	}
	if f.activateFails {
		return backend.ActivateResult{Success: false}, nil
	}
	cfg := f.configs[vmid]
	target := fmt.Sprintf("%s%d", controller, NextFreeBus(cfg, controller))
	cfg[target] = cfg[key]
	delete(cfg, key)
	return backend.ActivateResult{Success: true, TargetKey: target}, nil
}

func (f *fakeBackend) DeleteDisk(_ context.Context, _ string, vmid int, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteDisk", vmid, key); err != nil {
		return err
	}
	delete(f.configs[vmid], key)
	return nil
}

func (f *fakeBackend) ExpandDisk(_ context.Context, _ string, vmid int, key string, newSizeGB int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ExpandDisk", vmid, key, newSizeGB); err != nil {
		return err
	}
	cfg := f.configs[vmid]
	cfg[key] = diskSizeRE.ReplaceAllString(cfg[key], fmt.Sprintf("size=%dG", newSizeGB))
	return nil
}

func (f *fakeBackend) TaskStatus(_ context.Context, _ string, upid string) (backend.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("TaskStatus", upid); err != nil {
		return backend.TaskStatus{}, err
	}
	if f.hold {
		return backend.TaskStatus{Status: backend.StatusRunning}, nil
	}
	if st, ok := f.tasks[upid]; ok {
		return st, nil
	}
	return backend.TaskStatus{Status: "stopped", ExitStatus: "OK"}, nil
}

func (f *fakeBackend) ConsoleURL(node string, vmid int) (string, error) {
	return fmt.Sprintf("ws://backend/ws/console/%s/%d", node, vmid), nil
}

// ---------------------------------------------------------------------------
// Manager fixtures
// ---------------------------------------------------------------------------

// fastOptions shrinks every delay so follow-ups finish within milliseconds.
func fastOptions() Options {
	return Options{
		PowerSettle:    time.Millisecond,
		SnapshotSettle: time.Millisecond,
		FastInterval:   time.Millisecond,
		VerifyAttempts: 3,
		VerifyInterval: time.Millisecond,
		StatusTimeout:  50 * time.Millisecond,
		StatusInterval: time.Millisecond,
		DiskAttempts:   3,
		DiskInterval:   time.Millisecond,
	}
}

func newTestManager(t *testing.T, fb *fakeBackend) *Manager {
	t.Helper()
	poller := task.NewPoller(fb, task.Options{Interval: time.Millisecond, MaxWait: time.Second}, nil, zerolog.Nop())
	m := NewManager("pve", Deps{
		Client: fb,
		Poller: poller,
		Alerts: alerts.NewCenter(0, zerolog.Nop()),
		Log:    zerolog.Nop(),
	}, fastOptions())
	t.Cleanup(m.Close)
	return m
}

// waitJob waits for job with a test deadline.
func waitJob(t *testing.T, job *Job) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := job.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("job %q did not finish in time", job.UPID)
	}
	return err
}

// messages returns the alert texts newest first.
func messages(m *Manager) []string {
	var out []string
	for _, a := range m.Alerts().Recent(0) {
		out = append(out, a.Message)
	}
	return out
}

func stopped(id int, name string) backend.VM {
	return backend.VM{VMID: id, Name: name, Status: backend.StatusStopped, CPUs: 2, RAM: 2048, IPAddress: backend.NotAvailable}
}

func running(id int, name string) backend.VM {
	return backend.VM{VMID: id, Name: name, Status: backend.StatusRunning, CPUs: 2, RAM: 2048, IPAddress: "10.0.0." + fmt.Sprint(id%250)}
}
