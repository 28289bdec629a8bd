// Package vm orchestrates VM operations against the backend: lifecycle
// actions, clones, removal, snapshots, disks and config edits. Every
// mutating operation records a pending tag, follows the backend task in the
// background and raises an alert when it finishes.
package vm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/edit"
	"github.com/jamesprial/pve-mcp/internal/pending"
)

var (
	// ErrNotFound is returned when a VMID is not in the node's VM list.
	ErrNotFound = errors.New("vm: not found")
	// ErrActionDisabled is returned when the control for an action is
	// currently disabled.
	ErrActionDisabled = errors.New("vm: action not available in the current state")
	// ErrPending is returned when the same operation is already in flight.
	ErrPending = errors.New("vm: operation already pending")
	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New("vm: manager closed")
	// ErrInvalidInput is returned for arguments that fail validation.
	ErrInvalidInput = errors.New("vm: invalid input")

	// ErrInvalidSnapshotName is returned for names outside [A-Za-z0-9_+.-]{1,40}.
	ErrInvalidSnapshotName = errors.New("vm: invalid snapshot name")
	// ErrReservedSnapshotName is returned for the name "current".
	ErrReservedSnapshotName = errors.New(`vm: snapshot name "current" is reserved`)
	// ErrDuplicateSnapshot is returned when the name is already taken.
	ErrDuplicateSnapshot = errors.New("vm: snapshot already exists")
	// ErrSnapshotNotFound is returned for an unknown snapshot name.
	ErrSnapshotNotFound = errors.New("vm: snapshot not found")
	// ErrSnapshotBusy is returned while a snapshot create or revert, or a
	// disk operation, is in flight for the VM.
	ErrSnapshotBusy = errors.New("vm: another snapshot or disk operation is in progress")

	// ErrBootDisk is returned when removing scsi0.
	ErrBootDisk = errors.New("vm: the boot disk cannot be removed")
	// ErrDiskNotFound is returned for an unknown disk key.
	ErrDiskNotFound = errors.New("vm: disk not found")
	// ErrDiskBusy is returned while another disk operation runs on the VM.
	ErrDiskBusy = errors.New("vm: a disk operation is already in progress")
	// ErrInvalidDiskSize is returned for sizes outside the allowed set.
	ErrInvalidDiskSize = errors.New("vm: invalid disk size")
	// ErrStatusTimeout is returned when the VM does not reach the wanted
	// status in time.
	ErrStatusTimeout = errors.New("vm: timed out waiting for VM status")
)

// Job is a submitted operation whose follow-up runs in the background. UPID
// is empty for operations that are not a single backend task.
type Job struct {
	UPID string

	once sync.Once
	done chan struct{}
	err  error
}

func newJob(upid string) *Job {
	return &Job{UPID: upid, done: make(chan struct{})}
}

// Done is closed once the follow-up has finished, including any settle
// delay and cache invalidation.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the outcome. It is only meaningful after Done is closed.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) finish(err error) {
	j.once.Do(func() {
		j.err = err
		close(j.done)
	})
}

// Row is one line of the VM table.
type Row struct {
	VMID      int      `json:"vmid"`
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	OS        string   `json:"os"`
	CPUs      int      `json:"cpus"`
	RAM       string   `json:"ram"`
	Disks     int      `json:"disks"`
	DiskSizes string   `json:"disk_sizes"`
	DiskFree  string   `json:"disk_free"`
	IP        string   `json:"ip"`
	Pending   []string `json:"pending,omitempty"`
}

// Disk is a data disk parsed from the raw VM config.
type Disk struct {
	Key        string `json:"key"`
	Controller string `json:"controller"`
	Bus        int    `json:"bus"`
	Storage    string `json:"storage"`
	Size       string `json:"size"`
	SizeGB     int    `json:"size_gb"`
	Boot       bool   `json:"boot"`
	Value      string `json:"value"`
}

// Status is the result of a status query.
type Status struct {
	VMID     int              `json:"vmid"`
	Status   string           `json:"status"`
	Pending  []string         `json:"pending,omitempty"`
	Controls pending.Controls `json:"controls"`
}

// Options tunes the manager's delays and retry budgets. Zero values select
// the defaults noted per field.
type Options struct {
	// PowerSettle is waited after power actions, clones and reverts before
	// the VM list is refreshed. Default 15s.
	PowerSettle time.Duration
	// SnapshotSettle is waited after snapshot create and delete. Default 5s.
	SnapshotSettle time.Duration
	// FastInterval polls removal and config update tasks. Default 500ms.
	FastInterval time.Duration
	// VerifyAttempts and VerifyInterval bound the post-update config check.
	// Defaults 10 and 1s.
	VerifyAttempts int
	VerifyInterval time.Duration
	// StatusTimeout and StatusInterval bound waits for a VM status during
	// disk operations. Defaults 30s and 2s.
	StatusTimeout  time.Duration
	StatusInterval time.Duration
	// DiskAttempts and DiskInterval bound config polls after disk changes.
	// Defaults 10 and 1s.
	DiskAttempts int
	DiskInterval time.Duration
	// DiskStorage and DiskFormat are used for new disks. Defaults
	// "vmstorage" and "qcow2".
	DiskStorage string
	DiskFormat  string
}

func (o Options) withDefaults() Options {
	setDur := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDur(&o.PowerSettle, 15*time.Second)
	setDur(&o.SnapshotSettle, 5*time.Second)
	setDur(&o.FastInterval, 500*time.Millisecond)
	setDur(&o.VerifyInterval, time.Second)
	setDur(&o.StatusTimeout, 30*time.Second)
	setDur(&o.StatusInterval, 2*time.Second)
	setDur(&o.DiskInterval, time.Second)
	if o.VerifyAttempts <= 0 {
		o.VerifyAttempts = 10
	}
	if o.DiskAttempts <= 0 {
		o.DiskAttempts = 10
	}
	if o.DiskStorage == "" {
		o.DiskStorage = "vmstorage"
	}
	if o.DiskFormat == "" {
		o.DiskFormat = "qcow2"
	}
	return o
}

// VMManager defines the VM operations exposed as tools.
type VMManager interface {
	Node() string
	ListVMs(ctx context.Context) ([]backend.VM, error)
	Rows(ctx context.Context) ([]Row, error)
	Refresh(ctx context.Context) ([]backend.VM, error)
	Lookup(ctx context.Context, vmid int) (backend.VM, error)
	Status(ctx context.Context, vmid int) (Status, error)
	Config(ctx context.Context, vmid int) (backend.VMConfig, error)
	Controls(ctx context.Context, vmid int) (pending.Controls, error)
	Pending() map[int][]string

	Action(ctx context.Context, vmid int, action backend.Action) (*Job, error)
	Clone(ctx context.Context, vmid int, name string) (*Job, error)
	CreateVM(ctx context.Context, req backend.CreateRequest) (*Job, error)
	Remove(ctx context.Context, vmid int) (*Job, error)

	ListSnapshots(ctx context.Context, vmid int) ([]backend.Snapshot, error)
	CreateSnapshot(ctx context.Context, vmid int, name, description string) (*Job, error)
	RevertSnapshot(ctx context.Context, vmid int, name string) (*Job, error)
	DeleteSnapshot(ctx context.Context, vmid int, name string) (*Job, error)

	ListDisks(ctx context.Context, vmid int) ([]Disk, error)
	AddDisk(ctx context.Context, vmid int, controller string, sizeGB int) (*Job, error)
	DeleteDisk(ctx context.Context, vmid int, key string) (*Job, error)
	ExpandDisk(ctx context.Context, vmid int, key string, newSizeGB int) (*Job, error)

	BeginEdit(ctx context.Context, vmid int) (edit.State, error)
	SetDraftName(vmid int, name string) error
	SetDraftCPUs(vmid, cpus int) error
	SetDraftRAM(vmid int, label string) error
	CancelEdit(vmid int) error
	EditState() edit.State
	CanApply(ctx context.Context, vmid int) (bool, error)
	ApplyEdits(ctx context.Context, vmid int) (*Job, error)
}
