// Package backend provides the HTTP and WebSocket client for the REST
// service that fronts the virtualization platform.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jamesprial/pve-mcp/internal/session"
)

// NotAvailable is the placeholder for fields the backend did not report.
const NotAvailable = "N/A"

// ErrUnauthorized is returned when the backend rejects the ticket.
var ErrUnauthorized = errors.New("backend: authentication failed (HTTP 401)")

// ErrEmptyUPID is returned when an action call succeeded but produced no
// task identifier, which is how the backend reports a failed clone.
var ErrEmptyUPID = errors.New("backend: empty task id in response")

// APIError is a non-2xx response. Detail carries the backend's "detail"
// field when the body had one.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend: HTTP %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend: unexpected HTTP status %d", e.StatusCode)
}

// Detail returns the message a user should see for err: the backend's
// detail when the error carries one, otherwise err.Error().
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return err.Error()
}

// Action is a lifecycle operation on a VM.
type Action string

// Lifecycle actions.
const (
	ActionStart    Action = "start"
	ActionStop     Action = "stop"
	ActionShutdown Action = "shutdown"
	ActionReboot   Action = "reboot"
	ActionSuspend  Action = "suspend"
	ActionResume   Action = "resume"
)

// Valid reports whether a is a known lifecycle action.
func (a Action) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionShutdown, ActionReboot, ActionSuspend, ActionResume:
		return true
	}
	return false
}

// path returns the URL segment the backend routes the action under. The
// backend only knows suspend as hibernate.
func (a Action) path() string {
	if a == ActionSuspend {
		return "hibernate"
	}
	return string(a)
}

// Status values reported for VMs and tasks.
const (
	StatusRunning   = "running"
	StatusStopped   = "stopped"
	StatusPaused    = "paused"
	StatusSuspended = "suspended"
	StatusHibernate = "hibernate"
)

// VM is one row of the VM list. Every field is best effort; missing strings
// decode as NotAvailable and missing numbers as zero.
type VM struct {
	VMID      int    `json:"vmid"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	OS        string `json:"os"`
	CPUs      int    `json:"cpus"`
	RAM       int    `json:"ram"`
	NumHDD    int    `json:"num_hdd"`
	HDDSizes  string `json:"hdd_sizes"`
	HDDFree   string `json:"hdd_free"`
	IPAddress string `json:"ip_address"`
}

// HasIP reports whether the VM reported at least one address.
func (v VM) HasIP() bool {
	ip := strings.TrimSpace(v.IPAddress)
	return ip != "" && ip != NotAvailable
}

// UnmarshalJSON decodes a VM tolerantly: numbers may arrive as strings and
// the summary endpoint uses cores/memory instead of cpus/ram.
func (v *VM) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.VMID = intField(raw, "vmid")
	v.Name = stringField(raw, "name")
	v.Status = stringField(raw, "status")
	v.OS = stringField(raw, "os", "ostype")
	v.CPUs = intField(raw, "cpus", "cores")
	v.RAM = intField(raw, "ram", "memory")
	v.NumHDD = intField(raw, "num_hdd")
	v.HDDSizes = stringField(raw, "hdd_sizes")
	v.HDDFree = stringField(raw, "hdd_free")
	v.IPAddress = stringField(raw, "ip_address")
	return nil
}

// VMConfig is the config endpoint's summary plus the raw platform config
// map used for disk discovery.
type VMConfig struct {
	VM
	Raw map[string]string `json:"config,omitempty"`
}

// UnmarshalJSON decodes the summary through VM and stringifies the raw map.
func (c *VMConfig) UnmarshalJSON(data []byte) error {
	if err := c.VM.UnmarshalJSON(data); err != nil {
		return err
	}
	var wrapper struct {
		Config map[string]any `json:"config"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	c.Raw = make(map[string]string, len(wrapper.Config))
	for k, val := range wrapper.Config {
		c.Raw[k] = toString(val)
	}
	return nil
}

// Snapshot is one entry of a VM's snapshot list.
type Snapshot struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SnapTime    int64  `json:"snaptime,omitempty"`
	Parent      string `json:"parent,omitempty"`
}

// TaskStatus is the polling record of an asynchronous backend task.
type TaskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus,omitempty"`
}

// Done reports whether the task reached its terminal state.
func (t TaskStatus) Done() bool { return t.Status == StatusStopped }

// OK reports whether the task finished successfully.
func (t TaskStatus) OK() bool { return t.Done() && t.ExitStatus == "OK" }

// Node is a hypervisor node as reported by the node list.
type Node struct {
	Node    string  `json:"node"`
	Status  string  `json:"status"`
	CPU     float64 `json:"cpu"`
	MaxCPU  int     `json:"maxcpu"`
	Mem     int64   `json:"mem"`
	MaxMem  int64   `json:"maxmem"`
	Disk    int64   `json:"disk"`
	MaxDisk int64   `json:"maxdisk"`
	Uptime  int64   `json:"uptime"`
}

// CloneRequest is the body of a clone call.
type CloneRequest struct {
	Name    string `json:"name"`
	Full    bool   `json:"full"`
	Target  string `json:"target"`
	Storage string `json:"storage,omitempty"`
}

// CreateRequest is the body of a create call. Source is an ISO volume or a
// template name.
type CreateRequest struct {
	Name   string `json:"name"`
	CPUs   int    `json:"cpus"`
	RAM    int    `json:"ram"`
	Source string `json:"source"`
}

// UpdateRequest carries a rename and/or CPU/RAM resize. Nil fields are
// omitted from the body.
type UpdateRequest struct {
	Name *string `json:"name,omitempty"`
	CPUs *int    `json:"cpus,omitempty"`
	RAM  *int    `json:"ram,omitempty"`
}

// Empty reports whether the request changes nothing.
func (u UpdateRequest) Empty() bool {
	return u.Name == nil && u.CPUs == nil && u.RAM == nil
}

// SnapshotRequest is the body of a snapshot create call.
type SnapshotRequest struct {
	Name        string `json:"snapname"`
	Description string `json:"description"`
	VMState     int    `json:"vmstate"`
}

// AddDiskRequest is the body of an add-disk call. Size is in GB.
type AddDiskRequest struct {
	Controller string `json:"controller"`
	Bus        int    `json:"bus"`
	Size       int    `json:"size"`
	Storage    string `json:"storage"`
	Format     string `json:"format"`
}

// ActivateResult is the response of activate-unused-disk.
type ActivateResult struct {
	Success   bool   `json:"success"`
	TargetKey string `json:"target_key"`
}

// Client defines the backend operations used by the rest of the server.
// Implementations attach the current session to every call except Login.
type Client interface {
	Login(ctx context.Context, username, password string) (session.Auth, error)
	ListNodes(ctx context.Context) ([]Node, error)
	ListVMs(ctx context.Context, node string) ([]VM, error)
	VMAction(ctx context.Context, node string, vmid int, action Action) (string, error)
	CloneVM(ctx context.Context, node string, vmid int, req CloneRequest) (string, error)
	CreateVM(ctx context.Context, node string, req CreateRequest) (string, error)
	UpdateConfig(ctx context.Context, node string, vmid int, req UpdateRequest) (string, error)
	DeleteVM(ctx context.Context, node string, vmid int) (string, error)
	VMStatus(ctx context.Context, node string, vmid int) (string, error)
	VMConfig(ctx context.Context, node string, vmid int) (VMConfig, error)
	ListSnapshots(ctx context.Context, node string, vmid int) ([]Snapshot, error)
	CreateSnapshot(ctx context.Context, node string, vmid int, req SnapshotRequest) (string, error)
	RevertSnapshot(ctx context.Context, node string, vmid int, name string) (string, error)
	DeleteSnapshot(ctx context.Context, node string, vmid int, name string) (string, error)
	AddDisk(ctx context.Context, node string, vmid int, req AddDiskRequest) error
	ActivateUnusedDisk(ctx context.Context, node string, vmid int, key, controller string) (ActivateResult, error)
	DeleteDisk(ctx context.Context, node string, vmid int, key string) error
	ExpandDisk(ctx context.Context, node string, vmid int, key string, newSizeGB int) error
	TaskStatus(ctx context.Context, node, upid string) (TaskStatus, error)
	ConsoleURL(node string, vmid int) (string, error)
}

func stringField(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			if s := strings.TrimSpace(toString(v)); s != "" {
				return s
			}
		}
	}
	return NotAvailable
}

func intField(raw map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case float64:
			return int(math.Round(v))
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return 0
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, toString(item))
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
