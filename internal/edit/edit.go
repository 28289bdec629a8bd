// Package edit implements the single-VM edit lock and the rename/CPU/RAM
// draft that is applied in one update.
package edit

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/go-units"

	"github.com/jamesprial/pve-mcp/internal/backend"
)

var (
	// ErrLocked is returned when another VM already holds the edit lock.
	ErrLocked = errors.New("edit: another VM is being edited")
	// ErrNotEditing is returned for draft operations on a VM that does not
	// hold the lock.
	ErrNotEditing = errors.New("edit: VM is not in edit mode")
	// ErrNoChanges is returned when applying an empty draft.
	ErrNoChanges = errors.New("edit: no changes to apply")
	// ErrApplying is returned while an apply is in flight.
	ErrApplying = errors.New("edit: changes are being applied")
	// ErrHotResize is returned when a CPU or RAM change targets a running VM.
	ErrHotResize = errors.New("edit: cannot change CPU or RAM of a running VM")
)

// CPUOptions are the core counts an edit may select.
var CPUOptions = []int{1, 2, 4, 6}

// RAMOptions are the memory sizes an edit may select.
var RAMOptions = []string{"512MB", "1GB", "2GB", "4GB", "8GB"}

// ParseRAM converts a label such as "2GB" or "512MB" to megabytes. GB is
// 1024 MB.
func ParseRAM(label string) (int, error) {
	b, err := units.RAMInBytes(strings.TrimSpace(label))
	if err != nil {
		return 0, fmt.Errorf("edit: invalid RAM size %q: %w", label, err)
	}
	if b <= 0 || b%units.MiB != 0 {
		return 0, fmt.Errorf("edit: invalid RAM size %q", label)
	}
	return int(b / units.MiB), nil
}

// FormatRAM renders megabytes the way RAMOptions are written: whole
// gigabytes as "NGB", anything else as "NMB".
func FormatRAM(mb int) string {
	if mb >= 1024 && mb%1024 == 0 {
		return strconv.Itoa(mb/1024) + "GB"
	}
	return strconv.Itoa(mb) + "MB"
}

// Draft is the pending change set of the VM being edited. Nil fields are
// unchanged.
type Draft struct {
	Name  *string `json:"name,omitempty"`
	CPUs  *int    `json:"cpus,omitempty"`
	RAMMB *int    `json:"ram_mb,omitempty"`
}

// Empty reports whether the draft changes nothing.
func (d Draft) Empty() bool { return d.Name == nil && d.CPUs == nil && d.RAMMB == nil }

// Resizes reports whether the draft changes CPU or RAM.
func (d Draft) Resizes() bool { return d.CPUs != nil || d.RAMMB != nil }

// Request converts the draft to a backend update.
func (d Draft) Request() backend.UpdateRequest {
	return backend.UpdateRequest{Name: d.Name, CPUs: d.CPUs, RAM: d.RAMMB}
}

// Expected returns base with the draft applied, which is what the VM
// should report once the update has landed.
func (d Draft) Expected(base backend.VM) backend.VM {
	out := base
	if d.Name != nil {
		out.Name = *d.Name
	}
	if d.CPUs != nil {
		out.CPUs = *d.CPUs
	}
	if d.RAMMB != nil {
		out.RAM = *d.RAMMB
	}
	return out
}

// Describe lists the changes for an alert, e.g. "name changed to 'web',
// CPU updated to 4".
func (d Draft) Describe() string {
	var parts []string
	if d.Name != nil {
		parts = append(parts, fmt.Sprintf("name changed to '%s'", *d.Name))
	}
	if d.CPUs != nil {
		parts = append(parts, fmt.Sprintf("CPU updated to %d", *d.CPUs))
	}
	if d.RAMMB != nil {
		parts = append(parts, "RAM set to "+FormatRAM(*d.RAMMB))
	}
	return strings.Join(parts, ", ")
}

// State is a read-only view of the session.
type State struct {
	VMID     int        `json:"vmid"`
	Editing  bool       `json:"editing"`
	Applying bool       `json:"applying"`
	Base     backend.VM `json:"base"`
	Draft    Draft      `json:"draft"`
}

// Session holds the edit lock. At most one VM is in edit mode at a time.
// The zero value is ready to use.
type Session struct {
	mu       sync.Mutex
	editing  bool
	vmid     int
	base     backend.VM
	draft    Draft
	applying bool
}

// Begin puts vm into edit mode. Re-entering the VM that already holds the
// lock keeps its draft; any other VM gets ErrLocked.
func (s *Session) Begin(vm backend.VM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editing {
		if s.vmid == vm.VMID {
			return nil
		}
		return fmt.Errorf("%w (VM %d)", ErrLocked, s.vmid)
	}
	s.editing = true
	s.vmid = vm.VMID
	s.base = vm
	s.draft = Draft{}
	return nil
}

// State returns the current session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{VMID: s.vmid, Editing: s.editing, Applying: s.applying, Base: s.base, Draft: s.draft}
}

// Editing returns the VMID holding the lock.
func (s *Session) Editing() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vmid, s.editing
}

// IsApplying reports whether vmid has an apply in flight.
func (s *Session) IsApplying(vmid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editing && s.vmid == vmid && s.applying
}

// SetName drafts a rename. Setting the current name drops the change.
func (s *Session) SetName(vmid int, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("edit: name must not be empty")
	}
	return s.mutate(vmid, func() {
		if name == s.base.Name {
			s.draft.Name = nil
			return
		}
		s.draft.Name = &name
	})
}

// SetCPUs drafts a core count from CPUOptions.
func (s *Session) SetCPUs(vmid, cpus int) error {
	if !slices.Contains(CPUOptions, cpus) {
		return fmt.Errorf("edit: CPU count %d not in %v", cpus, CPUOptions)
	}
	return s.mutate(vmid, func() {
		if cpus == s.base.CPUs {
			s.draft.CPUs = nil
			return
		}
		s.draft.CPUs = &cpus
	})
}

// SetRAM drafts a memory size from RAMOptions.
func (s *Session) SetRAM(vmid int, label string) error {
	if !slices.Contains(RAMOptions, strings.ToUpper(strings.TrimSpace(label))) {
		return fmt.Errorf("edit: RAM size %q not in %v", label, RAMOptions)
	}
	mb, err := ParseRAM(label)
	if err != nil {
		return err
	}
	return s.mutate(vmid, func() {
		if mb == s.base.RAM {
			s.draft.RAMMB = nil
			return
		}
		s.draft.RAMMB = &mb
	})
}

func (s *Session) mutate(vmid int, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.editing || s.vmid != vmid {
		return ErrNotEditing
	}
	if s.applying {
		return ErrApplying
	}
	fn()
	return nil
}

// CanApply reports whether the Apply control is enabled for vmid given its
// current status: there must be changes, no apply in flight, and no CPU
// or RAM change while the VM is running.
func (s *Session) CanApply(vmid int, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(vmid, status) == nil
}

func (s *Session) checkLocked(vmid int, status string) error {
	switch {
	case !s.editing || s.vmid != vmid:
		return ErrNotEditing
	case s.applying:
		return ErrApplying
	case s.draft.Empty():
		return ErrNoChanges
	case status == backend.StatusRunning && s.draft.Resizes():
		return ErrHotResize
	}
	return nil
}

// BeginApply marks the draft of vmid as in flight and returns it with the
// base VM it was drafted against. status must be freshly read.
func (s *Session) BeginApply(vmid int, status string) (Draft, backend.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(vmid, status); err != nil {
		return Draft{}, backend.VM{}, err
	}
	s.applying = true
	return s.draft, s.base, nil
}

// EndApply finishes an apply. On success the draft and the lock are
// released; on failure the draft is kept so it can be retried or
// cancelled.
func (s *Session) EndApply(vmid int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.editing || s.vmid != vmid {
		return
	}
	s.applying = false
	if ok {
		s.resetLocked()
	}
}

// Cancel drops the draft and releases the lock held by vmid.
func (s *Session) Cancel(vmid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.editing || s.vmid != vmid {
		return ErrNotEditing
	}
	if s.applying {
		return ErrApplying
	}
	s.resetLocked()
	return nil
}

func (s *Session) resetLocked() {
	s.editing = false
	s.vmid = 0
	s.base = backend.VM{}
	s.draft = Draft{}
	s.applying = false
}
