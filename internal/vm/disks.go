package vm

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/cache"
	"github.com/jamesprial/pve-mcp/internal/pending"
)

// BootDisk is the disk key that can never be removed.
const BootDisk = "scsi0"

// MaxDiskGB is the largest size a disk may be created with or grown to.
const MaxDiskGB = 80

var (
	// AddSizes are the sizes in GB a new disk may have.
	AddSizes = []int{2, 4, 10, 15, 20, 25, 30, 40, 50, 60, 70, 80}
	// ExpandSizes are the sizes in GB a disk may be grown to.
	ExpandSizes = []int{10, 20, 30, 40, 50, 60, 70, 80}
	// Controllers are the buses a new disk may be attached to.
	Controllers = []string{"scsi", "sata", "virtio"}
)

var (
	diskKeyRE  = regexp.MustCompile(`^(scsi|sata|virtio|ide)(\d+)$`)
	diskSizeRE = regexp.MustCompile(`size=(\d+[KMGTP]?)`)
	diskNumRE  = regexp.MustCompile(`disk-(\d+)`)
)

// ParseDisks extracts the data disks from a raw VM config. CD-ROM drives
// are skipped. The result is sorted by controller, then bus number.
func ParseDisks(raw map[string]string) []Disk {
	var disks []Disk
	for key, value := range raw {
		m := diskKeyRE.FindStringSubmatch(key)
		if m == nil || strings.Contains(value, "media=cdrom") {
			continue
		}
		bus, _ := strconv.Atoi(m[2])
		d := Disk{
			Key:        key,
			Controller: m[1],
			Bus:        bus,
			Boot:       key == BootDisk,
			Value:      value,
			Size:       backend.NotAvailable,
		}
		if i := strings.IndexByte(value, ':'); i > 0 {
			d.Storage = value[:i]
		}
		if sm := diskSizeRE.FindStringSubmatch(value); sm != nil {
			d.Size = sm[1]
			d.SizeGB = sizeGB(sm[1])
		}
		disks = append(disks, d)
	}
	sort.Slice(disks, func(i, j int) bool {
		if disks[i].Controller != disks[j].Controller {
			return disks[i].Controller < disks[j].Controller
		}
		return disks[i].Bus < disks[j].Bus
	})
	return disks
}

// sizeGB converts a platform size such as "32G" or "1T" to whole GiB.
func sizeGB(size string) int {
	if !strings.ContainsAny(size, "KMGTP") {
		n, _ := strconv.Atoi(size)
		return n
	}
	b, err := units.RAMInBytes(size)
	if err != nil {
		return 0
	}
	return int(b / units.GiB)
}

// NextFreeBus returns the lowest bus number of controller that no config
// key uses yet.
func NextFreeBus(raw map[string]string, controller string) int {
	used := map[int]bool{}
	for key := range raw {
		if !strings.HasPrefix(key, controller) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(key, controller)); err == nil {
			used[n] = true
		}
	}
	bus := 0
	for used[bus] {
		bus++
	}
	return bus
}

// newestUnusedDisk returns the unusedN key holding the highest numbered
// volume of vmid, or "" when there is none.
func newestUnusedDisk(raw map[string]string, vmid int) string {
	marker := fmt.Sprintf("vm-%d-disk-", vmid)
	best, bestNum := "", -1
	for key, value := range raw {
		if !strings.HasPrefix(key, "unused") || !strings.Contains(value, marker) {
			continue
		}
		n := 0
		if m := diskNumRE.FindStringSubmatch(value); m != nil {
			n, _ = strconv.Atoi(m[1])
		}
		if n > bestNum || (n == bestNum && key < best) {
			best, bestNum = key, n
		}
	}
	return best
}

// ExpandOptions returns the sizes current may be grown to.
func ExpandOptions(current int) []int {
	var out []int
	for _, s := range ExpandSizes {
		if s > current {
			out = append(out, s)
		}
	}
	return out
}

// ListDisks returns the data disks of vmid.
func (m *Manager) ListDisks(ctx context.Context, vmid int) ([]Disk, error) {
	cfg, err := m.Config(ctx, vmid)
	if err != nil {
		return nil, err
	}
	return ParseDisks(cfg.Raw), nil
}

// AddDisk creates a sizeGB disk on the next free bus of controller and
// activates it. A running VM is shut down first and started again
// afterwards.
func (m *Manager) AddDisk(ctx context.Context, vmid int, controller string, sizeGB int) (*Job, error) {
	controller = strings.ToLower(strings.TrimSpace(controller))
	if !slices.Contains(Controllers, controller) {
		return nil, fmt.Errorf("%w: controller %q not in %v", ErrInvalidInput, controller, Controllers)
	}
	if !slices.Contains(AddSizes, sizeGB) {
		return nil, fmt.Errorf("%w: %d GB not in %v", ErrInvalidDiskSize, sizeGB, AddSizes)
	}
	if _, err := m.Lookup(ctx, vmid); err != nil {
		return nil, err
	}
	if !m.tracker.TryAdd(vmid, pending.TagDisk) {
		return nil, fmt.Errorf("%w: VM %d", ErrDiskBusy, vmid)
	}

	m.alerts.Infof("Adding %dGB disk to VM %d on %s...", sizeGB, vmid, strings.ToUpper(controller))
	job := newJob("")
	m.spawn(job, func(ctx context.Context) error {
		defer m.diskDone(vmid)
		wasRunning, err := m.stopForDisk(ctx, vmid)
		if err == nil {
			err = m.addDisk(ctx, vmid, controller, sizeGB)
		}
		if wasRunning {
			if rerr := m.restart(ctx, vmid, err != nil); rerr != nil && err == nil {
				err = rerr
			}
		}
		if err != nil {
			m.alerts.Errorf("Failed to add disk: %s", backend.Detail(err))
		}
		return err
	})
	return job, nil
}

func (m *Manager) addDisk(ctx context.Context, vmid int, controller string, sizeGB int) error {
	cfg, err := m.client.VMConfig(ctx, m.node, vmid)
	if err != nil {
		return fmt.Errorf("config of VM %d: %w", vmid, err)
	}
	req := backend.AddDiskRequest{
		Controller: controller,
		Bus:        NextFreeBus(cfg.Raw, controller),
		Size:       sizeGB,
		Storage:    m.opts.DiskStorage,
		Format:     m.opts.DiskFormat,
	}
	if err := m.client.AddDisk(ctx, m.node, vmid, req); err != nil {
		return fmt.Errorf("add disk to VM %d: %w", vmid, err)
	}

	var unused string
	for attempt := 0; attempt < m.opts.DiskAttempts && unused == ""; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, m.opts.DiskInterval); err != nil {
				return err
			}
		}
		cfg, err := m.client.VMConfig(ctx, m.node, vmid)
		if err != nil {
			m.log.Debug().Err(err).Int("vmid", vmid).Msg("config read while looking for unused disk")
			continue
		}
		unused = newestUnusedDisk(cfg.Raw, vmid)
	}
	if unused == "" {
		m.alerts.Successf("Disk created on VM %d (no matching unused entry found).", vmid)
		return nil
	}

	res, err := m.client.ActivateUnusedDisk(ctx, m.node, vmid, unused, controller)
	if err != nil {
		return fmt.Errorf("activate %s on VM %d: %w", unused, vmid, err)
	}
	if !res.Success {
		m.alerts.Errorf("Disk created but not activated: %s", unused)
		return nil
	}
	m.alerts.Successf("Disk activated on VM %d as %s", vmid, res.TargetKey)
	return nil
}

// DeleteDisk removes key from vmid and waits until the config no longer
// lists it. The boot disk is refused.
func (m *Manager) DeleteDisk(ctx context.Context, vmid int, key string) (*Job, error) {
	if key == BootDisk {
		return nil, ErrBootDisk
	}
	disks, err := m.ListDisks(ctx, vmid)
	if err != nil {
		return nil, err
	}
	if !slices.ContainsFunc(disks, func(d Disk) bool { return d.Key == key }) {
		return nil, fmt.Errorf("%w: %s on VM %d", ErrDiskNotFound, key, vmid)
	}
	if !m.tracker.TryAdd(vmid, pending.TagDisk) {
		return nil, fmt.Errorf("%w: VM %d", ErrDiskBusy, vmid)
	}

	job := newJob("")
	m.spawn(job, func(ctx context.Context) error {
		defer m.diskDone(vmid)
		err := m.deleteDisk(ctx, vmid, key)
		if err != nil {
			m.alerts.Errorf("Failed to remove disk %s: %s", key, backend.Detail(err))
			return err
		}
		m.alerts.Successf("Disk %s removed successfully from VM %d.", key, vmid)
		return nil
	})
	return job, nil
}

func (m *Manager) deleteDisk(ctx context.Context, vmid int, key string) error {
	if _, err := m.stopForDisk(ctx, vmid); err != nil {
		return err
	}
	if err := m.client.DeleteDisk(ctx, m.node, vmid, key); err != nil {
		return fmt.Errorf("delete %s of VM %d: %w", key, vmid, err)
	}
	if err := sleep(ctx, m.opts.DiskInterval); err != nil {
		return err
	}
	for attempt := 0; attempt < m.opts.DiskAttempts; attempt++ {
		cfg, err := m.client.VMConfig(ctx, m.node, vmid)
		if err == nil {
			if _, still := cfg.Raw[key]; !still {
				return nil
			}
		}
		if err := sleep(ctx, m.opts.FastInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("disk %s is still attached to VM %d", key, vmid)
}

// ExpandDisk grows key to newSizeGB, which must be larger than the current
// size and at most MaxDiskGB. A running VM is shut down first and started
// again afterwards.
func (m *Manager) ExpandDisk(ctx context.Context, vmid int, key string, newSizeGB int) (*Job, error) {
	disks, err := m.ListDisks(ctx, vmid)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(disks, func(d Disk) bool { return d.Key == key })
	if i < 0 {
		return nil, fmt.Errorf("%w: %s on VM %d", ErrDiskNotFound, key, vmid)
	}
	current := disks[i].SizeGB
	if newSizeGB <= current {
		return nil, fmt.Errorf("%w: new size %dGB must be greater than current size %dGB", ErrInvalidDiskSize, newSizeGB, current)
	}
	if newSizeGB > MaxDiskGB {
		return nil, fmt.Errorf("%w: maximum disk size is %d GB", ErrInvalidDiskSize, MaxDiskGB)
	}
	if !m.tracker.TryAdd(vmid, pending.TagDisk) {
		return nil, fmt.Errorf("%w: VM %d", ErrDiskBusy, vmid)
	}

	m.alerts.Infof("Expanding %s from %dGB to %dGB...", key, current, newSizeGB)
	job := newJob("")
	m.spawn(job, func(ctx context.Context) error {
		defer m.diskDone(vmid)
		wasRunning, err := m.stopForDisk(ctx, vmid)
		if err == nil {
			if err = m.client.ExpandDisk(ctx, m.node, vmid, key, newSizeGB); err != nil {
				err = fmt.Errorf("expand %s of VM %d: %w", key, vmid, err)
			}
		}
		if err == nil {
			m.alerts.Successf("Disk %s expanded from %dGB to %dGB", key, current, newSizeGB)
		}
		if wasRunning {
			if rerr := m.restart(ctx, vmid, err != nil); rerr != nil && err == nil {
				err = rerr
			}
		}
		if err != nil {
			m.alerts.Errorf("Failed to expand disk %s: %s", key, backend.Detail(err))
		}
		return err
	})
	return job, nil
}

// stopForDisk shuts vmid down when it is running and waits for it to stop.
// It reports whether the VM was running.
func (m *Manager) stopForDisk(ctx context.Context, vmid int) (bool, error) {
	status, err := m.client.VMStatus(ctx, m.node, vmid)
	if err != nil {
		return false, fmt.Errorf("status of VM %d: %w", vmid, err)
	}
	if status != backend.StatusRunning {
		return false, nil
	}
	m.alerts.Infof("Stopping VM %d to change its disks...", vmid)
	if _, err := m.client.VMAction(ctx, m.node, vmid, backend.ActionShutdown); err != nil {
		return true, fmt.Errorf("shutdown VM %d: %w", vmid, err)
	}
	if err := m.waitStatus(ctx, vmid, backend.StatusStopped); err != nil {
		return true, err
	}
	m.alerts.Successf("VM %d stopped successfully", vmid)
	return true, nil
}

// restart starts vmid again after a disk operation. After a failure the
// start is attempted without waiting for the running status.
func (m *Manager) restart(ctx context.Context, vmid int, afterError bool) error {
	if _, err := m.client.VMAction(ctx, m.node, vmid, backend.ActionStart); err != nil {
		m.alerts.Errorf("Failed to restart VM %d", vmid)
		return fmt.Errorf("start VM %d: %w", vmid, err)
	}
	if afterError {
		m.alerts.Successf("VM %d restarted after error", vmid)
		return nil
	}
	if err := m.waitStatus(ctx, vmid, backend.StatusRunning); err != nil {
		return err
	}
	m.alerts.Successf("VM %d started successfully", vmid)
	return nil
}

// diskDone releases the disk tag and drops the cached config and list.
func (m *Manager) diskDone(vmid int) {
	m.cache.Invalidate(cache.ConfigKey(m.node, vmid))
	m.cache.Invalidate(cache.VMsKey(m.node))
	m.tracker.Remove(vmid, pending.TagDisk)
}
