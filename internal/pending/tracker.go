// Package pending tracks in-flight actions per VM and derives which
// controls are usable from them.
package pending

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jamesprial/pve-mcp/internal/metrics"
)

// Tags recorded while an action is in flight. Snapshot operations use
// SnapshotTag instead.
const (
	TagStart    = "start"
	TagStop     = "stop"
	TagShutdown = "shutdown"
	TagReboot   = "reboot"
	TagSuspend  = "suspend"
	TagResume   = "resume"
	TagClone    = "clone"
	TagRemove   = "remove"
	TagUpdate   = "update_config"
	TagDisk     = "disk"
)

const defaultRebootGuard = 30 * time.Second

// SnapshotTag returns the tag of a snapshot operation, e.g. "delete-snap1".
func SnapshotTag(op, name string) string { return op + "-" + name }

type tag struct {
	name  string
	added time.Time
}

// Tracker is the per-VMID list of in-flight action tags. It is safe for
// concurrent use.
type Tracker struct {
	mu          sync.Mutex
	tags        map[int][]tag
	rebootGuard time.Duration
	now         func() time.Time
	metrics     *metrics.Metrics
}

// NewTracker creates a Tracker. A reboot tag older than rebootGuard is
// hidden by Effective; zero selects 30 seconds. m may be nil.
func NewTracker(rebootGuard time.Duration, m *metrics.Metrics) *Tracker {
	if rebootGuard <= 0 {
		rebootGuard = defaultRebootGuard
	}
	return &Tracker{
		tags:        make(map[int][]tag),
		rebootGuard: rebootGuard,
		now:         time.Now,
		metrics:     m,
	}
}

// Add records tag for vmid. Duplicates are kept, matching one entry per
// submission.
func (t *Tracker) Add(vmid int, name string) {
	t.mu.Lock()
	t.tags[vmid] = append(t.tags[vmid], tag{name: name, added: t.now()})
	t.reportLocked()
	t.mu.Unlock()
}

// TryAdd records tag for vmid unless it is already pending and reports
// whether it was added.
func (t *Tracker) TryAdd(vmid int, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tg := range t.tags[vmid] {
		if tg.name == name {
			return false
		}
	}
	t.tags[vmid] = append(t.tags[vmid], tag{name: name, added: t.now()})
	t.reportLocked()
	return true
}

// Remove drops every tag equal to name for vmid.
func (t *Tracker) Remove(vmid int, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := slices.DeleteFunc(t.tags[vmid], func(tg tag) bool { return tg.name == name })
	if len(kept) == 0 {
		delete(t.tags, vmid)
	} else {
		t.tags[vmid] = kept
	}
	t.reportLocked()
}

// List returns the raw tags of vmid in submission order.
func (t *Tracker) List(vmid int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return names(t.tags[vmid], nil)
}

// Effective returns the tags that gate controls. A reboot tag older than
// the reboot guard is dropped so a reboot that never reports back does
// not lock the VM forever.
func (t *Tracker) Effective(vmid int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	return names(t.tags[vmid], func(tg tag) bool {
		return tg.name == TagReboot && now.Sub(tg.added) >= t.rebootGuard
	})
}

// Has reports whether name is pending for vmid.
func (t *Tracker) Has(vmid int, name string) bool {
	return t.HasAny(vmid, name)
}

// HasAny reports whether any of names is pending for vmid.
func (t *Tracker) HasAny(vmid int, names ...string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tg := range t.tags[vmid] {
		if slices.Contains(names, tg.name) {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of every VM's raw tags.
func (t *Tracker) Snapshot() map[int][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int][]string, len(t.tags))
	for vmid, tags := range t.tags {
		out[vmid] = names(tags, nil)
	}
	return out
}

// VMIDs returns the VMs with at least one pending tag, sorted.
func (t *Tracker) VMIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.tags))
	for id := range t.tags {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (t *Tracker) reportLocked() {
	n := 0
	for _, tags := range t.tags {
		n += len(tags)
	}
	t.metrics.SetPending(n)
}

func names(tags []tag, skip func(tag) bool) []string {
	out := make([]string, 0, len(tags))
	for _, tg := range tags {
		if skip != nil && skip(tg) {
			continue
		}
		out = append(out, tg.name)
	}
	return out
}
