// Package safety provides filtering, confirmation, and audit logging for
// destructive or sensitive VM operations.
package safety

import (
	"path/filepath"
	"strconv"
)

// Filter controls access to VMs using an allowlist and a denylist of glob
// patterns (as understood by filepath.Match). A pattern matches a VM when it
// matches either the VM's name or its numeric VMID.
//
// Rules:
//   - If both lists are empty (or nil), every VM is allowed.
//   - Denylist always takes priority over the allowlist.
//   - If a non-empty allowlist is present, a VM must match at least one
//     allowlist pattern to be permitted (after the denylist check).
type Filter struct {
	allowlist []string
	denylist  []string
}

// NewFilter constructs a Filter from the provided allowlist and denylist
// pattern slices. Either or both may be nil or empty.
func NewFilter(allowlist, denylist []string) *Filter {
	return &Filter{
		allowlist: allowlist,
		denylist:  denylist,
	}
}

// IsAllowed reports whether any of the given identifiers is permitted.
// Empty identifiers are ignored.
func (f *Filter) IsAllowed(ids ...string) bool {
	if f == nil {
		return true
	}
	for _, pattern := range f.denylist {
		if matchAny(pattern, ids) {
			return false
		}
	}
	if len(f.allowlist) == 0 {
		return true
	}
	for _, pattern := range f.allowlist {
		if matchAny(pattern, ids) {
			return true
		}
	}
	return false
}

// AllowsVM reports whether the VM identified by vmid and name is permitted.
// name may be empty when only the VMID is known.
func (f *Filter) AllowsVM(vmid int, name string) bool {
	return f.IsAllowed(strconv.Itoa(vmid), name)
}

func matchAny(pattern string, ids []string) bool {
	for _, id := range ids {
		if id != "" && matchGlob(pattern, id) {
			return true
		}
	}
	return false
}

// matchGlob returns true when name matches the given glob pattern.
// filepath.Match errors (malformed patterns) are treated as non-matching.
func matchGlob(pattern, name string) bool {
	matched, err := filepath.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}
