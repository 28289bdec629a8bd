package pending

import (
	"slices"
	"strings"
)

// Input is everything the control rules look at for one VM.
type Input struct {
	Status string
	// Pending holds the effective tags, see Tracker.Effective.
	Pending []string
	HasIP   bool

	Starting    bool
	Halting     bool
	Cloning     bool
	Removing    bool
	Applying    bool
	Suspending  bool
	CoolingDown bool
	Rebooting   bool
	// ResumeShown is set when the suspend/resume control currently acts
	// as resume even though the status has not caught up.
	ResumeShown bool
}

// InputFromTags fills the local in-flight flags from raw tags, the way the
// manager tracks them. effective gates the rules; raw tags reflect every
// submission still running.
func InputFromTags(status string, hasIP bool, raw, effective []string, applying, coolingDown bool) Input {
	has := func(names ...string) bool {
		for _, n := range names {
			if slices.Contains(raw, n) {
				return true
			}
		}
		return false
	}
	return Input{
		Status:      status,
		Pending:     effective,
		HasIP:       hasIP,
		Starting:    has(TagStart),
		Halting:     has(TagStop, TagShutdown),
		Cloning:     has(TagClone),
		Removing:    has(TagRemove),
		Applying:    applying || has(TagUpdate),
		Suspending:  has(TagSuspend, TagResume),
		CoolingDown: coolingDown,
		Rebooting:   slices.Contains(effective, TagReboot),
	}
}

// Controls says which actions are currently enabled for a VM.
type Controls struct {
	Start         bool `json:"start"`
	Stop          bool `json:"stop"`
	Shutdown      bool `json:"shutdown"`
	Reboot        bool `json:"reboot"`
	Clone         bool `json:"clone"`
	Remove        bool `json:"remove"`
	SuspendResume bool `json:"suspend_resume"`
	Console       bool `json:"console"`
	// ResumeMode is set when the suspend/resume control resumes.
	ResumeMode bool `json:"resume_mode"`
	// Cloning is set while a clone is pending.
	Cloning bool `json:"cloning"`
}

// Allows reports whether the control behind action is enabled. Suspend is
// only allowed outside resume mode and resume only inside it.
func (c Controls) Allows(action string) bool {
	switch action {
	case TagStart:
		return c.Start
	case TagStop:
		return c.Stop
	case TagShutdown:
		return c.Shutdown
	case TagReboot:
		return c.Reboot
	case TagClone:
		return c.Clone
	case TagRemove:
		return c.Remove
	case TagSuspend:
		return c.SuspendResume && !c.ResumeMode
	case TagResume:
		return c.SuspendResume && c.ResumeMode
	case "console":
		return c.Console
	}
	return false
}

// PausedLike reports whether status is one of the suspended states.
func PausedLike(status string) bool {
	switch strings.ToLower(status) {
	case "paused", "suspended", "hibernate":
		return true
	}
	return false
}

// Derive applies the enable rules to in.
func Derive(in Input) Controls {
	has := func(names ...string) bool {
		for _, n := range names {
			if slices.Contains(in.Pending, n) {
				return true
			}
		}
		return false
	}
	pendingStop := has(TagStop, TagShutdown)
	pendingStart := has(TagStart, TagReboot)
	pendingReboot := has(TagReboot)
	pendingClone := has(TagClone)
	pendingRemove := has(TagRemove)
	pendingSuspendResume := has(TagSuspend, TagResume)

	status := strings.ToLower(in.Status)
	pausedLike := PausedLike(status)
	stopAllowed := status == "running" || pausedLike
	poweredOrRebooting := status == "running" || in.Rebooting
	busy := in.Cloning || in.Removing || in.Applying

	disableStop := !stopAllowed || pendingStop || in.Starting || in.Halting || busy ||
		in.CoolingDown || in.Rebooting
	disableStart := status != "stopped" || pendingStart || in.Starting || in.Halting || busy ||
		in.CoolingDown || in.Rebooting
	disableShutdown := status != "running" || in.Halting || busy || in.Rebooting
	disableReboot := status != "running" || in.Rebooting || busy || pendingReboot
	disableClone := pendingClone || pausedLike || in.ResumeShown || busy || pendingStop ||
		pendingReboot || pendingStart || in.Halting || in.Rebooting || in.Starting
	disableRemove := pendingRemove || busy || poweredOrRebooting || in.HasIP || in.Starting

	resumeMode := pausedLike || in.ResumeShown
	var disableSuspendResume bool
	if resumeMode {
		disableSuspendResume = pendingSuspendResume || in.Suspending
	} else {
		disableSuspendResume = pendingSuspendResume || in.Suspending || busy ||
			in.CoolingDown || in.Rebooting
	}
	disableConsole := busy || in.Suspending || in.CoolingDown || in.ResumeShown

	return Controls{
		Start:         !disableStart,
		Stop:          !disableStop,
		Shutdown:      !disableShutdown,
		Reboot:        !disableReboot,
		Clone:         !disableClone,
		Remove:        !disableRemove,
		SuspendResume: !disableSuspendResume,
		Console:       !disableConsole,
		ResumeMode:    resumeMode,
		Cloning:       pendingClone,
	}
}
