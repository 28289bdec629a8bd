package pending

import (
	"sync"
	"time"
)

const defaultCooldownGuard = 30 * time.Second

type cooldownState struct {
	action  string
	at      time.Time
	settled bool
}

// Cooldown keeps power controls locked for a while after a start so the
// VM has time to report its new state. A cooldown ends once it has been
// settled and the minimum duration has passed, or unconditionally when
// the hard guard expires.
type Cooldown struct {
	mu    sync.Mutex
	state map[int]cooldownState
	min   time.Duration
	guard time.Duration
	now   func() time.Time
}

// NewCooldown creates a Cooldown. A zero guard selects 30 seconds.
func NewCooldown(minDuration, guard time.Duration) *Cooldown {
	if guard <= 0 {
		guard = defaultCooldownGuard
	}
	return &Cooldown{
		state: make(map[int]cooldownState),
		min:   minDuration,
		guard: guard,
		now:   time.Now,
	}
}

// Trigger starts or restarts the cooldown of vmid.
func (c *Cooldown) Trigger(vmid int, action string) {
	c.mu.Lock()
	c.state[vmid] = cooldownState{action: action, at: c.now()}
	c.mu.Unlock()
}

// Settle ends a start cooldown once the VM is running or the start is no
// longer pending. The minimum duration is still honoured.
func (c *Cooldown) Settle(vmid int, status string, startPending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[vmid]
	if !ok || st.action != TagStart {
		return
	}
	if status == "running" || !startPending {
		st.settled = true
		c.state[vmid] = st
	}
}

// Active reports whether vmid is cooling down.
func (c *Cooldown) Active(vmid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[vmid]
	if !ok {
		return false
	}
	elapsed := c.now().Sub(st.at)
	if elapsed >= c.guard || (st.settled && elapsed >= c.min) {
		delete(c.state, vmid)
		return false
	}
	return true
}

// LastAction returns the action that triggered the current cooldown.
func (c *Cooldown) LastAction(vmid int) string {
	if !c.Active(vmid) {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[vmid].action
}

// Clear ends the cooldown of vmid immediately.
func (c *Cooldown) Clear(vmid int) {
	c.mu.Lock()
	delete(c.state, vmid)
	c.mu.Unlock()
}
