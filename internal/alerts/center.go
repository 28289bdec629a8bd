// Package alerts keeps the short-lived user-facing messages raised by VM
// operations: action results, failures and informational notices.
package alerts

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Level classifies an alert.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
)

// ParseLevel maps a case-insensitive name to a Level. The empty string
// yields ok=true with an empty Level, meaning "any".
func ParseLevel(s string) (Level, bool) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case "", LevelSuccess, LevelError, LevelInfo, LevelWarning:
		return l, true
	}
	return "", false
}

// Alert is a single message.
type Alert struct {
	ID      string    `json:"id"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// DefaultCapacity is the number of alerts a Center keeps when none is given.
const DefaultCapacity = 100

// Center is a bounded, concurrency-safe ring of alerts. Older alerts are
// overwritten once the capacity is reached. Every alert is also logged.
type Center struct {
	log zerolog.Logger
	now func() time.Time

	mu    sync.Mutex
	ring  []Alert
	next  int
	count int
}

// NewCenter returns a Center holding at most capacity alerts.
func NewCenter(capacity int, log zerolog.Logger) *Center {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Center{
		log:  log,
		now:  time.Now,
		ring: make([]Alert, capacity),
	}
}

// Add records an alert and returns it.
func (c *Center) Add(level Level, message string) Alert {
	a := Alert{
		ID:      uuid.NewString(),
		Level:   level,
		Message: message,
	}

	c.mu.Lock()
	a.Time = c.now()
	c.ring[c.next] = a
	c.next = (c.next + 1) % len(c.ring)
	if c.count < len(c.ring) {
		c.count++
	}
	c.mu.Unlock()

	ev := c.log.Info()
	switch level {
	case LevelError:
		ev = c.log.Error()
	case LevelWarning:
		ev = c.log.Warn()
	}
	ev.Str("alert_id", a.ID).Str("level", string(level)).Msg(message)
	return a
}

// Successf records a success alert.
func (c *Center) Successf(format string, args ...any) Alert {
	return c.Add(LevelSuccess, fmt.Sprintf(format, args...))
}

// Errorf records an error alert.
func (c *Center) Errorf(format string, args ...any) Alert {
	return c.Add(LevelError, fmt.Sprintf(format, args...))
}

// Infof records an info alert.
func (c *Center) Infof(format string, args ...any) Alert {
	return c.Add(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf records a warning alert.
func (c *Center) Warnf(format string, args ...any) Alert {
	return c.Add(LevelWarning, fmt.Sprintf(format, args...))
}

// Recent returns up to n alerts, newest first. n <= 0 returns all retained
// alerts.
func (c *Center) Recent(n int) []Alert {
	return c.RecentLevel(n, "")
}

// RecentLevel is Recent restricted to one level. An empty level matches all.
func (c *Center) RecentLevel(n int, level Level) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n > c.count {
		n = c.count
	}
	out := make([]Alert, 0, n)
	for i := 1; i <= c.count && len(out) < n; i++ {
		a := c.ring[(c.next-i+len(c.ring))%len(c.ring)]
		if level != "" && a.Level != level {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Len returns the number of retained alerts.
func (c *Center) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
