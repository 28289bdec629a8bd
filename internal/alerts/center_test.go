package alerts

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCenter(capacity int) (*Center, *bytes.Buffer) {
	var buf bytes.Buffer
	c := NewCenter(capacity, zerolog.New(&buf))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return c, &buf
}

func Test_Center_Add_AssignsIDAndTime(t *testing.T) {
	c, _ := newTestCenter(10)

	a := c.Successf("VM %s (%d) %s succeeded", "web", 101, "start")

	assert.Equal(t, LevelSuccess, a.Level)
	assert.Equal(t, "VM web (101) start succeeded", a.Message)
	_, err := uuid.Parse(a.ID)
	assert.NoError(t, err, "ID should be a UUID")
	assert.False(t, a.Time.IsZero())
}

func Test_Center_Recent_NewestFirst(t *testing.T) {
	c, _ := newTestCenter(10)
	c.Infof("one")
	c.Errorf("two")
	c.Warnf("three")

	got := c.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"three", "two", "one"}, messages(got))

	got = c.Recent(2)
	assert.Equal(t, []string{"three", "two"}, messages(got))
}

func Test_Center_Recent_RingOverwritesOldest(t *testing.T) {
	c, _ := newTestCenter(3)
	for i := 1; i <= 5; i++ {
		c.Infof("alert %d", i)
	}

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"alert 5", "alert 4", "alert 3"}, messages(c.Recent(10)))
}

func Test_Center_RecentLevel_Filters(t *testing.T) {
	c, _ := newTestCenter(10)
	c.Successf("ok 1")
	c.Errorf("bad 1")
	c.Successf("ok 2")
	c.Errorf("bad 2")

	assert.Equal(t, []string{"bad 2", "bad 1"}, messages(c.RecentLevel(0, LevelError)))
	assert.Equal(t, []string{"ok 2"}, messages(c.RecentLevel(1, LevelSuccess)))
	assert.Empty(t, c.RecentLevel(0, LevelWarning))
}

func Test_Center_Add_Logs(t *testing.T) {
	c, buf := newTestCenter(10)
	c.Errorf("VM web (101) stop failed: %s", "timeout")

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, "VM web (101) stop failed: timeout")
	assert.Contains(t, out, `"alert_id"`)
}

func Test_Center_DefaultCapacity(t *testing.T) {
	c := NewCenter(0, zerolog.Nop())
	for i := 0; i < DefaultCapacity+5; i++ {
		c.Infof("n%d", i)
	}
	assert.Equal(t, DefaultCapacity, c.Len())
}

func Test_Center_ConcurrentAdd(t *testing.T) {
	c := NewCenter(1000, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Infof("alert %d", i)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, c.Len())
}

func Test_ParseLevel_Cases(t *testing.T) {
	tests := []struct {
		in     string
		want   Level
		wantOK bool
	}{
		{"", "", true},
		{"error", LevelError, true},
		{" Warning ", LevelWarning, true},
		{"SUCCESS", LevelSuccess, true},
		{"fatal", "", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func messages(list []Alert) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = strings.TrimSpace(a.Message)
	}
	return out
}
