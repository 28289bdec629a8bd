package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/metrics"
)

// scriptedFetcher replays a fixed sequence of task statuses. Once the script
// runs out the last entry repeats.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []step
	calls  int
}

type step struct {
	status backend.TaskStatus
	err    error
}

func (f *scriptedFetcher) TaskStatus(ctx context.Context, _, _ string) (backend.TaskStatus, error) {
	if err := ctx.Err(); err != nil {
		return backend.TaskStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	return f.script[i].status, f.script[i].err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var (
	running   = step{status: backend.TaskStatus{Status: "running"}}
	stoppedOK = step{status: backend.TaskStatus{Status: "stopped", ExitStatus: "OK"}}
	stoppedER = step{status: backend.TaskStatus{Status: "stopped", ExitStatus: "ERROR"}}
)

func newTestPoller(f StatusFetcher, maxWait time.Duration, m *metrics.Metrics) *Poller {
	return NewPoller(f, Options{Interval: time.Millisecond, MaxWait: maxWait}, m, zerolog.Nop())
}

func Test_Wait_Cases(t *testing.T) {
	netErr := errors.New("connection refused")

	tests := []struct {
		name      string
		script    []step
		maxWait   time.Duration
		wantCalls int
		check     func(t *testing.T, st backend.TaskStatus, err error)
	}{
		{
			name:      "running running stopped OK succeeds",
			script:    []step{running, running, stoppedOK},
			wantCalls: 3,
			check: func(t *testing.T, st backend.TaskStatus, err error) {
				require.NoError(t, err)
				assert.True(t, st.OK())
			},
		},
		{
			name:      "stopped with error exit status fails",
			script:    []step{running, stoppedER},
			wantCalls: 2,
			check: func(t *testing.T, st backend.TaskStatus, err error) {
				var failed *FailedError
				require.ErrorAs(t, err, &failed)
				assert.Equal(t, "ERROR", failed.ExitStatus)
				assert.Equal(t, "UPID:test", failed.UPID)
				assert.Equal(t, "task failed: ERROR", err.Error())
				assert.True(t, st.Done())
			},
		},
		{
			name:      "stopped without exit status fails",
			script:    []step{{status: backend.TaskStatus{Status: "stopped"}}},
			wantCalls: 1,
			check: func(t *testing.T, _ backend.TaskStatus, err error) {
				var failed *FailedError
				require.ErrorAs(t, err, &failed)
				assert.Contains(t, err.Error(), "unknown exit status")
			},
		},
		{
			name:      "network error aborts without retry",
			script:    []step{running, {err: netErr}, stoppedOK},
			wantCalls: 2,
			check: func(t *testing.T, _ backend.TaskStatus, err error) {
				assert.ErrorIs(t, err, netErr)
				assert.NotErrorIs(t, err, ErrTimeout)
			},
		},
		{
			name:    "stuck task hits max wait",
			script:  []step{running},
			maxWait: 20 * time.Millisecond,
			check: func(t *testing.T, st backend.TaskStatus, err error) {
				assert.ErrorIs(t, err, ErrTimeout)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &scriptedFetcher{script: tt.script}
			maxWait := tt.maxWait
			if maxWait == 0 {
				maxWait = 5 * time.Second
			}
			st, err := newTestPoller(f, maxWait, nil).Wait(context.Background(), "pve", "UPID:test")
			tt.check(t, st, err)
			if tt.wantCalls > 0 {
				assert.Equal(t, tt.wantCalls, f.Calls())
			}
		})
	}
}

func Test_Wait_ParentCancel(t *testing.T) {
	f := &scriptedFetcher{script: []step{running}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := newTestPoller(f, time.Minute, nil).Wait(ctx, "pve", "UPID:test")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func Test_Wait_Metrics(t *testing.T) {
	m := metrics.New()
	f := &scriptedFetcher{script: []step{running, running, stoppedOK}}
	_, err := newTestPoller(f, time.Minute, m).Wait(context.Background(), "pve", "UPID:test")
	require.NoError(t, err)

	f = &scriptedFetcher{script: []step{stoppedER}}
	_, err = newTestPoller(f, time.Minute, m).Wait(context.Background(), "pve", "UPID:test")
	require.Error(t, err)

	count, err := testutil.GatherAndCount(m.Registry(), "pve_mcp_task_polls_total", "pve_mcp_task_results_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "one polls series plus ok and failed result series")
}

func Test_NewPoller_Defaults(t *testing.T) {
	p := NewPoller(&scriptedFetcher{}, Options{}, nil, zerolog.Nop())
	assert.Equal(t, defaultInterval, p.interval)
	assert.Equal(t, defaultMaxWait, p.maxWait)

	fast := p.WithInterval(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, fast.interval)
	assert.Equal(t, defaultInterval, p.interval, "WithInterval must not mutate the receiver")
}
