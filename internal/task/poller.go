// Package task waits for asynchronous backend tasks to finish.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/metrics"
)

const (
	defaultInterval = time.Second
	defaultMaxWait  = 10 * time.Minute
)

// ErrTimeout is returned when a task does not reach "stopped" within the
// poller's MaxWait.
var ErrTimeout = errors.New("task: gave up waiting for task to finish")

// FailedError reports a task that finished with a non-OK exit status.
type FailedError struct {
	UPID       string
	ExitStatus string
}

func (e *FailedError) Error() string {
	status := e.ExitStatus
	if status == "" {
		status = "unknown exit status"
	}
	return "task failed: " + status
}

// StatusFetcher is the slice of backend.Client the poller needs.
type StatusFetcher interface {
	TaskStatus(ctx context.Context, node, upid string) (backend.TaskStatus, error)
}

// Options tunes a Poller. Zero values select the defaults of one second and
// ten minutes.
type Options struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// Poller fetches task status on a fixed interval until the task stops.
type Poller struct {
	client   StatusFetcher
	interval time.Duration
	maxWait  time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewPoller creates a Poller. m may be nil.
func NewPoller(client StatusFetcher, opts Options, m *metrics.Metrics, log zerolog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = defaultMaxWait
	}
	return &Poller{
		client:   client,
		interval: opts.Interval,
		maxWait:  opts.MaxWait,
		metrics:  m,
		log:      log.With().Str("component", "task").Logger(),
	}
}

// WithInterval returns a copy of p polling at d.
func (p *Poller) WithInterval(d time.Duration) *Poller {
	cp := *p
	if d > 0 {
		cp.interval = d
	}
	return &cp
}

// Wait polls until the task's status is "stopped". It returns the final
// status and nil when the exit status is OK, or a *FailedError otherwise.
// A fetch error ends the wait immediately without retrying. The wait is
// bounded by ctx and by the poller's MaxWait, which yields ErrTimeout.
func (p *Poller) Wait(ctx context.Context, node, upid string) (backend.TaskStatus, error) {
	waitCtx, cancel := context.WithTimeoutCause(ctx, p.maxWait, ErrTimeout)
	defer cancel()

	log := p.log.With().Str("node", node).Str("upid", upid).Logger()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.metrics.TaskPolled()
		status, err := p.client.TaskStatus(waitCtx, node, upid)
		if err != nil {
			if cause := context.Cause(waitCtx); errors.Is(cause, ErrTimeout) {
				return p.finish(log, backend.TaskStatus{}, ErrTimeout)
			}
			return p.finish(log, backend.TaskStatus{}, fmt.Errorf("poll task %s: %w", upid, err))
		}
		if status.Done() {
			if !status.OK() {
				return p.finish(log, status, &FailedError{UPID: upid, ExitStatus: status.ExitStatus})
			}
			return p.finish(log, status, nil)
		}
		log.Debug().Str("status", status.Status).Msg("task still running")

		select {
		case <-waitCtx.Done():
			cause := context.Cause(waitCtx)
			if errors.Is(cause, ErrTimeout) {
				return p.finish(log, status, ErrTimeout)
			}
			return p.finish(log, status, fmt.Errorf("poll task %s: %w", upid, cause))
		case <-ticker.C:
		}
	}
}

func (p *Poller) finish(log zerolog.Logger, status backend.TaskStatus, err error) (backend.TaskStatus, error) {
	var failed *FailedError
	switch {
	case err == nil:
		p.metrics.TaskFinished("ok")
		log.Debug().Msg("task finished")
	case errors.As(err, &failed):
		p.metrics.TaskFinished("failed")
		log.Warn().Str("exitstatus", failed.ExitStatus).Msg("task failed")
	case errors.Is(err, ErrTimeout):
		p.metrics.TaskFinished("timeout")
		log.Warn().Dur("max_wait", p.maxWait).Msg("task wait timed out")
	default:
		p.metrics.TaskFinished("error")
		log.Warn().Err(err).Msg("task polling aborted")
	}
	return status, err
}
