package node

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/cache"
)

// BackendMonitor implements Monitor over the backend node list. Results are
// shared through the query cache under cache.NodesKey.
type BackendMonitor struct {
	client backend.Client
	cache  *cache.Cache
	log    zerolog.Logger
}

var _ Monitor = (*BackendMonitor)(nil)

// NewBackendMonitor returns a BackendMonitor. c may be nil to disable caching.
func NewBackendMonitor(client backend.Client, c *cache.Cache, log zerolog.Logger) *BackendMonitor {
	return &BackendMonitor{client: client, cache: c, log: log}
}

// Nodes returns every node sorted by name.
func (m *BackendMonitor) Nodes(ctx context.Context) ([]Summary, error) {
	load := func(ctx context.Context) ([]backend.Node, error) {
		return m.client.ListNodes(ctx)
	}

	var (
		nodes []backend.Node
		err   error
	)
	if m.cache != nil {
		nodes, err = cache.FetchAs(ctx, m.cache, cache.NodesKey, load)
	} else {
		nodes, err = load(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	m.log.Debug().Int("count", len(nodes)).Msg("nodes listed")

	out := make([]Summary, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Summarize(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out, nil
}

// Summarize renders the raw node figures.
func Summarize(n backend.Node) Summary {
	return Summary{
		Node:       n.Node,
		Status:     n.Status,
		CPUPercent: math.Round(n.CPU*1000) / 10,
		CPUs:       n.MaxCPU,
		Memory:     usage(n.Mem, n.MaxMem),
		Disk:       usage(n.Disk, n.MaxDisk),
		Uptime:     uptime(n.Uptime),
	}
}

// usage renders "used / total (pct%)" with binary sizes.
func usage(used, total int64) string {
	if total <= 0 {
		return backend.NotAvailable
	}
	pct := float64(used) / float64(total) * 100
	return fmt.Sprintf("%s / %s (%.1f%%)",
		units.BytesSize(float64(used)), units.BytesSize(float64(total)), pct)
}

func uptime(seconds int64) string {
	if seconds <= 0 {
		return backend.NotAvailable
	}
	return units.HumanDuration(time.Duration(seconds) * time.Second)
}
