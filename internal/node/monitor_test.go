package node

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/cache"
)

// nodeClient serves ListNodes only; any other call panics on the nil
// embedded interface.
type nodeClient struct {
	backend.Client
	nodes []backend.Node
	err   error
	calls int
}

func (c *nodeClient) ListNodes(context.Context) ([]backend.Node, error) {
	c.calls++
	return c.nodes, c.err
}

const gib = int64(1) << 30

func Test_Summarize_Cases(t *testing.T) {
	tests := []struct {
		name string
		in   backend.Node
		want Summary
	}{
		{
			name: "online node",
			in: backend.Node{
				Node: "pve", Status: "online", CPU: 0.1234, MaxCPU: 8,
				Mem: 4 * gib, MaxMem: 16 * gib, Disk: 20 * gib, MaxDisk: 80 * gib,
				Uptime: 3 * 24 * 3600,
			},
			want: Summary{
				Node: "pve", Status: "online", CPUPercent: 12.3, CPUs: 8,
				Memory: "4GiB / 16GiB (25.0%)",
				Disk:   "20GiB / 80GiB (25.0%)",
				Uptime: "3 days",
			},
		},
		{
			name: "offline node without figures",
			in:   backend.Node{Node: "pve2", Status: "offline"},
			want: Summary{
				Node: "pve2", Status: "offline",
				Memory: backend.NotAvailable, Disk: backend.NotAvailable, Uptime: backend.NotAvailable,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.in))
		})
	}
}

func Test_BackendMonitor_Nodes_SortedAndCached(t *testing.T) {
	client := &nodeClient{nodes: []backend.Node{
		{Node: "pve3", Status: "online"},
		{Node: "pve1", Status: "online"},
	}}
	c := cache.New(0, nil)
	mon := NewBackendMonitor(client, c, zerolog.Nop())

	got, err := mon.Nodes(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pve1", got[0].Node)
	assert.Equal(t, "pve3", got[1].Node)

	_, err = mon.Nodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls, "second call should be served from cache")

	c.Invalidate(cache.NodesKey)
	_, err = mon.Nodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func Test_BackendMonitor_Nodes_Error(t *testing.T) {
	client := &nodeClient{err: errors.New("connection refused")}
	mon := NewBackendMonitor(client, nil, zerolog.Nop())

	_, err := mon.Nodes(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list nodes: connection refused")
}
