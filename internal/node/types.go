// Package node reports the hypervisor nodes behind the backend with their
// resource usage.
package node

import "context"

// Summary is a rendered view of one node.
type Summary struct {
	Node       string  `json:"node"`
	Status     string  `json:"status"`
	CPUPercent float64 `json:"cpu_percent"`
	CPUs       int     `json:"cpus"`
	Memory     string  `json:"memory"`
	Disk       string  `json:"disk"`
	Uptime     string  `json:"uptime"`
}

// Monitor lists nodes.
type Monitor interface {
	Nodes(ctx context.Context) ([]Summary, error)
}
