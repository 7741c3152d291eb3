// Package ports allocates host and node ports and tracks container-port
// mappings for sandboxes and pods.
package ports

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"

	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/ajaxzhan/sandbox-orchestrator/internal/logging"
	"github.com/ajaxzhan/sandbox-orchestrator/pkg/types"
)

// Probe reports which ports are taken outside the registry's knowledge.
type Probe interface {
	// BoundPorts returns ports currently bound on the host.
	BoundPorts(ctx context.Context) (map[int]bool, error)
	// Available double-checks a single candidate just before use.
	Available(port int) bool
}

// SystemProbe inspects the local host's sockets.
type SystemProbe struct{}

func (SystemProbe) BoundPorts(ctx context.Context) (map[int]bool, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("list host connections: %w", err)
	}
	bound := make(map[int]bool, len(conns))
	for _, c := range conns {
		if c.Laddr.Port != 0 {
			bound[int(c.Laddr.Port)] = true
		}
	}
	return bound, nil
}

func (SystemProbe) Available(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// NopProbe treats every port as free. Node ports live on cluster nodes, not
// on the orchestrator host.
type NopProbe struct{}

func (NopProbe) BoundPorts(context.Context) (map[int]bool, error) { return nil, nil }
func (NopProbe) Available(int) bool                               { return true }

// Allocator picks random free ports from an inclusive range.
type Allocator struct {
	Min, Max int
	probe    Probe
}

// NewAllocator creates an allocator for [min, max].
func NewAllocator(min, max int, probe Probe) (*Allocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	if probe == nil {
		probe = NopProbe{}
	}
	return &Allocator{Min: min, Max: max, probe: probe}, nil
}

// Contains reports whether port lies in the allocator's range.
func (a *Allocator) Contains(port int) bool {
	return port >= a.Min && port <= a.Max
}

// Allocate returns a random port that is neither in reserved nor bound on
// the host.
func (a *Allocator) Allocate(ctx context.Context, reserved map[int]bool) (int, error) {
	bound, err := a.probe.BoundPorts(ctx)
	if err != nil {
		// fall back to probing candidates one at a time
		logging.Warn("Failed to list bound ports", logging.Err(err))
		bound = nil
	}

	candidates := make([]int, 0, a.Max-a.Min+1)
	for p := a.Min; p <= a.Max; p++ {
		if reserved[p] || bound[p] {
			continue
		}
		candidates = append(candidates, p)
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	for _, p := range candidates {
		if a.probe.Available(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %d-%d", types.ErrPortUnavailable, a.Min, a.Max)
}
