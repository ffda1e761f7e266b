// Package scheduler picks, for a newly-admitted instance, which node
// and (for the VM backend) which storage pool it lands on.
//
// Among nodes that support the instance's runtime and have enough
// remaining capacity, it picks the one with the largest remaining
// (cpu, memory, storage) in that tie-break order; then, among that
// node's storage pools with enough remaining capacity, the largest
// remaining one.
package scheduler

import (
	"errors"

	"github.com/tispace-dev/tispace/internal/domain"
)

var (
	// ErrUnknownNode is returned when an explicit node_name placement
	// hint does not name a configured node.
	ErrUnknownNode = errors.New("unknown node")
	// ErrUnknownStoragePool is returned when an explicit storage_pool
	// placement hint does not name a pool on the chosen node.
	ErrUnknownStoragePool = errors.New("unknown storage pool")
	// ErrResourceExhausted is returned when no eligible node/pool has
	// enough remaining capacity for the request.
	ErrResourceExhausted = errors.New("no node has enough remaining capacity")
)

// Request is the subset of an instance's spec the scheduler needs.
type Request struct {
	Runtime     domain.Runtime
	CPU         int
	MemoryGiB   int
	DiskGiB     int
	NodeName    string // placement hint, empty = auto
	StoragePool string // placement hint, empty = auto
}

// Placement is the scheduler's decision.
type Placement struct {
	NodeName    string
	StoragePool string // empty for pod-backed runtimes, which don't pick one
}

// Place chooses a node (and, for VM runtimes, a storage pool) for req
// among the given nodes. Nodes and pools are never mutated; capacity
// accounting lives entirely in the live instance set the caller sums
// separately (see internal/api's admission path).
func Place(nodes []*domain.Node, req Request) (Placement, error) {
	best, err := bestNode(nodes, req)
	if err != nil {
		return Placement{}, err
	}

	if !req.Runtime.VM() {
		// Runc and kata don't support specifying a storage pool.
		return Placement{NodeName: best.Name}, nil
	}

	pool, err := bestStoragePool(best, req)
	if err != nil {
		return Placement{}, err
	}
	return Placement{NodeName: best.Name, StoragePool: pool.Name}, nil
}

func bestNode(nodes []*domain.Node, req Request) (*domain.Node, error) {
	var (
		best       *domain.Node
		nodeExists bool
	)
	for _, n := range nodes {
		if req.NodeName != "" && req.NodeName != n.Name {
			continue
		}
		nodeExists = true

		if !n.SupportsRuntime(req.Runtime) {
			continue
		}
		if req.CPU+n.CPUAllocated > n.CPUTotal {
			continue
		}
		if req.MemoryGiB+n.MemoryAllocated > n.MemoryTotal {
			continue
		}
		if req.DiskGiB+maxInt(n.StorageAllocated, n.StorageUsed) > n.StorageTotal {
			continue
		}
		if req.Runtime.VM() && !hasEligiblePool(n, req) {
			continue
		}

		if best == nil || remainingTriple(n).greaterThan(remainingTriple(best)) {
			best = n
		}
	}

	if best == nil {
		if req.NodeName != "" && !nodeExists {
			return nil, ErrUnknownNode
		}
		return nil, ErrResourceExhausted
	}
	return best, nil
}

func hasEligiblePool(n *domain.Node, req Request) bool {
	for i := range n.StoragePools {
		p := &n.StoragePools[i]
		if req.StoragePool != "" && req.StoragePool != p.Name {
			continue
		}
		if req.DiskGiB+maxInt(p.Allocated, p.Used) <= p.Total {
			return true
		}
	}
	return false
}

func bestStoragePool(n *domain.Node, req Request) (*domain.StoragePool, error) {
	var (
		best        *domain.StoragePool
		poolExists  bool
	)
	for i := range n.StoragePools {
		p := &n.StoragePools[i]
		if req.StoragePool != "" && req.StoragePool != p.Name {
			continue
		}
		poolExists = true
		if req.DiskGiB+maxInt(p.Allocated, p.Used) > p.Total {
			continue
		}
		if best == nil || remainingPool(p) > remainingPool(best) {
			best = p
		}
	}
	if best == nil {
		if req.StoragePool != "" && !poolExists {
			return nil, ErrUnknownStoragePool
		}
		return nil, ErrResourceExhausted
	}
	return best, nil
}

func remainingPool(p *domain.StoragePool) int {
	return p.Total - maxInt(p.Allocated, p.Used)
}

type triple struct{ cpu, mem, storage int }

func remainingTriple(n *domain.Node) triple {
	return triple{
		cpu:     n.CPUTotal - n.CPUAllocated,
		mem:     n.MemoryTotal - n.MemoryAllocated,
		storage: n.StorageTotal - maxInt(n.StorageAllocated, n.StorageUsed),
	}
}

func (t triple) greaterThan(o triple) bool {
	if t.cpu != o.cpu {
		return t.cpu > o.cpu
	}
	if t.mem != o.mem {
		return t.mem > o.mem
	}
	return t.storage > o.storage
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
