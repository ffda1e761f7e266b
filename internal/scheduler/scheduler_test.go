package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tispace-dev/tispace/internal/domain"
)

func TestPlace_PicksLargestRemainingCapacity(t *testing.T) {
	nodes := []*domain.Node{
		{Name: "small", Runtimes: []domain.Runtime{domain.RuntimeRunc}, CPUTotal: 8, MemoryTotal: 16, StorageTotal: 100},
		{Name: "big", Runtimes: []domain.Runtime{domain.RuntimeRunc}, CPUTotal: 32, MemoryTotal: 64, StorageTotal: 500},
	}

	p, err := Place(nodes, Request{Runtime: domain.RuntimeRunc, CPU: 2, MemoryGiB: 4, DiskGiB: 10})
	require.NoError(t, err)
	assert.Equal(t, "big", p.NodeName)
	assert.Empty(t, p.StoragePool)
}

func TestPlace_RespectsExplicitNodeHint(t *testing.T) {
	nodes := []*domain.Node{
		{Name: "small", Runtimes: []domain.Runtime{domain.RuntimeRunc}, CPUTotal: 8, MemoryTotal: 16, StorageTotal: 100},
		{Name: "big", Runtimes: []domain.Runtime{domain.RuntimeRunc}, CPUTotal: 32, MemoryTotal: 64, StorageTotal: 500},
	}

	p, err := Place(nodes, Request{Runtime: domain.RuntimeRunc, CPU: 2, MemoryGiB: 4, DiskGiB: 10, NodeName: "small"})
	require.NoError(t, err)
	assert.Equal(t, "small", p.NodeName)
}

func TestPlace_UnknownNodeHintIsError(t *testing.T) {
	nodes := []*domain.Node{{Name: "small", Runtimes: []domain.Runtime{domain.RuntimeRunc}, CPUTotal: 8, MemoryTotal: 16, StorageTotal: 100}}
	_, err := Place(nodes, Request{Runtime: domain.RuntimeRunc, CPU: 1, MemoryGiB: 1, DiskGiB: 1, NodeName: "missing"})
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestPlace_NoNodeSupportsRuntimeIsExhausted(t *testing.T) {
	nodes := []*domain.Node{{Name: "n", Runtimes: []domain.Runtime{domain.RuntimeRunc}, CPUTotal: 8, MemoryTotal: 16, StorageTotal: 100}}
	_, err := Place(nodes, Request{Runtime: domain.RuntimeKvm, CPU: 1, MemoryGiB: 1, DiskGiB: 1})
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestPlace_InsufficientCapacityIsExhausted(t *testing.T) {
	nodes := []*domain.Node{{Name: "n", Runtimes: []domain.Runtime{domain.RuntimeRunc}, CPUTotal: 4, MemoryTotal: 8, StorageTotal: 100}}
	_, err := Place(nodes, Request{Runtime: domain.RuntimeRunc, CPU: 8, MemoryGiB: 1, DiskGiB: 1})
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestPlace_VMRuntimePicksLargestRemainingStoragePool(t *testing.T) {
	nodes := []*domain.Node{{
		Name:         "n",
		Runtimes:     []domain.Runtime{domain.RuntimeKvm},
		CPUTotal:     32,
		MemoryTotal:  64,
		StorageTotal: 1000,
		StoragePools: []domain.StoragePool{
			{Name: "a", Total: 100, Allocated: 90},
			{Name: "b", Total: 100, Allocated: 10},
		},
	}}

	p, err := Place(nodes, Request{Runtime: domain.RuntimeKvm, CPU: 2, MemoryGiB: 4, DiskGiB: 20})
	require.NoError(t, err)
	assert.Equal(t, "b", p.StoragePool)
}

func TestPlace_ExplicitStoragePoolHintHonored(t *testing.T) {
	nodes := []*domain.Node{{
		Name:         "n",
		Runtimes:     []domain.Runtime{domain.RuntimeKvm},
		CPUTotal:     32,
		MemoryTotal:  64,
		StorageTotal: 1000,
		StoragePools: []domain.StoragePool{
			{Name: "a", Total: 100},
			{Name: "b", Total: 100},
		},
	}}

	p, err := Place(nodes, Request{Runtime: domain.RuntimeKvm, CPU: 2, MemoryGiB: 4, DiskGiB: 20, StoragePool: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", p.StoragePool)
}

func TestPlace_UnknownStoragePoolHintIsError(t *testing.T) {
	nodes := []*domain.Node{{
		Name:         "n",
		Runtimes:     []domain.Runtime{domain.RuntimeKvm},
		CPUTotal:     32,
		MemoryTotal:  64,
		StorageTotal: 1000,
		StoragePools: []domain.StoragePool{{Name: "a", Total: 100}},
	}}

	_, err := Place(nodes, Request{Runtime: domain.RuntimeKvm, CPU: 2, MemoryGiB: 4, DiskGiB: 20, StoragePool: "missing"})
	assert.ErrorIs(t, err, ErrUnknownStoragePool)
}
