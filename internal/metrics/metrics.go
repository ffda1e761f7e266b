// Package metrics exposes the control plane's Prometheus gauges and
// counters: fleet capacity (from the node inventory and live instance
// set), the IP pool, and reconciler activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tispace-dev/tispace/internal/domain"
)

var (
	cpuAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tispace",
		Name:      "cpu_allocated",
		Help:      "CPU cores allocated to instances, per node.",
	}, []string{"node"})

	memoryAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tispace",
		Name:      "memory_allocated",
		Help:      "Memory (GiB) allocated to instances, per node.",
	}, []string{"node"})

	storageTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tispace",
		Name:      "storage_total",
		Help:      "Total storage capacity (GiB), per node/pool.",
	}, []string{"node", "pool"})

	storageAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tispace",
		Name:      "storage_allocated",
		Help:      "Storage (GiB) reserved by instance specs, per node/pool.",
	}, []string{"node", "pool"})

	storageUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tispace",
		Name:      "storage_used",
		Help:      "Storage (GiB) actually in use on the backend, per node/pool.",
	}, []string{"node", "pool"})

	instanceStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tispace",
		Name:      "instance_status",
		Help:      "Number of instances currently in each status.",
	}, []string{"status"})

	instances = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tispace",
		Name:      "instances",
		Help:      "Number of instances, by status (alias of instance_status for dashboards keyed on this name).",
	}, []string{"status"})

	ipPoolAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tispace",
		Name:      "ip_pool_available",
		Help:      "Number of free addresses remaining across all external IP pools.",
	})

	reconcilerTickTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tispace",
		Subsystem: "reconciler",
		Name:      "tick_total",
		Help:      "Number of reconciler ticks started.",
	})

	reconcilerActionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tispace",
		Subsystem: "reconciler",
		Name:      "action_errors_total",
		Help:      "Number of driver actions that returned an error, by apierror.Kind.",
	}, []string{"kind"})
)

// ReconcilerTick records the start of one reconciler pass.
func ReconcilerTick() {
	reconcilerTickTotal.Inc()
}

// ReconcilerActionError records a driver action failure, tagged by its
// apierror.Kind (e.g. "backend_transient", "backend_permanent").
func ReconcilerActionError(kind string) {
	reconcilerActionErrorsTotal.WithLabelValues(kind).Inc()
}

// SetIPPoolAvailable records the number of free external IPs remaining.
func SetIPPoolAvailable(n int) {
	ipPoolAvailable.Set(float64(n))
}

// SetNodeCapacity publishes a node's static and allocated capacity,
// called once per reconciler tick after the node inventory is read and
// live allocation is summed.
func SetNodeCapacity(node *domain.Node) {
	cpuAllocated.WithLabelValues(node.Name).Set(float64(node.CPUAllocated))
	memoryAllocated.WithLabelValues(node.Name).Set(float64(node.MemoryAllocated))
	for _, pool := range node.StoragePools {
		storageTotal.WithLabelValues(node.Name, pool.Name).Set(float64(pool.Total))
		storageAllocated.WithLabelValues(node.Name, pool.Name).Set(float64(pool.Allocated))
		storageUsed.WithLabelValues(node.Name, pool.Name).Set(float64(pool.Used))
	}
}

// SetInstanceCounts publishes, for every known domain.Status, the
// number of instances currently in that status. Statuses with zero
// instances are still set to 0 so a dashboard doesn't show a gap.
func SetInstanceCounts(counts map[domain.Status]int) {
	for _, status := range allStatuses {
		n := float64(counts[status])
		instanceStatus.WithLabelValues(string(status)).Set(n)
		instances.WithLabelValues(string(status)).Set(n)
	}
}

var allStatuses = []domain.Status{
	domain.StatusPending,
	domain.StatusCreating,
	domain.StatusStarting,
	domain.StatusRunning,
	domain.StatusStopping,
	domain.StatusStopped,
	domain.StatusUpdating,
	domain.StatusDeleting,
	domain.StatusMissing,
}
