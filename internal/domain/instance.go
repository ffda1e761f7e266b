// Package domain holds the value types the control plane reconciles:
// instances, the hosts that run them, and the users that own them.
package domain

import (
	"fmt"
	"regexp"
	"time"
)

// charsetRegex matches a lowercase DNS-label charset of 1-63 characters.
// The full constraint also forbids an all-digit name and a leading or
// trailing hyphen; Go's RE2 engine has no lookahead to express those as
// part of the pattern, so they're checked separately in ValidName.
var charsetRegex = regexp.MustCompile(`^[a-z0-9-]{1,63}$`)
var allDigitsRegex = regexp.MustCompile(`^[0-9]+$`)

// ValidName reports whether name is a lowercase DNS label of 1-63
// characters that is not all-digits and does not start or end with a
// hyphen.
func ValidName(name string) bool {
	if !charsetRegex.MatchString(name) {
		return false
	}
	if allDigitsRegex.MatchString(name) {
		return false
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return false
	}
	return true
}

// Status is the instance's externally visible lifecycle state.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusCreating Status = "Creating"
	StatusStarting Status = "Starting"
	StatusRunning  Status = "Running"
	StatusStopping Status = "Stopping"
	StatusStopped  Status = "Stopped"
	StatusUpdating Status = "Updating"
	StatusDeleting Status = "Deleting"
	StatusMissing  Status = "Missing"
)

// Stage is the reconciler's internal target sub-state, distinct from the
// user-visible Status: Stage records what the user last asked for, Status
// records where the backend actually is on the way there.
type Stage string

const (
	StageRunning Stage = "Running"
	StageStopped Stage = "Stopped"
	StageDeleted Stage = "Deleted"
)

// Runtime selects which backend driver owns an instance.
type Runtime string

const (
	RuntimeRunc Runtime = "runc"
	RuntimeKata Runtime = "kata"
	RuntimeLxc  Runtime = "lxc"
	RuntimeKvm  Runtime = "kvm"
)

// Pod reports whether this runtime is owned by the pod driver.
func (r Runtime) Pod() bool {
	return r == RuntimeRunc || r == RuntimeKata
}

// VM reports whether this runtime is owned by the VM (LXD) driver.
func (r Runtime) VM() bool {
	return r == RuntimeLxc || r == RuntimeKvm
}

// CompatibleWith reports whether an instance may move from r to other
// without recreating the backend resource: only within the same
// backend family, since crossing pod/VM means a different driver owns
// the instance entirely.
func (r Runtime) CompatibleWith(other Runtime) bool {
	return r.Pod() == other.Pod()
}

func (r Runtime) Valid() bool {
	switch r {
	case RuntimeRunc, RuntimeKata, RuntimeLxc, RuntimeKvm:
		return true
	default:
		return false
	}
}

// Image is a known rootfs tag. Unknown images are rejected at admission.
type Image string

const (
	ImageCentOS7       Image = "centos:7"
	ImageCentOS9Stream  Image = "centos:9-Stream"
	ImageUbuntu2004     Image = "ubuntu:20.04"
	ImageUbuntu2204     Image = "ubuntu:22.04"
)

func (i Image) Valid() bool {
	switch i {
	case ImageCentOS7, ImageCentOS9Stream, ImageUbuntu2004, ImageUbuntu2204:
		return true
	default:
		return false
	}
}

// SupportedImages lists which images a runtime's rootfs-bootstrap path
// knows how to configure networking for (operator_lxd.rs branches on
// image family when building cloud-init network-config).
func (r Runtime) SupportedImages() []Image {
	return []Image{ImageCentOS7, ImageCentOS9Stream, ImageUbuntu2004, ImageUbuntu2204}
}

// Instance is the control plane's only first-class entity.
type Instance struct {
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	CPU         int       `json:"cpu"`
	MemoryGiB   int       `json:"memory_gib"`
	DiskGiB     int       `json:"disk_gib"`
	Image       Image     `json:"image"`
	Runtime     Runtime   `json:"runtime"`
	NodeName    string    `json:"node_name,omitempty"`
	StoragePool string    `json:"storage_pool,omitempty"`
	Hostname    string    `json:"hostname"`
	Password    string    `json:"password"`
	SSHHost     string    `json:"ssh_host,omitempty"`
	SSHPort     int       `json:"ssh_port,omitempty"`
	ExternalIP  string    `json:"external_ip,omitempty"`
	Status      Status    `json:"status"`
	Stage       Stage     `json:"stage"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// retryAfter and retryCount track per-instance transient-failure
	// backoff; not persisted, reset on process restart.
	retryAfter time.Time
	retryCount int
}

// Key identifies an instance within the store: (owner, name) is globally
// unique.
type Key struct {
	Owner string
	Name  string
}

func (i *Instance) Key() Key {
	return Key{Owner: i.Owner, Name: i.Name}
}

func (i *Instance) String() string {
	return fmt.Sprintf("%s/%s", i.Owner, i.Name)
}

// RetryAfter reports when the next reconciler action for this instance
// may run, honoring the exponential backoff applied after a transient
// driver failure.
func (i *Instance) RetryAfter() time.Time {
	return i.retryAfter
}

// NoteTransientFailure records a transient driver failure and schedules
// the next retry with exponential backoff capped at 60s.
func (i *Instance) NoteTransientFailure(now time.Time) {
	i.retryCount++
	backoff := time.Duration(1<<uint(min(i.retryCount, 6))) * time.Second
	if backoff > 60*time.Second {
		backoff = 60 * time.Second
	}
	i.retryAfter = now.Add(backoff)
}

// NoteSuccess clears accumulated backoff state after a successful action.
func (i *Instance) NoteSuccess() {
	i.retryCount = 0
	i.retryAfter = time.Time{}
	i.LastError = ""
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// StoragePool describes a chunk of backend storage capacity on a Node.
type StoragePool struct {
	Name      string `yaml:"name" json:"name"`
	Total     int    `yaml:"total" json:"total"`
	Allocated int    `yaml:"-" json:"allocated"`
	Used      int    `yaml:"-" json:"used"`
}

// Node describes a compute host in the fleet's static inventory.
type Node struct {
	Name             string        `yaml:"name" json:"name"`
	Runtimes         []Runtime     `yaml:"runtimes" json:"runtimes"`
	CPUTotal         int           `yaml:"cpu_total" json:"cpu_total"`
	CPUAllocated     int           `yaml:"-" json:"cpu_allocated"`
	MemoryTotal      int           `yaml:"memory_total" json:"memory_total"`
	MemoryAllocated  int           `yaml:"-" json:"memory_allocated"`
	StorageTotal     int           `yaml:"storage_total" json:"storage_total"`
	StorageAllocated int           `yaml:"-" json:"storage_allocated"`
	StorageUsed      int           `yaml:"-" json:"storage_used"`
	StoragePools     []StoragePool `yaml:"storage_pools" json:"storage_pools"`
}

// SupportsRuntime reports whether this node can run the given runtime.
func (n *Node) SupportsRuntime(r Runtime) bool {
	for _, rr := range n.Runtimes {
		if rr == r {
			return true
		}
	}
	return false
}

// ComputeAllocation returns a deep copy of nodes with every Allocated
// and Used counter recomputed from the live instance set (any instance
// whose Stage is not StageDeleted and Status is not StatusMissing).
// Capacity figures (the Total fields) never change; only the counters
// derived from current reservations do, so a node-inventory edit takes
// effect immediately without replaying history.
func ComputeAllocation(nodes []*Node, instances []*Instance) []*Node {
	out := make([]*Node, len(nodes))
	byName := make(map[string]*Node, len(nodes))
	for i, n := range nodes {
		cn := *n
		cn.CPUAllocated, cn.MemoryAllocated, cn.StorageAllocated, cn.StorageUsed = 0, 0, 0, 0
		cn.StoragePools = make([]StoragePool, len(n.StoragePools))
		copy(cn.StoragePools, n.StoragePools)
		for j := range cn.StoragePools {
			cn.StoragePools[j].Allocated = 0
			cn.StoragePools[j].Used = 0
		}
		out[i] = &cn
		byName[cn.Name] = &cn
	}

	for _, inst := range instances {
		if inst.Stage == StageDeleted || inst.Status == StatusMissing {
			continue
		}
		n, ok := byName[inst.NodeName]
		if !ok {
			continue
		}
		n.CPUAllocated += inst.CPU
		n.MemoryAllocated += inst.MemoryGiB
		n.StorageAllocated += inst.DiskGiB
		n.StorageUsed += inst.DiskGiB
		for j := range n.StoragePools {
			if n.StoragePools[j].Name != inst.StoragePool {
				continue
			}
			n.StoragePools[j].Allocated += inst.DiskGiB
			n.StoragePools[j].Used += inst.DiskGiB
		}
	}
	return out
}

// User carries per-user resource quotas, loaded from the node inventory.
type User struct {
	Username      string `yaml:"username" json:"username"`
	CPUQuota      int    `yaml:"cpu_quota" json:"cpu_quota"`
	MemoryQuota   int    `yaml:"memory_quota" json:"memory_quota"`
	DiskQuota     int    `yaml:"disk_quota" json:"disk_quota"`
	InstanceQuota int    `yaml:"instance_quota" json:"instance_quota"`
}
