package api

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tispace-dev/tispace/internal/auth"
	"github.com/tispace-dev/tispace/internal/config"
	"github.com/tispace-dev/tispace/internal/domain"
	"github.com/tispace-dev/tispace/internal/ipam"
	"github.com/tispace-dev/tispace/internal/scheduler"
	"github.com/tispace-dev/tispace/internal/store"
	"github.com/tispace-dev/tispace/pkg/apierror"
	"github.com/tispace-dev/tispace/pkg/ginx"
)

// Instances implements the instance CRUD routes. Every mutation runs
// admission (quota, uniqueness, transition legality, placement) and
// the store write inside the same store.Mutate critical section, so a
// concurrent request for the same owner can never observe a
// half-admitted instance.
type Instances struct {
	store     *store.Store
	inventory *config.Inventory
	pools     []ipam.Pool
}

func NewInstances(s *store.Store, inventory *config.Inventory, pools []ipam.Pool) *Instances {
	return &Instances{store: s, inventory: inventory, pools: pools}
}

func (i *Instances) RegisterRoutes(router gin.IRoutes) {
	router.GET("/instances", ginx.Adapt3(i.List))
	router.POST("/instances", ginx.Adapt5(i.Create))
	router.PATCH("/instances/:name", ginx.Adapt5(i.Update))
	router.POST("/instances/:name/start", ginx.Adapt4(i.Start))
	router.POST("/instances/:name/stop", ginx.Adapt4(i.Stop))
	router.DELETE("/instances/:name", ginx.Adapt4(i.Delete))
}

// List implements GET /instances.
func (i *Instances) List(c *gin.Context) (*ListInstancesResponse, error) {
	owner := auth.Owner(c)
	snapshot := i.store.Snapshot()

	instances := []*domain.Instance{}
	if u := snapshot.FindUser(owner); u != nil {
		instances = u.Instances
	}
	return &ListInstancesResponse{Instances: instances}, nil
}

// Create implements POST /instances: admits the request against
// per-user quota and (owner,name) uniqueness, places it on a node (and
// storage pool, for VM runtimes) via the scheduler, allocates an
// external IP for VM runtimes, and persists the new Pending instance —
// all inside one store.Mutate.
func (i *Instances) Create(c *gin.Context, req *CreateInstanceRequest) (*createdInstance, error) {
	owner := auth.Owner(c)
	logger := zerolog.Ctx(c)
	logger.Info().Str("owner", owner).Str("name", req.Name).Str("runtime", req.Runtime).Msg("create instance requested")

	var result *domain.Instance
	var admitErr error

	err := i.store.Mutate(func(st *store.State) bool {
		u := st.EnsureUser(owner)
		if u.FindInstance(req.Name) != nil {
			admitErr = apierror.Conflict("InstanceExists", "instance %q already exists", req.Name)
			return false
		}

		cpuQuota, memQuota, diskQuota, instQuota := i.inventory.QuotaFor(owner)
		var totalCPU, totalMem, totalDisk, count int
		for _, inst := range u.Instances {
			if inst.Stage == domain.StageDeleted {
				continue
			}
			totalCPU += inst.CPU
			totalMem += inst.MemoryGiB
			totalDisk += inst.DiskGiB
			count++
		}
		switch {
		case count+1 > instQuota:
			admitErr = apierror.Forbidden("QuotaExceeded", "instance quota of %d reached", instQuota)
			return false
		case totalCPU+req.CPU > cpuQuota:
			admitErr = apierror.Forbidden("QuotaExceeded", "CPU quota of %d cores exceeded (have %d, requested %d)", cpuQuota, totalCPU, req.CPU)
			return false
		case totalMem+req.MemoryGiB > memQuota:
			admitErr = apierror.Forbidden("QuotaExceeded", "memory quota of %d GiB exceeded (have %d, requested %d)", memQuota, totalMem, req.MemoryGiB)
			return false
		case totalDisk+req.DiskGiB > diskQuota:
			admitErr = apierror.Forbidden("QuotaExceeded", "disk quota of %d GiB exceeded (have %d, requested %d)", diskQuota, totalDisk, req.DiskGiB)
			return false
		}

		runtime := domain.Runtime(req.Runtime)
		nodes := domain.ComputeAllocation(i.inventory.Nodes, st.AllInstances())
		placement, err := scheduler.Place(nodes, scheduler.Request{
			Runtime:     runtime,
			CPU:         req.CPU,
			MemoryGiB:   req.MemoryGiB,
			DiskGiB:     req.DiskGiB,
			NodeName:    req.NodeName,
			StoragePool: req.StoragePool,
		})
		if err != nil {
			admitErr = placementError(err)
			return false
		}

		password, err := generatePassword()
		if err != nil {
			admitErr = apierror.Internal(err, "generate instance password")
			return false
		}

		now := time.Now()
		inst := &domain.Instance{
			Name:        req.Name,
			Owner:       owner,
			CPU:         req.CPU,
			MemoryGiB:   req.MemoryGiB,
			DiskGiB:     req.DiskGiB,
			Image:       domain.Image(req.Image),
			Runtime:     runtime,
			NodeName:    placement.NodeName,
			StoragePool: placement.StoragePool,
			Hostname:    fmt.Sprintf("%s-%s", owner, req.Name),
			Password:    password,
			Status:      domain.StatusPending,
			Stage:       domain.StageRunning,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if runtime.VM() {
			inUse := make(map[string]bool, len(st.IPs))
			for _, ip := range st.IPs {
				inUse[ip] = true
			}
			ip, err := ipam.Allocate(i.pools, inUse)
			if err != nil {
				admitErr = apierror.Forbidden("IPPoolExhausted", "no external IP addresses remain")
				return false
			}
			inst.ExternalIP = ip
			st.IPs = append(st.IPs, ip)
		}

		u.Instances = append(u.Instances, inst)
		result = inst
		return true
	})

	if err != nil {
		logger.Error().Err(err).Msg("persist new instance failed")
		return nil, apierror.Internal(err, "persist new instance")
	}
	if admitErr != nil {
		return nil, admitErr
	}
	logger.Info().Str("owner", owner).Str("name", req.Name).Str("node", result.NodeName).Msg("instance admitted")
	return &createdInstance{result}, nil
}

// Update implements PATCH /instances/{name}: cpu, memory, and runtime
// may only change while the instance is Stopped; disk_gib and image
// are create-time only.
func (i *Instances) Update(c *gin.Context, req *UpdateInstanceRequest) (*domain.Instance, error) {
	owner := auth.Owner(c)

	var result *domain.Instance
	var admitErr error

	err := i.store.Mutate(func(st *store.State) bool {
		inst := findOwnedInstance(st, owner, req.Name)
		if inst == nil {
			admitErr = apierror.NotFound("InstanceNotFound", "instance %q not found", req.Name)
			return false
		}
		if inst.Stage == domain.StageDeleted {
			admitErr = apierror.Conflict("AlreadyDeleted", "instance %q is deleted", req.Name)
			return false
		}
		if inst.Status != domain.StatusStopped {
			admitErr = apierror.Conflict("NotStopped", "instance %q must be stopped before it can be updated", req.Name)
			return false
		}

		cpuQuota, memQuota, _, _ := i.inventory.QuotaFor(owner)
		u := st.FindUser(owner)
		var totalCPU, totalMem int
		for _, other := range u.Instances {
			if other.Name == req.Name || other.Stage == domain.StageDeleted {
				continue
			}
			totalCPU += other.CPU
			totalMem += other.MemoryGiB
		}

		if req.CPU != nil {
			if totalCPU+*req.CPU > cpuQuota {
				admitErr = apierror.Forbidden("QuotaExceeded", "CPU quota of %d cores exceeded (have %d, requested %d)", cpuQuota, totalCPU, *req.CPU)
				return false
			}
			inst.CPU = *req.CPU
		}
		if req.MemoryGiB != nil {
			if totalMem+*req.MemoryGiB > memQuota {
				admitErr = apierror.Forbidden("QuotaExceeded", "memory quota of %d GiB exceeded (have %d, requested %d)", memQuota, totalMem, *req.MemoryGiB)
				return false
			}
			inst.MemoryGiB = *req.MemoryGiB
		}
		if req.Runtime != nil {
			target := domain.Runtime(*req.Runtime)
			if !inst.Runtime.CompatibleWith(target) {
				admitErr = apierror.Conflict("RuntimeIncompatible", "cannot change runtime from %q to %q", inst.Runtime, target)
				return false
			}
			inst.Runtime = target
		}

		inst.Status = domain.StatusUpdating
		inst.UpdatedAt = time.Now()
		result = inst
		return true
	})

	if err != nil {
		return nil, apierror.Internal(err, "persist instance update")
	}
	if admitErr != nil {
		return nil, admitErr
	}
	return result, nil
}

// Start implements POST /instances/{name}/start.
func (i *Instances) Start(c *gin.Context, req *NameParam) error {
	owner := auth.Owner(c)
	return i.transition(owner, req.Name, "start", func(inst *domain.Instance) error {
		if inst.Stage == domain.StageDeleted {
			return apierror.Conflict("AlreadyDeleted", "instance %q is deleted", req.Name)
		}
		if inst.Status != domain.StatusStopped {
			return apierror.Conflict("NotStopped", "instance %q is not stopped", req.Name)
		}
		inst.Stage = domain.StageRunning
		inst.Status = domain.StatusStarting
		return nil
	})
}

// Stop implements POST /instances/{name}/stop.
func (i *Instances) Stop(c *gin.Context, req *NameParam) error {
	owner := auth.Owner(c)
	return i.transition(owner, req.Name, "stop", func(inst *domain.Instance) error {
		if inst.Stage == domain.StageDeleted {
			return apierror.Conflict("AlreadyDeleted", "instance %q is deleted", req.Name)
		}
		if inst.Status != domain.StatusRunning {
			return apierror.Conflict("NotRunning", "instance %q is not running", req.Name)
		}
		inst.Stage = domain.StageStopped
		inst.Status = domain.StatusStopping
		return nil
	})
}

// Delete implements DELETE /instances/{name}. Pod-backed instances
// move directly to Deleting; VM-backed instances move to Stopping
// first, since the VM driver's Remove call itself stops the backend
// before deleting it, and that intermediate state is worth surfacing.
func (i *Instances) Delete(c *gin.Context, req *NameParam) error {
	owner := auth.Owner(c)
	return i.transition(owner, req.Name, "delete", func(inst *domain.Instance) error {
		if inst.Stage == domain.StageDeleted {
			return apierror.Conflict("AlreadyDeleted", "instance %q is already deleted", req.Name)
		}
		inst.Stage = domain.StageDeleted
		if inst.Runtime.Pod() {
			inst.Status = domain.StatusDeleting
		} else {
			inst.Status = domain.StatusStopping
		}
		return nil
	})
}

// transition runs mutate against the named instance, applying action
// if it exists and is owned by owner, and logs the outcome.
func (i *Instances) transition(owner, name, action string, mutate func(*domain.Instance) error) error {
	var admitErr error
	err := i.store.Mutate(func(st *store.State) bool {
		inst := findOwnedInstance(st, owner, name)
		if inst == nil {
			admitErr = apierror.NotFound("InstanceNotFound", "instance %q not found", name)
			return false
		}
		if err := mutate(inst); err != nil {
			admitErr = err
			return false
		}
		inst.UpdatedAt = time.Now()
		return true
	})
	if err != nil {
		return apierror.Internal(err, "persist instance %s", action)
	}
	return admitErr
}

func findOwnedInstance(st *store.State, owner, name string) *domain.Instance {
	u := st.FindUser(owner)
	if u == nil {
		return nil
	}
	return u.FindInstance(name)
}

func placementError(err error) error {
	switch {
	case errors.Is(err, scheduler.ErrUnknownNode):
		return apierror.Validation("UnknownNode", "node_name does not name a known node")
	case errors.Is(err, scheduler.ErrUnknownStoragePool):
		return apierror.Validation("UnknownStoragePool", "storage_pool does not name a known pool on that node")
	case errors.Is(err, scheduler.ErrResourceExhausted):
		return apierror.Forbidden("ResourceExhausted", "no node has enough remaining capacity for this request")
	default:
		return apierror.Internal(err, "scheduler placement")
	}
}

const passwordLength = 16

var passwordCharset = []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789")

// generatePassword returns a 16-character mixed-case alphanumeric
// one-time SSH initialization password.
func generatePassword() (string, error) {
	buf := make([]byte, passwordLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, passwordLength)
	for i, b := range buf {
		out[i] = passwordCharset[int(b)%len(passwordCharset)]
	}
	return string(out), nil
}
