// Package vm materializes an instance as an LXD instance (container or
// virtual machine, per runtime) on a chosen cluster member and storage
// pool — the backend for the lxc and kvm runtimes.
package vm

import (
	"context"
	"fmt"
	"strings"

	lxd "github.com/canonical/lxd/client"
	"github.com/canonical/lxd/shared/api"

	"github.com/tispace-dev/tispace/internal/domain"
	"github.com/tispace-dev/tispace/internal/driver"
	"github.com/tispace-dev/tispace/pkg/apierror"
)

// namePrefix mirrors the pod driver's convention: every LXD instance
// and volume this driver owns carries it, so GC never touches
// anything it didn't create.
const namePrefix = "tispace-"

// Driver is the LXD-based backend driver.
type Driver struct {
	Server lxd.InstanceServer

	// StoragePoolMapping maps a node (LXD cluster member) name to the
	// storage pool volumes for its instances are created in.
	StoragePoolMapping map[string]string

	ImageServerURL        string
	DefaultRootfsImageTag string
	ExternalIPPrefixLen   int
}

var _ driver.Driver = (*Driver)(nil)

func instanceName(inst *domain.Instance) string {
	return fmt.Sprintf("%s%s-%s", namePrefix, inst.Owner, inst.Name)
}

func (d *Driver) serverFor(inst *domain.Instance) (lxd.InstanceServer, error) {
	if inst.NodeName == "" {
		return d.Server, nil
	}
	return d.Server.UseTarget(inst.NodeName), nil
}

func instanceType(r domain.Runtime) api.InstanceType {
	if r == domain.RuntimeKvm {
		return api.InstanceTypeVM
	}
	return api.InstanceTypeContainer
}

// Ensure creates the LXD instance for inst if it does not already
// exist, configuring its rootfs pool, primary NIC address and
// one-time password seed.
func (d *Driver) Ensure(ctx context.Context, inst *domain.Instance) error {
	name := instanceName(inst)
	server, err := d.serverFor(inst)
	if err != nil {
		return err
	}

	if _, _, err := server.GetInstance(name); err == nil {
		return nil
	}

	pool := inst.StoragePool
	if pool == "" {
		pool = d.StoragePoolMapping[inst.NodeName]
	}

	imageAlias := string(inst.Image)
	if !strings.Contains(imageAlias, ":") {
		imageAlias = imageAlias + ":" + d.DefaultRootfsImageTag
	}

	req := api.InstancesPost{
		Name: name,
		Type: instanceType(inst.Runtime),
		Source: api.InstanceSource{
			Type:  "image",
			Alias: imageAlias,
			Server: d.ImageServerURL,
		},
		InstancePut: api.InstancePut{
			Config: map[string]string{
				"limits.cpu":             fmt.Sprintf("%d", inst.CPU),
				"limits.memory":          fmt.Sprintf("%dGiB", inst.MemoryGiB),
				"user.tispace-owner":     inst.Owner,
				"user.tispace-instance":  inst.Name,
			},
			Devices: map[string]map[string]string{
				"root": {
					"type": "disk",
					"pool": pool,
					"path": "/",
					"size": fmt.Sprintf("%dGiB", inst.DiskGiB),
				},
				"eth0": {
					"type":         "nic",
					"nictype":      "bridged",
					"parent":       "lxdbr0",
					"ipv4.address": inst.ExternalIP,
				},
			},
		},
	}

	op, err := server.CreateInstance(req)
	if err != nil {
		return classifyLXDError(err, "create instance %s", name)
	}
	if err := op.Wait(); err != nil {
		return classifyLXDError(err, "create instance %s", name)
	}

	return d.seedPassword(server, name, inst.Password)
}

// seedPassword pushes a shadow(5) line for the root account into the
// instance's rootfs, so the one-time password is active on first boot.
func (d *Driver) seedPassword(server lxd.InstanceServer, name, password string) error {
	if password == "" {
		return nil
	}
	line := fmt.Sprintf("root:%s:19000:0:99999:7:::\n", password)
	return server.CreateInstanceFile(name, "/etc/shadow", lxd.InstanceFileArgs{
		Type:      "file",
		Content:   strings.NewReader(line),
		Mode:      0600,
		UID:       0,
		GID:       0,
		WriteMode: "overwrite",
	})
}

// Start starts a stopped instance; already-running is not an error.
func (d *Driver) Start(ctx context.Context, inst *domain.Instance) error {
	return d.setState(inst, "start")
}

// Stop stops a running instance; already-stopped is not an error.
func (d *Driver) Stop(ctx context.Context, inst *domain.Instance) error {
	return d.setState(inst, "stop")
}

func (d *Driver) setState(inst *domain.Instance, action string) error {
	name := instanceName(inst)
	server, err := d.serverFor(inst)
	if err != nil {
		return err
	}

	op, err := server.UpdateInstanceState(name, api.InstanceStatePut{Action: action, Timeout: 30, Force: false}, "")
	if err != nil {
		return classifyLXDError(err, "%s instance %s", action, name)
	}
	if err := op.Wait(); err != nil {
		return classifyLXDError(err, "%s instance %s", action, name)
	}
	return nil
}

// Remove stops (if necessary) and deletes the LXD instance. The
// caller is responsible for invoking GC afterward to reclaim any
// storage volumes this instance held outside the instance's own
// managed rootfs.
func (d *Driver) Remove(ctx context.Context, inst *domain.Instance) error {
	name := instanceName(inst)
	server, err := d.serverFor(inst)
	if err != nil {
		return err
	}

	if info, _, err := server.GetInstance(name); err == nil && info.StatusCode == api.Running {
		if err := d.Stop(ctx, inst); err != nil {
			return err
		}
	}

	op, err := server.DeleteInstance(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return classifyLXDError(err, "delete instance %s", name)
	}
	if err := op.Wait(); err != nil && !isNotFound(err) {
		return classifyLXDError(err, "delete instance %s", name)
	}
	return nil
}

// Observe reports the LXD instance's status, mapped to the common
// enumeration, and its assigned addresses.
func (d *Driver) Observe(ctx context.Context, inst *domain.Instance) (driver.Facts, error) {
	name := instanceName(inst)
	server, err := d.serverFor(inst)
	if err != nil {
		return driver.Facts{}, err
	}

	info, _, err := server.GetInstance(name)
	if isNotFound(err) {
		return driver.Facts{State: driver.StateAbsent}, nil
	}
	if err != nil {
		return driver.Facts{}, apierror.BackendTransient(err, "get instance %s", name)
	}

	facts := driver.Facts{SSHPort: 22}
	switch info.StatusCode {
	case api.Running:
		facts.State = driver.StateRunning
	case api.Stopped:
		facts.State = driver.StateStopped
	case api.Starting, api.Stopping, api.Freezing, api.Frozen:
		facts.State = driver.StateCreating
	case api.Error:
		facts.State = driver.StateError
		facts.Message = info.Status
	default:
		facts.State = driver.StateCreating
	}

	state, _, err := server.GetInstanceState(name)
	if err == nil {
		for _, net := range state.Network {
			for _, addr := range net.Addresses {
				if addr.Family == "inet" && addr.Scope == "global" {
					facts.Addresses = append(facts.Addresses, addr.Address)
				}
			}
		}
	}
	return facts, nil
}

// Update applies a cpu/memory/runtime change; only valid when the
// instance is stopped (the caller guarantees this by checking Observe
// first). runtime changes are not supported by LXD in place, so they
// require the instance to be recreated; cpu/memory are patched live.
func (d *Driver) Update(ctx context.Context, inst *domain.Instance) error {
	name := instanceName(inst)
	server, err := d.serverFor(inst)
	if err != nil {
		return err
	}

	info, etag, err := server.GetInstance(name)
	if err != nil {
		return classifyLXDError(err, "get instance %s", name)
	}
	info.Config["limits.cpu"] = fmt.Sprintf("%d", inst.CPU)
	info.Config["limits.memory"] = fmt.Sprintf("%dGiB", inst.MemoryGiB)

	op, err := server.UpdateInstance(name, info.Writable(), etag)
	if err != nil {
		return classifyLXDError(err, "update instance %s", name)
	}
	if err := op.Wait(); err != nil {
		return classifyLXDError(err, "update instance %s", name)
	}
	return nil
}

// GC removes any LXD instance and storage volume this driver owns
// (name prefixed with namePrefix) that has no corresponding
// non-Deleting instance in live. It is called at startup after the
// store reloads, and after every successful Remove, to reclaim
// capacity from instances that crashed mid-delete before this driver
// confirmed removal.
func (d *Driver) GC(ctx context.Context, live []*domain.Instance) error {
	want := make(map[string]bool, len(live))
	for _, inst := range live {
		if inst.Stage != domain.StageDeleted {
			want[instanceName(inst)] = true
		}
	}

	instances, err := d.Server.GetInstanceNames(api.InstanceTypeAny)
	if err != nil {
		return fmt.Errorf("list lxd instances: %w", err)
	}
	for _, name := range instances {
		if !strings.HasPrefix(name, namePrefix) || want[name] {
			continue
		}
		op, err := d.Server.DeleteInstance(name)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return fmt.Errorf("gc instance %s: %w", name, err)
		}
		if err := op.Wait(); err != nil && !isNotFound(err) {
			return fmt.Errorf("gc instance %s: %w", name, err)
		}
	}

	for _, pool := range d.StoragePoolMapping {
		volumes, err := d.Server.GetStoragePoolVolumeNames(pool)
		if err != nil {
			continue
		}
		for _, vol := range volumes {
			name := strings.TrimPrefix(vol, "custom/")
			if !strings.HasPrefix(name, namePrefix) || want[name] {
				continue
			}
			if err := d.Server.DeleteStoragePoolVolume(pool, "custom", name); err != nil && !isNotFound(err) {
				return fmt.Errorf("gc volume %s/%s: %w", pool, name, err)
			}
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}

// classifyLXDError maps an LXD client error to a transient or
// permanent apierror, based on whether the failure looks like a
// malformed request (permanent) or a connectivity/server issue
// (transient, retried with backoff).
func classifyLXDError(err error, format string, args ...any) error {
	msg := err.Error()
	if strings.Contains(msg, "Invalid") || strings.Contains(msg, "Bad Request") || strings.Contains(msg, "quota") {
		return apierror.BackendPermanent(err, format, args...)
	}
	return apierror.BackendTransient(err, format, args...)
}
