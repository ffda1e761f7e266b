// Package driver defines the small common surface the reconciler
// dispatches every backend action through, so it can drive a pod-based
// instance and an LXD-based instance identically.
package driver

import (
	"context"

	"github.com/tispace-dev/tispace/internal/domain"
)

// Action is a single planned reconciler step for one instance.
type Action string

const (
	ActionEnsure  Action = "ensure"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRemove  Action = "remove"
	ActionObserve Action = "observe"
	ActionUpdate  Action = "update"
)

// ObservedState is the backend-reported state of an instance, mapped
// into the common enumeration every driver normalizes to.
type ObservedState string

const (
	StateAbsent   ObservedState = "absent"
	StateCreating ObservedState = "creating"
	StateRunning  ObservedState = "running"
	StateStopped  ObservedState = "stopped"
	StateError    ObservedState = "error"
)

// Facts is what Observe reports about an instance's backend-side
// reality: its normalized state, any addresses it has been assigned,
// and an error message when State is StateError.
type Facts struct {
	State     ObservedState
	Addresses []string
	// SSHPort is the port SSH is reachable on at Addresses[0]; the VM
	// driver always reports 22, the pod driver reports its service's
	// assigned NodePort.
	SSHPort int
	Message string
}

// Driver is the common interface a backend (pod driver, VM driver)
// implements. Every method is idempotent: calling it twice in
// succession on the same instance yields the same observable state and
// no error the second time. Implementations return
// apierror.BackendTransient or apierror.BackendPermanent to tell the
// reconciler how to classify a failure.
type Driver interface {
	// Ensure creates the backend resource for inst if it does not
	// already exist.
	Ensure(ctx context.Context, inst *domain.Instance) error

	// Start transitions a stopped backend resource to running.
	Start(ctx context.Context, inst *domain.Instance) error

	// Stop transitions a running backend resource to stopped.
	Stop(ctx context.Context, inst *domain.Instance) error

	// Remove deletes the backend resource and any volumes it owns.
	Remove(ctx context.Context, inst *domain.Instance) error

	// Observe reports the backend's current view of inst.
	Observe(ctx context.Context, inst *domain.Instance) (Facts, error)

	// Update applies a cpu/memory/runtime change to a stopped
	// backend resource.
	Update(ctx context.Context, inst *domain.Instance) error
}

// ForRuntime picks the driver responsible for r from a pod/VM pair.
func ForRuntime(r domain.Runtime, pod, vm Driver) Driver {
	if r.Pod() {
		return pod
	}
	return vm
}
