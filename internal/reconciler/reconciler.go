// Package reconciler drives every instance toward its desired Stage by
// repeatedly observing the backend and issuing the one driver action
// that narrows the gap, on a fixed cadence.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tispace-dev/tispace/internal/domain"
	"github.com/tispace-dev/tispace/internal/driver"
	"github.com/tispace-dev/tispace/internal/driver/vm"
	"github.com/tispace-dev/tispace/internal/ipam"
	"github.com/tispace-dev/tispace/internal/metrics"
	"github.com/tispace-dev/tispace/internal/store"
	"github.com/tispace-dev/tispace/pkg/apierror"
)

// DefaultInterval is how often the reconciler ticks when Config.Interval
// is zero.
const DefaultInterval = 5 * time.Second

// maxConcurrent bounds how many instances this process reconciles at
// once per tick, so a slow backend call on one instance never starves
// the others.
const maxConcurrent = 16

// Reconciler owns the fixed-cadence loop that keeps every instance's
// observed Status converging on its desired Stage.
type Reconciler struct {
	Store    *store.Store
	Pod      driver.Driver
	VM       *vm.Driver
	Pools    []ipam.Pool
	Nodes    []*domain.Node
	Interval time.Duration

	inFlight sync.Map // domain.Key -> *sync.Mutex
}

var _ interface {
	Name() string
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
} = (*Reconciler)(nil)

// Name implements grace.Grace.
func (r *Reconciler) Name() string {
	return "reconciler"
}

// Run ticks every Interval (DefaultInterval if unset) until ctx is
// canceled. Implements grace.Grace.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	// Reclaim anything an earlier process crashed mid-delete before the
	// first tick runs, so stale volumes don't count against capacity.
	r.gc(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// Shutdown implements grace.Grace. The tick loop already exits on
// ctx.Done(); there is no separate resource to release.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	return nil
}

func (r *Reconciler) tick(ctx context.Context) {
	snapshot := r.Store.Snapshot()
	metrics.ReconcilerTick()
	r.publishMetrics(snapshot)

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrent)

	for _, inst := range snapshot.AllInstances() {
		if time.Now().Before(inst.RetryAfter()) {
			continue
		}

		mu := r.lockFor(inst.Key())
		if !mu.TryLock() {
			// A previous tick's action for this instance is still
			// in flight; skip it this round rather than pile up.
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(inst *domain.Instance) {
			defer wg.Done()
			defer func() { <-sem }()
			defer mu.Unlock()
			r.reconcileOne(ctx, inst)
		}(inst)
	}

	wg.Wait()
	r.gc(ctx)
}

func (r *Reconciler) lockFor(key domain.Key) *sync.Mutex {
	m, _ := r.inFlight.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// gc asks the VM driver to reclaim any LXD instance or storage volume
// it owns with no corresponding live instance in the store, covering
// both a crash mid-delete and a delete that completed between ticks.
func (r *Reconciler) gc(ctx context.Context) {
	if r.VM == nil {
		return
	}
	snapshot := r.Store.Snapshot()
	if err := r.VM.GC(ctx, snapshot.AllInstances()); err != nil {
		log.Error().Err(err).Msg("vm driver gc failed")
	}
}

func (r *Reconciler) publishMetrics(snapshot store.State) {
	all := snapshot.AllInstances()

	counts := make(map[domain.Status]int, len(all))
	for _, inst := range all {
		counts[inst.Status]++
	}
	metrics.SetInstanceCounts(counts)

	inUse := make(map[string]bool, len(snapshot.IPs))
	for _, ip := range snapshot.IPs {
		inUse[ip] = true
	}
	metrics.SetIPPoolAvailable(ipam.CountAvailable(r.Pools, inUse))

	for _, node := range domain.ComputeAllocation(r.Nodes, all) {
		metrics.SetNodeCapacity(node)
	}
}

// reconcileOne observes the backend and issues at most one driver
// action to narrow the gap between inst's current Status and its
// desired Stage, then persists the outcome.
func (r *Reconciler) reconcileOne(ctx context.Context, inst *domain.Instance) {
	d := driver.ForRuntime(inst.Runtime, r.Pod, r.VM)

	facts, err := d.Observe(ctx, inst)
	if err != nil {
		r.recordFailure(inst.Key(), err)
		return
	}
	if facts.State == driver.StateError && inst.Stage != domain.StageDeleted {
		r.recordFailure(inst.Key(), apierror.BackendPermanent(errors.New(facts.Message), "backend reports error state for %s", inst))
		return
	}

	action, nextStatus := plan(inst, facts)
	if action != driver.ActionObserve {
		if err := r.dispatch(ctx, d, action, inst); err != nil {
			r.recordFailure(inst.Key(), err)
			return
		}
	}

	r.recordSuccess(inst.Key(), nextStatus, facts)
}

func (r *Reconciler) dispatch(ctx context.Context, d driver.Driver, action driver.Action, inst *domain.Instance) error {
	switch action {
	case driver.ActionEnsure:
		return d.Ensure(ctx, inst)
	case driver.ActionStart:
		return d.Start(ctx, inst)
	case driver.ActionStop:
		return d.Stop(ctx, inst)
	case driver.ActionRemove:
		return d.Remove(ctx, inst)
	case driver.ActionUpdate:
		return d.Update(ctx, inst)
	default:
		return nil
	}
}

// plan decides the single next driver action for inst given the
// backend's observed facts, and the Status that action is working
// toward (applied only once the action succeeds).
func plan(inst *domain.Instance, facts driver.Facts) (driver.Action, domain.Status) {
	if inst.Stage == domain.StageDeleted {
		if facts.State == driver.StateAbsent {
			return driver.ActionObserve, domain.StatusMissing
		}
		return driver.ActionRemove, domain.StatusDeleting
	}

	if inst.Status == domain.StatusUpdating {
		if facts.State == driver.StateStopped || facts.State == driver.StateAbsent {
			// Update is idempotent and synchronous from the caller's
			// point of view: one successful call is the whole action,
			// so the instance leaves Updating the same tick it runs.
			return driver.ActionUpdate, domain.StatusStopped
		}
		// Can't patch a running backend; stop it first.
		return driver.ActionStop, domain.StatusUpdating
	}

	switch inst.Stage {
	case domain.StageRunning:
		switch facts.State {
		case driver.StateAbsent:
			switch inst.Status {
			case domain.StatusPending, domain.StatusCreating, domain.StatusMissing:
				// Never created yet, still mid-creation, or already
				// flagged missing last tick: (re)create now.
				return driver.ActionEnsure, domain.StatusCreating
			default:
				// The backend lost a resource we believe should exist.
				// Surface Missing for one tick before recreating it.
				return driver.ActionObserve, domain.StatusMissing
			}
		case driver.StateCreating:
			return driver.ActionObserve, domain.StatusCreating
		case driver.StateStopped:
			return driver.ActionStart, domain.StatusStarting
		case driver.StateRunning:
			return driver.ActionObserve, domain.StatusRunning
		default: // StateError
			return driver.ActionObserve, inst.Status
		}
	case domain.StageStopped:
		switch facts.State {
		case driver.StateAbsent:
			return driver.ActionObserve, domain.StatusStopped
		case driver.StateRunning:
			return driver.ActionStop, domain.StatusStopping
		case driver.StateStopped:
			return driver.ActionObserve, domain.StatusStopped
		default: // Creating, Error
			return driver.ActionObserve, inst.Status
		}
	}
	return driver.ActionObserve, inst.Status
}

// recordSuccess persists the outcome of a successful observe/action:
// the new Status, any backend-assigned addresses, and cleared backoff.
func (r *Reconciler) recordSuccess(key domain.Key, status domain.Status, facts driver.Facts) {
	_ = r.Store.Mutate(func(st *store.State) bool {
		inst := findInstance(st, key)
		if inst == nil {
			return false
		}

		if status == domain.StatusMissing && inst.Stage == domain.StageDeleted {
			st.ReleaseIP(inst.ExternalIP)
			u := st.FindUser(key.Owner)
			if u != nil {
				u.RemoveInstance(key.Name)
			}
			return true
		}

		changed := inst.Status != status
		inst.Status = status
		if len(facts.Addresses) > 0 && inst.SSHHost != facts.Addresses[0] {
			inst.SSHHost = facts.Addresses[0]
			changed = true
		}
		if facts.SSHPort != 0 && inst.SSHPort != facts.SSHPort {
			inst.SSHPort = facts.SSHPort
			changed = true
		}
		if inst.LastError != "" {
			inst.LastError = ""
			changed = true
		}
		inst.NoteSuccess()
		inst.UpdatedAt = time.Now()
		return changed
	})
}

// recordFailure classifies err and either schedules a backoff retry
// (transient) or records it as last_error and stops retrying until the
// user acts (permanent and everything else).
func (r *Reconciler) recordFailure(key domain.Key, err error) {
	var apiErr *apierror.Error
	kind := string(apierror.KindInternal)
	if errors.As(err, &apiErr) {
		kind = string(apiErr.Kind)
	}
	metrics.ReconcilerActionError(kind)

	log.Error().Err(err).Str("owner", key.Owner).Str("instance", key.Name).
		Str("kind", kind).Msg("reconciler action failed")

	_ = r.Store.Mutate(func(st *store.State) bool {
		inst := findInstance(st, key)
		if inst == nil {
			return false
		}
		now := time.Now()
		if apiErr != nil && apiErr.Kind == apierror.KindBackendTransient {
			inst.NoteTransientFailure(now)
			return true
		}
		inst.LastError = err.Error()
		inst.UpdatedAt = now
		return true
	})
}

func findInstance(st *store.State, key domain.Key) *domain.Instance {
	u := st.FindUser(key.Owner)
	if u == nil {
		return nil
	}
	return u.FindInstance(key.Name)
}
