package reconciler_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tispace-dev/tispace/internal/domain"
	"github.com/tispace-dev/tispace/internal/driver"
	"github.com/tispace-dev/tispace/internal/reconciler"
	"github.com/tispace-dev/tispace/internal/store"
	"github.com/tispace-dev/tispace/pkg/apierror"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func seedInstance(t *testing.T, s *store.Store, inst *domain.Instance) {
	t.Helper()
	require.NoError(t, s.Mutate(func(st *store.State) bool {
		st.EnsureUser(inst.Owner).Instances = append(st.EnsureUser(inst.Owner).Instances, inst)
		return true
	}))
}

func findStatus(t *testing.T, s *store.Store, owner, name string) domain.Status {
	t.Helper()
	snap := s.Snapshot()
	u := snap.FindUser(owner)
	require.NotNil(t, u)
	inst := u.FindInstance(name)
	require.NotNil(t, inst)
	return inst.Status
}

func TestReconcile_PendingInstanceIsEnsured(t *testing.T) {
	s := newStore(t)
	inst := &domain.Instance{Owner: "alice", Name: "dev1", Runtime: domain.RuntimeRunc, Stage: domain.StageRunning, Status: domain.StatusPending}
	seedInstance(t, s, inst)

	pod := &driver.MockDriver{}
	pod.On("Observe", mock.Anything, mock.Anything).Return(driver.Facts{State: driver.StateAbsent}, nil)
	pod.On("Ensure", mock.Anything, mock.Anything).Return(nil)

	r := &reconciler.Reconciler{Store: s, Pod: pod, Interval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { _ = r.Run(ctx); close(done) }()
	<-done

	assert.Equal(t, domain.StatusCreating, findStatus(t, s, "alice", "dev1"))
	pod.AssertCalled(t, "Ensure", mock.Anything, mock.Anything)
}

func TestReconcile_StoppedRunningInstanceIsStopped(t *testing.T) {
	s := newStore(t)
	inst := &domain.Instance{Owner: "bob", Name: "dev2", Runtime: domain.RuntimeRunc, Stage: domain.StageStopped, Status: domain.StatusRunning}
	seedInstance(t, s, inst)

	pod := &driver.MockDriver{}
	pod.On("Observe", mock.Anything, mock.Anything).Return(driver.Facts{State: driver.StateRunning}, nil)
	pod.On("Stop", mock.Anything, mock.Anything).Return(nil)

	r := &reconciler.Reconciler{Store: s, Pod: pod, Interval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { _ = r.Run(ctx); close(done) }()
	<-done

	assert.Equal(t, domain.StatusStopping, findStatus(t, s, "bob", "dev2"))
	pod.AssertCalled(t, "Stop", mock.Anything, mock.Anything)
}

func TestReconcile_DeletedAbsentInstanceIsRemovedFromStore(t *testing.T) {
	s := newStore(t)
	inst := &domain.Instance{Owner: "carol", Name: "dev3", Runtime: domain.RuntimeRunc, Stage: domain.StageDeleted, Status: domain.StatusDeleting}
	seedInstance(t, s, inst)

	pod := &driver.MockDriver{}
	pod.On("Observe", mock.Anything, mock.Anything).Return(driver.Facts{State: driver.StateAbsent}, nil)

	r := &reconciler.Reconciler{Store: s, Pod: pod, Interval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { _ = r.Run(ctx); close(done) }()
	<-done

	snap := s.Snapshot()
	u := snap.FindUser("carol")
	require.NotNil(t, u)
	assert.Nil(t, u.FindInstance("dev3"))
}

func TestReconcile_DeletedAbsentInstanceReleasesItsExternalIP(t *testing.T) {
	s := newStore(t)
	inst := &domain.Instance{Owner: "carol", Name: "dev3", Runtime: domain.RuntimeKvm, Stage: domain.StageDeleted, Status: domain.StatusDeleting, ExternalIP: "10.0.0.5"}
	seedInstance(t, s, inst)
	require.NoError(t, s.Mutate(func(st *store.State) bool {
		st.IPs = append(st.IPs, "10.0.0.5")
		return true
	}))

	pod := &driver.MockDriver{}
	pod.On("Observe", mock.Anything, mock.Anything).Return(driver.Facts{State: driver.StateAbsent}, nil)

	r := &reconciler.Reconciler{Store: s, Pod: pod, Interval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { _ = r.Run(ctx); close(done) }()
	<-done

	assert.NotContains(t, s.Snapshot().IPs, "10.0.0.5")
}

func TestReconcile_TransientFailureSchedulesBackoffAndStopsRetryingImmediately(t *testing.T) {
	s := newStore(t)
	inst := &domain.Instance{Owner: "dee", Name: "dev4", Runtime: domain.RuntimeRunc, Stage: domain.StageRunning, Status: domain.StatusPending}
	seedInstance(t, s, inst)

	pod := &driver.MockDriver{}
	pod.On("Observe", mock.Anything, mock.Anything).Return(driver.Facts{}, assert.AnError)

	r := &reconciler.Reconciler{Store: s, Pod: pod, Interval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { _ = r.Run(ctx); close(done) }()
	<-done

	snap := s.Snapshot()
	inst2 := snap.FindUser("dee").FindInstance("dev4")
	require.NotNil(t, inst2)
	assert.Equal(t, domain.StatusPending, inst2.Status) // unchanged: generic errors are recorded, not retried via backoff
	assert.Equal(t, assert.AnError.Error(), inst2.LastError)
}

func TestReconcile_BackendTransientErrorSchedulesRetryWithoutRecordingLastError(t *testing.T) {
	s := newStore(t)
	inst := &domain.Instance{Owner: "erin", Name: "dev5", Runtime: domain.RuntimeRunc, Stage: domain.StageRunning, Status: domain.StatusPending}
	seedInstance(t, s, inst)

	pod := &driver.MockDriver{}
	pod.On("Observe", mock.Anything, mock.Anything).Return(driver.Facts{State: driver.StateAbsent}, nil)
	pod.On("Ensure", mock.Anything, mock.Anything).Return(apierror.BackendTransient(assert.AnError, "create backend resource"))

	r := &reconciler.Reconciler{Store: s, Pod: pod, Interval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { _ = r.Run(ctx); close(done) }()
	<-done

	snap := s.Snapshot()
	inst2 := snap.FindUser("erin").FindInstance("dev5")
	require.NotNil(t, inst2)
	assert.Empty(t, inst2.LastError)
	assert.True(t, inst2.RetryAfter().After(time.Now()))
}
