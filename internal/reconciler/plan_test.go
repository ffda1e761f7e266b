package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tispace-dev/tispace/internal/domain"
	"github.com/tispace-dev/tispace/internal/driver"
)

func TestPlan_RunningInstanceGoneFromBackendGoesMissingBeforeRecreating(t *testing.T) {
	inst := &domain.Instance{Stage: domain.StageRunning, Status: domain.StatusRunning}

	action, status := plan(inst, driver.Facts{State: driver.StateAbsent})
	assert.Equal(t, driver.ActionObserve, action)
	assert.Equal(t, domain.StatusMissing, status)

	inst.Status = status
	action, status = plan(inst, driver.Facts{State: driver.StateAbsent})
	assert.Equal(t, driver.ActionEnsure, action)
	assert.Equal(t, domain.StatusCreating, status)
}

func TestPlan_NeverCreatedInstanceSkipsMissingAndEnsuresDirectly(t *testing.T) {
	inst := &domain.Instance{Stage: domain.StageRunning, Status: domain.StatusPending}

	action, status := plan(inst, driver.Facts{State: driver.StateAbsent})
	assert.Equal(t, driver.ActionEnsure, action)
	assert.Equal(t, domain.StatusCreating, status)
}

func TestPlan_StillCreatingInstanceSkipsMissingAndKeepsEnsuring(t *testing.T) {
	inst := &domain.Instance{Stage: domain.StageRunning, Status: domain.StatusCreating}

	action, status := plan(inst, driver.Facts{State: driver.StateAbsent})
	assert.Equal(t, driver.ActionEnsure, action)
	assert.Equal(t, domain.StatusCreating, status)
}

func TestPlan_StoppingInstanceGoneFromBackendAlsoGoesMissing(t *testing.T) {
	inst := &domain.Instance{Stage: domain.StageRunning, Status: domain.StatusStarting}

	action, status := plan(inst, driver.Facts{State: driver.StateAbsent})
	assert.Equal(t, driver.ActionObserve, action)
	assert.Equal(t, domain.StatusMissing, status)
}
