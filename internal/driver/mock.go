package driver

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/tispace-dev/tispace/internal/domain"
)

// MockDriver is a testify/mock implementation of Driver, used by the
// reconciler's tests in place of a real pod or VM backend.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Ensure(ctx context.Context, inst *domain.Instance) error {
	args := m.Called(ctx, inst)
	return args.Error(0)
}

func (m *MockDriver) Start(ctx context.Context, inst *domain.Instance) error {
	args := m.Called(ctx, inst)
	return args.Error(0)
}

func (m *MockDriver) Stop(ctx context.Context, inst *domain.Instance) error {
	args := m.Called(ctx, inst)
	return args.Error(0)
}

func (m *MockDriver) Remove(ctx context.Context, inst *domain.Instance) error {
	args := m.Called(ctx, inst)
	return args.Error(0)
}

func (m *MockDriver) Observe(ctx context.Context, inst *domain.Instance) (Facts, error) {
	args := m.Called(ctx, inst)
	if args.Get(0) == nil {
		return Facts{}, args.Error(1)
	}
	return args.Get(0).(Facts), args.Error(1)
}

func (m *MockDriver) Update(ctx context.Context, inst *domain.Instance) error {
	args := m.Called(ctx, inst)
	return args.Error(0)
}
