// Package containermock has testify mocks of the container control.
package containermock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/slok/rollr/internal/container"
	"github.com/slok/rollr/internal/model"
)

// MockControl is a mock of container.Control.
type MockControl struct {
	mock.Mock
}

var _ container.Control = &MockControl{}

func (m *MockControl) Check(ctx context.Context, images []string) []model.CheckResult {
	args := m.Called(ctx, images)
	if v := args.Get(0); v != nil {
		return v.([]model.CheckResult)
	}
	return nil
}

func (m *MockControl) EnsureImage(ctx context.Context, name, buildContext string) (bool, error) {
	args := m.Called(ctx, name, buildContext)
	return args.Bool(0), args.Error(1)
}

func (m *MockControl) CreateNetwork(ctx context.Context, name string, labels map[string]string) error {
	return m.Called(ctx, name, labels).Error(0)
}

func (m *MockControl) RemoveNetwork(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *MockControl) RunContainer(ctx context.Context, spec model.ContainerSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *MockControl) Exec(ctx context.Context, c string, cmd []string) (*model.ExecResult, error) {
	args := m.Called(ctx, c, cmd)
	if v := args.Get(0); v != nil {
		return v.(*model.ExecResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockControl) Stop(ctx context.Context, c string) error {
	return m.Called(ctx, c).Error(0)
}

func (m *MockControl) Remove(ctx context.Context, c string) error {
	return m.Called(ctx, c).Error(0)
}

func (m *MockControl) IsRunning(ctx context.Context, c string) (bool, error) {
	args := m.Called(ctx, c)
	return args.Bool(0), args.Error(1)
}

func (m *MockControl) ListManaged(ctx context.Context) (containers, networks []model.ManagedResource, err error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		containers = v.([]model.ManagedResource)
	}
	if v := args.Get(1); v != nil {
		networks = v.([]model.ManagedResource)
	}
	return containers, networks, args.Error(2)
}
