// Package provisionmock has testify mocks of the provisioning stages.
package provisionmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/slok/rollr/internal/provision"
)

// MockProvisioner is a mock of provision.Provisioner.
type MockProvisioner struct {
	mock.Mock
}

var _ provision.Provisioner = &MockProvisioner{}

func (m *MockProvisioner) Provision(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
