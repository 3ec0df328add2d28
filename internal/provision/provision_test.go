package provision_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/provision"
	"github.com/slok/rollr/internal/provision/provisionmock"
)

func TestProvisionerChain(t *testing.T) {
	tests := map[string]struct {
		mock      func(provisioners []*provisionmock.MockProvisioner)
		count     int
		cancelled bool
		expErr    bool
	}{
		"An empty chain should succeed immediately.": {
			count:  0,
			mock:   func(provisioners []*provisionmock.MockProvisioner) {},
			expErr: false,
		},

		"A single provisioner that succeeds should succeed.": {
			count: 1,
			mock: func(provisioners []*provisionmock.MockProvisioner) {
				provisioners[0].On("Provision", mock.Anything).Once().Return(nil)
			},
			expErr: false,
		},

		"Multiple provisioners that all succeed should succeed.": {
			count: 3,
			mock: func(provisioners []*provisionmock.MockProvisioner) {
				provisioners[0].On("Provision", mock.Anything).Once().Return(nil)
				provisioners[1].On("Provision", mock.Anything).Once().Return(nil)
				provisioners[2].On("Provision", mock.Anything).Once().Return(nil)
			},
			expErr: false,
		},

		"A chain should stop and return error when a provisioner fails.": {
			count: 3,
			mock: func(provisioners []*provisionmock.MockProvisioner) {
				provisioners[0].On("Provision", mock.Anything).Once().Return(nil)
				provisioners[1].On("Provision", mock.Anything).Once().Return(fmt.Errorf("something broke"))
				// provisioners[2] should NOT be called.
			},
			expErr: true,
		},

		"A chain should stop if context is cancelled before a provisioner runs.": {
			count:     2,
			cancelled: true,
			mock:      func(provisioners []*provisionmock.MockProvisioner) {},
			expErr:    true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			ctx := context.TODO()
			if test.cancelled {
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(context.Background())
				cancel()
			}

			// Create mock provisioners.
			mocks := make([]*provisionmock.MockProvisioner, test.count)
			provisioners := make([]provision.Provisioner, test.count)
			for i := 0; i < test.count; i++ {
				m := &provisionmock.MockProvisioner{}
				mocks[i] = m
				provisioners[i] = m
			}

			test.mock(mocks)

			chain := provision.NewProvisionerChain(provisioners...)
			err := chain.Provision(ctx)

			if test.expErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
			}

			for _, m := range mocks {
				m.AssertExpectations(t)
			}
		})
	}
}

func TestProvisionerFunc(t *testing.T) {
	tests := map[string]struct {
		fn     provision.ProvisionerFunc
		expErr bool
	}{
		"A ProvisionerFunc that returns nil should succeed.": {
			fn:     func(_ context.Context) error { return nil },
			expErr: false,
		},

		"A ProvisionerFunc that returns an error should fail.": {
			fn:     func(_ context.Context) error { return fmt.Errorf("test error") },
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			err := test.fn.Provision(context.TODO())

			if test.expErr {
				assert.Error(err)
			} else {
				assert.NoError(err)
			}
		})
	}
}

func TestLogProvisioner(t *testing.T) {
	tests := map[string]struct {
		mock   func(m *provisionmock.MockProvisioner)
		expErr bool
	}{
		"A LogProvisioner wrapping a successful provisioner should succeed.": {
			mock: func(m *provisionmock.MockProvisioner) {
				m.On("Provision", mock.Anything).Once().Return(nil)
			},
			expErr: false,
		},

		"A LogProvisioner wrapping a failing provisioner should propagate the error.": {
			mock: func(m *provisionmock.MockProvisioner) {
				m.On("Provision", mock.Anything).Once().Return(fmt.Errorf("inner error"))
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			mp := &provisionmock.MockProvisioner{}
			test.mock(mp)

			p := provision.NewLogProvisioner("app", log.Noop, mp)
			err := p.Provision(context.TODO())

			if test.expErr {
				assert.ErrorContains(err, "app: inner error")
			} else {
				assert.NoError(err)
			}

			mp.AssertExpectations(t)
		})
	}
}
