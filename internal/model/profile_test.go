package model_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/rollr/internal/model"
)

func TestSandboxProfileValidate(t *testing.T) {
	tests := map[string]struct {
		profile func() model.SandboxProfile
		expErr  bool
	}{
		"The default profile should be valid.": {
			profile: model.DefaultSandboxProfile,
		},
		"A missing worker image should fail.": {
			profile: func() model.SandboxProfile {
				p := model.DefaultSandboxProfile()
				p.Worker.Image = ""
				return p
			},
			expErr: true,
		},
		"A missing app port should fail.": {
			profile: func() model.SandboxProfile {
				p := model.DefaultSandboxProfile()
				p.App.Port = 0
				return p
			},
			expErr: true,
		},
		"A zero ready timeout should fail.": {
			profile: func() model.SandboxProfile {
				p := model.DefaultSandboxProfile()
				p.Database.ReadyTimeout = 0
				return p
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.profile().Validate()
			if test.expErr {
				assert.True(t, errors.Is(err, model.ErrNotValid))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestContainerSpecValidate(t *testing.T) {
	tests := map[string]struct {
		spec   model.ContainerSpec
		expErr bool
	}{
		"A profile with name and image should be valid.": {
			spec: model.ContainerSpec{Name: "c", Image: "i"},
		},
		"A missing name should fail.": {
			spec:   model.ContainerSpec{Image: "i"},
			expErr: true,
		},
		"A missing image should fail.": {
			spec:   model.ContainerSpec{Name: "c"},
			expErr: true,
		},
		"A port without container port should fail.": {
			spec:   model.ContainerSpec{Name: "c", Image: "i", Ports: []model.PortMapping{{HostPort: 8100}}},
			expErr: true,
		},
		"A mount without target should fail.": {
			spec:   model.ContainerSpec{Name: "c", Image: "i", Mounts: []model.Mount{{Source: "/a"}}},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.spec.Validate()
			if test.expErr {
				assert.ErrorIs(t, err, model.ErrNotValid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
