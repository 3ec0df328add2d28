package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/rollr/internal/model"
)

func TestCountByStatus(t *testing.T) {
	tests := map[string]struct {
		results    []model.CheckResult
		expSummary model.CheckSummary
		expHealthy bool
	}{
		"No results should be healthy.": {
			expHealthy: true,
		},

		"Only OK results should be healthy.": {
			results: []model.CheckResult{
				{ID: "docker_daemon", Status: model.CheckStatusOK},
				{ID: "image", Status: model.CheckStatusOK},
			},
			expSummary: model.CheckSummary{OK: 2},
			expHealthy: true,
		},

		"Mixed results should be counted by status.": {
			results: []model.CheckResult{
				{ID: "docker_daemon", Status: model.CheckStatusOK},
				{ID: "image", Status: model.CheckStatusWarning},
				{ID: "image", Status: model.CheckStatusError},
				{ID: "image", Status: model.CheckStatusError},
				{ID: "other", Status: "unknown"},
			},
			expSummary: model.CheckSummary{OK: 1, Warnings: 1, Errors: 2},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			gotSummary := model.CountByStatus(test.results)
			assert.Equal(test.expSummary, gotSummary)
			assert.Equal(test.expHealthy, gotSummary.Healthy())
		})
	}
}
