// Package printer prints the control plane state on the terminal.
package printer

import "github.com/slok/rollr/internal/model"

// Printer knows how to print rollout information in different formats.
type Printer interface {
	PrintRollouts(rollouts []model.Rollout) error
	PrintRollout(rollout model.Rollout) error
	PrintMessage(msg string) error
}
