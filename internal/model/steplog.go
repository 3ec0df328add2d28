package model

import "time"

// StepLog is one reasoning/action step reported by a rollout worker.
// (RolloutID, StepNumber) is unique.
type StepLog struct {
	RolloutID  string
	StepNumber int
	Timestamp  time.Time
	Reasoning  string
	// Actions is the list of attempted operations serialized as JSON.
	Actions string
	// Screenshot is the base64 encoded visual snapshot of the step.
	Screenshot string
}
