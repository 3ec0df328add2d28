package model

// ComputeStats is the compute overview of the rollouts.
type ComputeStats struct {
	Total         int
	ByStatus      map[RolloutStatus]int
	InProgress    []Rollout
	Pending       []Rollout
	RecentSuccess []Rollout
	RecentFailed  []Rollout
	RecentErrored []Rollout
}
