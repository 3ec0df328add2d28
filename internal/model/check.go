package model

// CheckStatus is the outcome of a doctor check.
type CheckStatus string

const (
	CheckStatusOK      CheckStatus = "ok"
	CheckStatusWarning CheckStatus = "warning"
	CheckStatusError   CheckStatus = "error"
)

// CheckResult is the result of a single doctor check on the container runtime.
type CheckResult struct {
	// ID groups results of the same check, e.g. "docker_daemon" or "image".
	ID      string
	Message string
	Status  CheckStatus
}

// CheckSummary counts check results by status.
type CheckSummary struct {
	OK       int
	Warnings int
	Errors   int
}

// Healthy is true when no check failed or warned.
func (s CheckSummary) Healthy() bool { return s.Warnings == 0 && s.Errors == 0 }

// CountByStatus summarizes check results, unknown statuses are ignored.
func CountByStatus(results []CheckResult) CheckSummary {
	var s CheckSummary
	for _, r := range results {
		switch r.Status {
		case CheckStatusOK:
			s.OK++
		case CheckStatusWarning:
			s.Warnings++
		case CheckStatusError:
			s.Errors++
		}
	}
	return s
}
