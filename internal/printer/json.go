package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/rollr/internal/model"
)

// JSONPrinter prints rollout information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// rolloutOutput is the printed rollout, the callback token is never printed.
type rolloutOutput struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	JobID           string     `json:"job_id,omitempty"`
	Status          string     `json:"status"`
	Result          string     `json:"result,omitempty"`
	ParsedResult    string     `json:"parsed_result,omitempty"`
	MatchesExpected *bool      `json:"matches_expected"`
	Error           string     `json:"error,omitempty"`
	LogPath         string     `json:"log_path,omitempty"`
	ContainerRef    string     `json:"container_ref,omitempty"`
	ExposedPort     int        `json:"exposed_port,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

func toRolloutOutput(r model.Rollout) rolloutOutput {
	return rolloutOutput{
		ID:              r.ID,
		TaskID:          r.TaskID,
		JobID:           r.JobID,
		Status:          string(r.Status),
		Result:          r.Result,
		ParsedResult:    r.ParsedResult,
		MatchesExpected: r.MatchesExpected,
		Error:           r.Error,
		LogPath:         r.LogPath,
		ContainerRef:    r.ContainerRef(),
		ExposedPort:     r.Sandbox.Port,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
	}
}

// PrintRollouts prints rollouts as a JSON array.
func (j *JSONPrinter) PrintRollouts(rollouts []model.Rollout) error {
	items := make([]rolloutOutput, 0, len(rollouts))
	for _, r := range rollouts {
		items = append(items, toRolloutOutput(r))
	}
	return j.encode(items)
}

// PrintRollout prints a rollout as a JSON object.
func (j *JSONPrinter) PrintRollout(r model.Rollout) error {
	return j.encode(toRolloutOutput(r))
}

// PrintMessage prints a message as a JSON object.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(map[string]string{"message": msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
