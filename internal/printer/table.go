package printer

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/slok/rollr/internal/model"
)

// TablePrinter prints rollout information in a table format.
type TablePrinter struct {
	writer io.Writer
	now    func() time.Time
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w, now: time.Now}
}

// PrintRollouts prints rollouts in a table format.
func (t *TablePrinter) PrintRollouts(rollouts []model.Rollout) error {
	if len(rollouts) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tTASK\tSTATUS\tPORT\tMATCHES\tCREATED")
	for _, r := range rollouts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.TaskID,
			r.Status,
			formatPort(r.Sandbox.Port),
			formatMatches(r.MatchesExpected),
			timeAgo(t.now(), r.CreatedAt),
		)
	}

	return nil
}

// PrintRollout prints the detail of a rollout.
func (t *TablePrinter) PrintRollout(r model.Rollout) error {
	fmt.Fprintf(t.writer, "ID:         %s\n", r.ID)
	fmt.Fprintf(t.writer, "Task:       %s\n", r.TaskID)
	if r.JobID != "" {
		fmt.Fprintf(t.writer, "Job:        %s\n", r.JobID)
	}
	fmt.Fprintf(t.writer, "Status:     %s\n", r.Status)
	fmt.Fprintf(t.writer, "Matches:    %s\n", formatMatches(r.MatchesExpected))
	if r.ContainerRef() != "" {
		fmt.Fprintf(t.writer, "Worker:     %s\n", r.ContainerRef())
	}
	fmt.Fprintf(t.writer, "Port:       %s\n", formatPort(r.Sandbox.Port))
	if r.LogPath != "" {
		fmt.Fprintf(t.writer, "Log:        %s\n", r.LogPath)
	}
	fmt.Fprintf(t.writer, "Created:    %s\n", FormatTimestamp(r.CreatedAt))
	if r.CompletedAt != nil {
		fmt.Fprintf(t.writer, "Completed:  %s (took %s)\n", FormatTimestamp(*r.CompletedAt), r.CompletedAt.Sub(r.CreatedAt).Round(time.Second))
	}
	if r.Error != "" {
		fmt.Fprintf(t.writer, "Error:      %s\n", r.Error)
	}
	if r.Result != "" {
		fmt.Fprintf(t.writer, "Result:\n%s\n", r.Result)
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func formatPort(p int) string {
	if p == 0 {
		return "-"
	}
	return strconv.Itoa(p)
}

func formatMatches(m *bool) string {
	switch {
	case m == nil:
		return "-"
	case *m:
		return "yes"
	default:
		return "no"
	}
}
