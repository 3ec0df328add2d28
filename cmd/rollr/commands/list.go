package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/printer"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

type ListCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
	jobID  string
	status string
	limit  int
	format string
}

// NewListCommand returns the list command.
func NewListCommand(rootCmd *RootCommand, app *kingpin.Application) *ListCommand {
	c := &ListCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("list", "List the stored rollouts, newest first.")
	c.Cmd.Flag("task-id", "Only the rollouts of this task.").StringVar(&c.taskID)
	c.Cmd.Flag("job-id", "Only the rollouts of this job.").StringVar(&c.jobID)
	c.Cmd.Flag("status", "Only the rollouts with this status.").StringVar(&c.status)
	c.Cmd.Flag("limit", "Max number of rollouts, 0 lists all.").Default("50").IntVar(&c.limit)
	c.Cmd.Flag("format", "Output format.").Short('o').Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c ListCommand) Name() string { return c.Cmd.FullCommand() }

func (c ListCommand) Run(ctx context.Context) error {
	repo, closeRepo, err := newRepository(ctx, *c.rootCmd, false)
	if err != nil {
		return err
	}
	defer closeRepo()

	f := model.RolloutFilter{TaskID: c.taskID, JobID: c.jobID, Limit: c.limit}
	if c.status != "" {
		f.Statuses = []model.RolloutStatus{model.RolloutStatus(c.status)}
	}

	rs, err := repo.ListRollouts(ctx, f)
	if err != nil {
		return fmt.Errorf("could not list rollouts: %w", err)
	}

	p := newPrinter(c.format, *c.rootCmd)
	if len(rs) == 0 && c.format == formatTable {
		return p.PrintMessage("No rollouts found")
	}
	return p.PrintRollouts(rs)
}

type StatusCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id     string
	format string
}

// NewStatusCommand returns the status command.
func NewStatusCommand(rootCmd *RootCommand, app *kingpin.Application) *StatusCommand {
	c := &StatusCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("status", "Show the detail of a stored rollout.")
	c.Cmd.Arg("id", "Rollout ID.").Required().StringVar(&c.id)
	c.Cmd.Flag("format", "Output format.").Short('o').Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c StatusCommand) Name() string { return c.Cmd.FullCommand() }

func (c StatusCommand) Run(ctx context.Context) error {
	repo, closeRepo, err := newRepository(ctx, *c.rootCmd, false)
	if err != nil {
		return err
	}
	defer closeRepo()

	r, err := repo.GetRollout(ctx, c.id)
	if err != nil {
		return fmt.Errorf("could not get rollout: %w", err)
	}

	return newPrinter(c.format, *c.rootCmd).PrintRollout(*r)
}

func newPrinter(format string, root RootCommand) printer.Printer {
	if format == formatJSON {
		return printer.NewJSONPrinter(root.Stdout)
	}
	return printer.NewTablePrinter(root.Stdout)
}
