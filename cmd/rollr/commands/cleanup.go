package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/rollr/internal/app/cleanup"
)

type CleanupCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
	sandbox *sandboxFlags
}

// NewCleanupCommand returns the cleanup command.
func NewCleanupCommand(rootCmd *RootCommand, app *kingpin.Application) *CleanupCommand {
	c := &CleanupCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("cleanup", "Close the active rollouts and remove every sandbox the control plane owns.")
	c.sandbox = registerSandboxFlags(c.Cmd)

	return c
}

func (c CleanupCommand) Name() string { return c.Cmd.FullCommand() }

func (c CleanupCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	repo, closeRepo, err := newRepository(ctx, *c.rootCmd, false)
	if err != nil {
		return err
	}
	defer closeRepo()

	deps, err := c.sandbox.build(ctx, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	svc, err := cleanup.NewService(cleanup.ServiceConfig{
		Repository: repo,
		Control:    deps.control,
		Teardown:   deps.teardown,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create cleanup service: %w", err)
	}

	res, err := svc.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Closed %d rollout(s), removed %d container(s) and %d network(s)\n", res.ClosedRollouts, res.RemovedContainers, res.RemovedNetworks)

	return nil
}
