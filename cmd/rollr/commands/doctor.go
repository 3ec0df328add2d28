package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/rollr/internal/container/docker"
	"github.com/slok/rollr/internal/model"
)

type DoctorCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
	sandbox *sandboxFlags
}

// NewDoctorCommand returns the doctor command.
func NewDoctorCommand(rootCmd *RootCommand, app *kingpin.Application) *DoctorCommand {
	c := &DoctorCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("doctor", "Run preflight checks of the container runtime and the sandbox images.")
	c.sandbox = registerSandboxFlags(c.Cmd)

	return c
}

func (c DoctorCommand) Name() string { return c.Cmd.FullCommand() }

func (c DoctorCommand) Run(ctx context.Context) error {
	out := c.rootCmd.Stdout

	profile, err := c.sandbox.loadProfile(ctx)
	if err != nil {
		return err
	}

	control, err := docker.NewControl(docker.ControlConfig{Logger: c.rootCmd.Logger})
	if err != nil {
		return fmt.Errorf("could not create docker control: %w", err)
	}

	results := control.Check(ctx, sandboxImages(profile, c.sandbox.seedStrategy))

	fmt.Fprintf(out, "\nChecking docker runtime...\n")
	for _, r := range results {
		fmt.Fprintf(out, "  %s %-20s %s\n", statusIcon(r.Status), r.ID, r.Message)
	}

	summary := model.CountByStatus(results)
	fmt.Fprintln(out)
	fmt.Fprintln(out, checkSummaryText(summary))

	if summary.Errors > 0 {
		return fmt.Errorf("preflight checks failed with %d error(s)", summary.Errors)
	}

	return nil
}

// sandboxImages returns the images every rollout sandbox runs, the shared server strategy
// runs no database container.
func sandboxImages(p model.SandboxProfile, seedStrategy string) []string {
	images := []string{p.App.Image, p.Worker.Image}
	if seedStrategy != seedStrategyTemplateClone {
		images = append([]string{p.Database.Image}, images...)
	}
	return images
}

func checkSummaryText(s model.CheckSummary) string {
	if s.Healthy() {
		return "All checks passed!"
	}

	var summary []string
	if s.Errors > 0 {
		summary = append(summary, fmt.Sprintf("%d error(s)", s.Errors))
	}
	if s.Warnings > 0 {
		summary = append(summary, fmt.Sprintf("%d warning(s)", s.Warnings))
	}
	return strings.Join(summary, ", ")
}

func statusIcon(status model.CheckStatus) string {
	switch status {
	case model.CheckStatusOK:
		return "OK"
	case model.CheckStatusWarning:
		return "!!"
	case model.CheckStatusError:
		return "XX"
	default:
		return "??"
	}
}
