package main

import (
	"errors"

	"rigd/internal/version"
	"rigd/pkg/protocol"

	"github.com/spf13/cobra"
)

// globalOpts holds the persistent flags shared by every subcommand.
type globalOpts struct {
	rigDir   string
	jsonOut  bool
	logLevel string
}

// newRootCmd creates the root rigd command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	cmd := &cobra.Command{
		Use:   "rigd",
		Short: "Single-rig work coordination engine",
		Long: "rigd tracks beads (units of work), the agents that hold them, agent mail,\n" +
			"and the review queue for one rig, and runs the wake scheduler that\n" +
			"dispatches hooked agents and merges reviewed branches.",
		Version:       "rigd " + version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.rigDir, "rig", "", "rig directory (default $RIG_HOME or ./.rig)")
	pf.BoolVar(&opts.jsonOut, "json", false, "print JSON even on a terminal")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug|info|warn|error (default from config)")

	cmd.AddCommand(
		newInitCmd(opts),
		newServeCmd(opts),
		newWakeCmd(opts),
		newStatusCmd(opts),
		newDashCmd(opts),
		newBeadCmd(opts),
		newAgentCmd(opts),
		newHookCmd(opts),
		newUnhookCmd(opts),
		newHookedCmd(opts),
		newDoneCmd(opts),
		newMailCmd(opts),
		newReviewCmd(opts),
		newPatrolCmd(opts),
		newEventsCmd(opts),
		newTownCmd(opts),
	)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	wrapArgs(cmd)
	return cmd
}

// usageError marks a flag or argument error from cobra.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// wrapArgs makes every positional-argument check in the tree return a
// usageError.
func wrapArgs(c *cobra.Command) {
	if check := c.Args; check != nil {
		c.Args = func(cmd *cobra.Command, args []string) error {
			if err := check(cmd, args); err != nil {
				return usageError{err: err}
			}
			return nil
		}
	}
	for _, sub := range c.Commands() {
		wrapArgs(sub)
	}
}

// Exit codes. Usage and validation errors exit 2, missing entities 3,
// illegal state transitions 4.
const (
	exitFailure      = 1
	exitUsage        = 2
	exitNotFound     = 3
	exitInvalidState = 4
)

func exitCode(err error) int {
	var ue usageError
	switch {
	case errors.As(err, &ue), errors.Is(err, protocol.ErrValidation):
		return exitUsage
	case errors.Is(err, protocol.ErrNotFound):
		return exitNotFound
	case errors.Is(err, protocol.ErrInvalidState):
		return exitInvalidState
	default:
		return exitFailure
	}
}
