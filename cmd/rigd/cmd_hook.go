package main

import (
	"context"

	"rigd/pkg/store"

	"github.com/spf13/cobra"
)

// newHookCmd creates the "rigd hook" subcommand.
func newHookCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "hook AGENT BEAD",
		Short: "Bind a bead to an agent and arm the scheduler",
		Long: "Hooks BEAD onto AGENT: the bead moves to in_progress with AGENT as\n" +
			"assignee, and any previous hook of AGENT is released. Fails when the bead\n" +
			"is terminal or held by another live agent.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				b, err := s.rig.Hook(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return p.emit(b, func() {
					p.line("%s %s -> %s", p.styles.Ok.Render("hooked"), args[0], b.ID)
					p.bead(b)
				})
			})
		},
	}
}

// newUnhookCmd creates the "rigd unhook" subcommand.
func newUnhookCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "unhook AGENT",
		Short: "Release an agent's hook (the bead keeps its status)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				a, err := s.rig.Unhook(ctx, args[0])
				if err != nil {
					return err
				}
				return p.emit(a, func() { p.agent(a) })
			})
		},
	}
}

// newHookedCmd creates the "rigd hooked" subcommand.
func newHookedCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "hooked AGENT",
		Short: "Show the bead an agent is hooked to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				b, err := s.rig.Hooked(ctx, args[0])
				if err != nil {
					return err
				}
				return p.emit(b, func() {
					if b == nil {
						p.line("%s", p.styles.Muted.Render("no hook"))
						return
					}
					p.bead(b)
				})
			})
		},
	}
}

// newDoneCmd creates the "rigd done" subcommand.
func newDoneCmd(opts *globalOpts) *cobra.Command {
	var dp store.DoneParams
	cmd := &cobra.Command{
		Use:   "done AGENT",
		Short: "Submit an agent's hooked bead for review and unhook it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				e, err := s.rig.AgentDone(ctx, args[0], dp)
				if err != nil {
					return err
				}
				return p.emit(e, func() {
					p.line("%s", p.styles.Ok.Render("submitted for review"))
					p.review(e)
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&dp.Branch, "branch", "", "branch holding the agent's work")
	f.StringVar(&dp.PRURL, "pr", "", "pull request url")
	f.StringVar(&dp.Summary, "summary", "", "summary of the change")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}
