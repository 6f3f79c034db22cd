package main

import (
	"context"

	"rigd/pkg/protocol"
	"rigd/pkg/store"

	"github.com/spf13/cobra"
)

// newReviewCmd creates the "rigd review" command group.
func newReviewCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Work the merge review queue",
	}
	cmd.AddCommand(
		newReviewSubmitCmd(opts),
		newReviewPopCmd(opts),
		newReviewCompleteCmd(opts),
		newReviewListCmd(opts),
		newReviewShowCmd(opts),
	)
	return cmd
}

func newReviewSubmitCmd(opts *globalOpts) *cobra.Command {
	var sp store.SubmitReviewParams
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Append a pending entry to the review queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				e, err := s.rig.SubmitReview(ctx, sp)
				if err != nil {
					return err
				}
				return p.emit(e, func() { p.review(e) })
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&sp.AgentID, "agent", "", "submitting agent id")
	f.StringVar(&sp.BeadID, "bead", "", "bead the work belongs to")
	f.StringVar(&sp.Branch, "branch", "", "branch to merge")
	f.StringVar(&sp.PRURL, "pr", "", "pull request url")
	f.StringVar(&sp.Summary, "summary", "", "summary of the change")
	for _, name := range []string{"agent", "bead", "branch"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newReviewPopCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "pop",
		Short: "Claim the oldest pending entry (null while one is running)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				e, err := s.rig.PopReview(ctx)
				if err != nil {
					return err
				}
				return p.emit(e, func() {
					if e == nil {
						p.line("%s", p.styles.Muted.Render("nothing to review"))
						return
					}
					p.review(e)
				})
			})
		},
	}
}

func newReviewCompleteCmd(opts *globalOpts) *cobra.Command {
	var res protocol.ReviewResult
	cmd := &cobra.Command{
		Use:   "complete ID merged|conflict|failed",
		Short: "Record the outcome of a claimed entry",
		Long: "merged closes the source bead. conflict fails the entry and opens a\n" +
			"high-priority escalation bead. failed only marks the entry.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res.Status = protocol.ReviewStatus(args[1])
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				out, err := s.rig.CompleteReviewWithResult(ctx, args[0], res)
				if err != nil {
					return err
				}
				return p.emit(out, func() {
					p.review(out.Entry)
					if out.Bead != nil {
						p.line("  bead:       %s %s", out.Bead.ID, p.styles.status(string(out.Bead.Status)))
					}
					if out.Escalation != nil {
						p.line("  escalation: %s %s", p.styles.Err.Render(out.Escalation.ID), out.Escalation.Title)
					}
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&res.Message, "message", "m", "", "result message")
	f.StringVar(&res.CommitSHA, "sha", "", "merge commit sha")
	return cmd
}

func newReviewListCmd(opts *globalOpts) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review entries in submission order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.ReviewFilter{Status: protocol.ReviewStatus(status)}
			if f.Status != "" && !f.Status.Valid() {
				return &protocol.ValidationError{Field: "review status", Value: status}
			}
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				entries, err := s.rig.ListReviewQueue(ctx, f)
				if err != nil {
					return err
				}
				return p.emit(entries, func() { p.reviews(entries) })
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	return cmd
}

func newReviewShowCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one review entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				e, err := s.rig.GetReviewEntry(ctx, args[0])
				if err != nil {
					return err
				}
				return p.emit(e, func() { p.review(e) })
			})
		},
	}
}
