package main

import (
	"context"

	"rigd/pkg/store"

	"github.com/spf13/cobra"
)

// newMailCmd creates the "rigd mail" command group.
func newMailCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mail",
		Short: "Send and receive agent mail",
	}
	cmd.AddCommand(newMailSendCmd(opts), newMailCheckCmd(opts))
	return cmd
}

func newMailSendCmd(opts *globalOpts) *cobra.Command {
	var mp store.SendMailParams
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Queue a message for an agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				m, err := s.rig.SendMail(ctx, mp)
				if err != nil {
					return err
				}
				return p.emit(m, func() {
					p.line("%s %s to %s", p.styles.Ok.Render("queued"), p.styles.ID.Render(m.ID), m.ToAgentID)
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&mp.From, "from", "", "sender agent id")
	f.StringVar(&mp.To, "to", "", "recipient agent id")
	f.StringVarP(&mp.Subject, "subject", "s", "", "subject line")
	f.StringVarP(&mp.Body, "body", "b", "", "message body")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newMailCheckCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "check AGENT",
		Short: "Deliver and print an agent's undelivered mail",
		Long:  "Each message is returned once: checking marks it delivered.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				inbox, err := s.rig.CheckMail(ctx, args[0])
				if err != nil {
					return err
				}
				return p.emit(inbox, func() { p.mail(inbox) })
			})
		},
	}
}
