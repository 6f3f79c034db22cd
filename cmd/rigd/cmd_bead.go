package main

import (
	"context"

	"rigd/pkg/protocol"
	"rigd/pkg/store"

	"github.com/spf13/cobra"
)

// newBeadCmd creates the "rigd bead" command group.
func newBeadCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bead",
		Short: "Create, inspect and update beads",
	}
	cmd.AddCommand(
		newBeadCreateCmd(opts),
		newBeadShowCmd(opts),
		newBeadListCmd(opts),
		newBeadStatusCmd(opts),
		newBeadCloseCmd(opts),
	)
	return cmd
}

func newBeadCreateCmd(opts *globalOpts) *cobra.Command {
	var (
		p        store.CreateBeadParams
		typ      string
		priority string
		meta     map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create TITLE",
		Short: "Create an open bead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Title = args[0]
			p.Type = protocol.BeadType(typ)
			p.Priority = protocol.Priority(priority)
			if len(meta) > 0 {
				p.Metadata = make(map[string]any, len(meta))
				for k, v := range meta {
					p.Metadata[k] = v
				}
			}
			return withRig(opts, cmd, func(ctx context.Context, s *session, pr *printer) error {
				b, err := s.rig.CreateBead(ctx, p)
				if err != nil {
					return err
				}
				return pr.emit(b, func() { pr.bead(b) })
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&typ, "type", "t", "", "issue|message|escalation|merge_request (default issue)")
	f.StringVarP(&priority, "priority", "p", "", "low|medium|high|critical (default medium)")
	f.StringVarP(&p.Body, "body", "b", "", "bead body")
	f.StringSliceVarP(&p.Labels, "label", "l", nil, "label (repeatable)")
	f.StringToStringVar(&meta, "meta", nil, "metadata key=value pairs")
	f.StringVar(&p.Assignee, "assignee", "", "agent id recorded as assignee")
	f.StringVar(&p.ActingAgentID, "as", "", "acting agent id recorded in the ledger")
	return cmd
}

func newBeadShowCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one bead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				b, err := s.rig.GetBead(ctx, args[0])
				if err != nil {
					return err
				}
				return p.emit(b, func() { p.bead(b) })
			})
		},
	}
}

func newBeadListCmd(opts *globalOpts) *cobra.Command {
	var (
		f           store.BeadFilter
		typ, status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List beads in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Type = protocol.BeadType(typ)
			f.Status = protocol.BeadStatus(status)
			if f.Type != "" && !f.Type.Valid() {
				return &protocol.ValidationError{Field: "bead type", Value: typ}
			}
			if f.Status != "" && !f.Status.Valid() {
				return &protocol.ValidationError{Field: "bead status", Value: status}
			}
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				beads, err := s.rig.ListBeads(ctx, f)
				if err != nil {
					return err
				}
				return p.emit(beads, func() { p.beads(beads) })
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&typ, "type", "t", "", "filter by type")
	fl.StringVarP(&status, "status", "s", "", "filter by status")
	fl.StringVar(&f.Assignee, "assignee", "", "filter by assignee agent id")
	fl.IntVar(&f.Limit, "limit", 0, "maximum beads to return (0 = all)")
	fl.IntVar(&f.Offset, "offset", 0, "beads to skip")
	return cmd
}

func newBeadStatusCmd(opts *globalOpts) *cobra.Command {
	var acting string
	cmd := &cobra.Command{
		Use:   "status ID STATUS",
		Short: "Move a bead to open|in_progress|closed|failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				b, err := s.rig.UpdateBeadStatus(ctx, args[0], protocol.BeadStatus(args[1]), acting)
				if err != nil {
					return err
				}
				return p.emit(b, func() { p.bead(b) })
			})
		},
	}
	cmd.Flags().StringVar(&acting, "as", "", "acting agent id recorded in the ledger")
	return cmd
}

func newBeadCloseCmd(opts *globalOpts) *cobra.Command {
	var acting string
	cmd := &cobra.Command{
		Use:   "close ID",
		Short: "Close a bead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				b, err := s.rig.CloseBead(ctx, args[0], acting)
				if err != nil {
					return err
				}
				return p.emit(b, func() { p.bead(b) })
			})
		},
	}
	cmd.Flags().StringVar(&acting, "as", "", "acting agent id recorded in the ledger")
	return cmd
}
