package main

import (
	"context"
	"strings"

	"rigd/pkg/protocol"

	"github.com/spf13/cobra"
)

// newTownCmd creates the "rigd town" command group. The town id marks the
// rig as configured; until it is set, wakes skip review and dispatch.
func newTownCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "town",
		Short: "Show or set the rig's town id",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the town id",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
					id, err := s.rig.TownID(ctx)
					if err != nil {
						return err
					}
					return p.emit(townOut{TownID: id}, func() { p.town(id) })
				})
			},
		},
		&cobra.Command{
			Use:   "set ID",
			Short: "Set the town id and arm the scheduler",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id := strings.TrimSpace(args[0])
				if id == "" {
					return &protocol.ValidationError{Field: "town id", Value: args[0]}
				}
				return setTown(opts, cmd, id)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Clear the town id",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return setTown(opts, cmd, "")
			},
		},
	)
	return cmd
}

type townOut struct {
	TownID string `json:"town_id"`
}

func setTown(opts *globalOpts, cmd *cobra.Command, id string) error {
	return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
		if err := s.rig.SetTownID(ctx, id); err != nil {
			return err
		}
		return p.emit(townOut{TownID: id}, func() { p.town(id) })
	})
}

func (p *printer) town(id string) {
	if id == "" {
		p.line("%s", p.styles.Muted.Render("town not configured"))
		return
	}
	p.line("town %s", p.styles.ID.Render(id))
}
