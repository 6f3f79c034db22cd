package main

import (
	"context"
	"encoding/json"
	"fmt"

	"rigd/pkg/launcher"
	"rigd/pkg/protocol"
	"rigd/pkg/store"

	"github.com/spf13/cobra"
)

// newAgentCmd creates the "rigd agent" command group.
func newAgentCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Register and inspect agents",
	}
	cmd.AddCommand(
		newAgentRegisterCmd(opts),
		newAgentShowCmd(opts),
		newAgentListCmd(opts),
		newAgentStatusCmd(opts),
		newAgentHeartbeatCmd(opts),
		newAgentCheckpointCmd(opts),
		newAgentLogsCmd(opts),
	)
	return cmd
}

func newAgentRegisterCmd(opts *globalOpts) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "register ROLE IDENTITY",
		Short: "Register an agent (idempotent per identity)",
		Long: "Registers an idle agent. ROLE is polecat|refinery|mayor|witness.\n" +
			"Registering a known identity returns the existing agent unchanged.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				reg, err := s.rig.RegisterAgent(ctx, protocol.AgentRole(args[0]), name, args[1])
				if err != nil {
					return err
				}
				return p.emit(reg, func() {
					if !reg.Created {
						p.line("%s", p.styles.Muted.Render("already registered"))
					}
					p.agent(reg.Agent)
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (default identity)")
	return cmd
}

func newAgentShowCmd(opts *globalOpts) *cobra.Command {
	var byIdentity bool
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				var (
					a   *protocol.Agent
					err error
				)
				if byIdentity {
					a, err = s.rig.GetAgentByIdentity(ctx, args[0])
				} else {
					a, err = s.rig.GetAgent(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return p.emit(a, func() { p.agent(a) })
			})
		},
	}
	cmd.Flags().BoolVar(&byIdentity, "identity", false, "look the agent up by identity instead of id")
	return cmd
}

func newAgentListCmd(opts *globalOpts) *cobra.Command {
	var (
		f            store.AgentFilter
		role, status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents in registration order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Role = protocol.AgentRole(role)
			f.Status = protocol.AgentStatus(status)
			if f.Role != "" && !f.Role.Valid() {
				return &protocol.ValidationError{Field: "agent role", Value: role}
			}
			if f.Status != "" && !f.Status.Valid() {
				return &protocol.ValidationError{Field: "agent status", Value: status}
			}
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				agents, err := s.rig.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				return p.emit(agents, func() { p.agents(agents) })
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&role, "role", "r", "", "filter by role")
	fl.StringVarP(&status, "status", "s", "", "filter by status (stalled and blocked match each other)")
	fl.BoolVar(&f.Hooked, "hooked", false, "only agents holding a hook")
	return cmd
}

func newAgentStatusCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID STATUS",
		Short: "Set an agent's status: idle|working|stalled|blocked|dead",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				a, err := s.rig.UpdateAgentStatus(ctx, args[0], protocol.AgentStatus(args[1]))
				if err != nil {
					return err
				}
				return p.emit(a, func() { p.agent(a) })
			})
		},
	}
}

func newAgentHeartbeatCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat ID",
		Short: "Record agent activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				a, err := s.rig.TouchHeartbeat(ctx, args[0])
				if err != nil {
					return err
				}
				return p.emit(a, func() { p.agent(a) })
			})
		},
	}
}

func newAgentCheckpointCmd(opts *globalOpts) *cobra.Command {
	var clearIt bool
	cmd := &cobra.Command{
		Use:   "checkpoint ID [JSON]",
		Short: "Read or write an agent's recovery checkpoint",
		Long: "With JSON, stores it as the agent's checkpoint. Without, prints the\n" +
			"current checkpoint (null when none). --clear removes it.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				if len(args) == 2 || clearIt {
					var data json.RawMessage
					if len(args) == 2 {
						data = json.RawMessage(args[1])
					}
					a, err := s.rig.WriteCheckpoint(ctx, args[0], data)
					if err != nil {
						return err
					}
					return p.emit(a, func() { p.agent(a) })
				}
				cp, err := s.rig.Checkpoint(ctx, args[0])
				if err != nil {
					return err
				}
				if cp == nil {
					cp = json.RawMessage("null")
				}
				// The checkpoint is JSON already.
				_, err = fmt.Fprintln(p.w, string(cp))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&clearIt, "clear", false, "remove the checkpoint")
	return cmd
}

func newAgentLogsCmd(opts *globalOpts) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs ID",
		Short: "Print the tail of an agent's launcher output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out, err := launcher.TailLog(cfg.LogDir(dir), args[0], lines)
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			return p.emit(out, func() {
				for _, l := range out {
					p.line("%s", l)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines")
	return cmd
}
