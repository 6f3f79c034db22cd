package main

import (
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// newDashCmd creates the "rigd dash" subcommand.
func newDashCmd(opts *globalOpts) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "dash",
		Short: "Live dashboard of beads, agents and the review queue",
		Long: "Opens an interactive dashboard refreshed every few seconds. --once\n" +
			"prints a single snapshot instead (JSON with --json or when piped).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			// The TUI owns the terminal, so the actor logs nowhere.
			logOut := io.Discard
			if once {
				logOut = cmd.ErrOrStderr()
			}
			s, err := opts.open(ctx, logOut, oneShot)
			if err != nil {
				return err
			}
			defer s.Close()

			src := rigSource{r: s.rig}
			if once {
				snap, err := src.Snapshot(ctx)
				if err != nil {
					return err
				}
				p := opts.printer(cmd)
				return p.emit(snap, func() {
					m := newDashModel(src)
					m.snap = snap
					fmt.Fprintln(p.w, m.View())
				})
			}

			prog := tea.NewProgram(newDashModel(src), tea.WithAltScreen(), tea.WithContext(ctx),
				tea.WithOutput(cmd.OutOrStdout()))
			if _, err := prog.Run(); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "print one snapshot and exit")
	return cmd
}
