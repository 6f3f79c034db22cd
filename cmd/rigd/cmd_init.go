package main

import (
	"path/filepath"

	"rigd/pkg/config"
	"rigd/pkg/protocol"
	"rigd/pkg/store"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "rigd init" subcommand.
func newInitCmd(opts *globalOpts) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a rig directory with a default config and database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.ResolveRigDir(opts.rigDir)
			if err != nil {
				return err
			}
			written, err := config.WriteDefault(dir, name)
			if err != nil {
				return err
			}
			dbPath := filepath.Join(dir, protocol.DBFile)
			st, err := store.Open(cmd.Context(), dbPath, store.Options{})
			if err != nil {
				return err
			}
			if err := st.Close(); err != nil {
				return err
			}

			p := opts.printer(cmd)
			out := struct {
				Dir    string `json:"dir"`
				Config string `json:"config,omitempty"`
				DB     string `json:"db"`
			}{Dir: dir, Config: written, DB: dbPath}
			return p.emit(out, func() {
				p.line("%s %s", p.styles.Ok.Render("initialized rig"), dir)
				if written == "" {
					p.line("  config: %s", p.styles.Muted.Render("existing config kept"))
				} else {
					p.line("  config: %s", written)
				}
				p.line("  db:     %s", dbPath)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rig name written to the new config")
	return cmd
}

// newServeCmd creates the "rigd serve" subcommand.
func newServeCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rig actor and its wake scheduler until interrupted",
		Long: "Runs the rig in the foreground. The serving process owns the alarm:\n" +
			"it fires scheduled wakes, watches the rig directory for heartbeat files\n" +
			"and for alarms armed by one-shot commands, and requeues reviews left\n" +
			"running by an interrupted wake.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.open(ctx, cmd.ErrOrStderr(), serving)
			if err != nil {
				return err
			}
			defer s.Close()

			s.log.Info("serving rig", "dir", s.dir, "name", s.cfg.Name)
			<-ctx.Done()
			s.log.Info("shutting down")
			return nil
		},
	}
}
