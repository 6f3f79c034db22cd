package main

import (
	"fmt"
	"path/filepath"
	"time"

	"rigd/pkg/config"
	"rigd/pkg/eventlog"
	"rigd/pkg/protocol"

	"github.com/spf13/cobra"
)

// newEventsCmd creates the "rigd events" subcommand. It reads the ledger
// through a read-only connection, so it never starts an actor.
func newEventsCmd(opts *globalOpts) *cobra.Command {
	var (
		q             eventlog.QueryOpts
		typ           string
		after, before string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the bead event ledger, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q.EventType = protocol.EventType(typ)
			if q.EventType != "" && !q.EventType.Valid() {
				return &protocol.ValidationError{Field: "event type", Value: typ}
			}
			var err error
			if q.After, err = parseTimeFlag("after", after); err != nil {
				return err
			}
			if q.Before, err = parseTimeFlag("before", before); err != nil {
				return err
			}
			if q.Limit < 0 {
				return &protocol.ValidationError{Field: "limit", Value: fmt.Sprint(q.Limit)}
			}

			dir, err := config.ResolveRigDir(opts.rigDir)
			if err != nil {
				return err
			}
			r, err := eventlog.NewReader(filepath.Join(dir, protocol.DBFile))
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			events, err := r.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			return p.emit(events, func() { p.events(events) })
		},
	}
	f := cmd.Flags()
	f.StringVar(&q.BeadID, "bead", "", "only events of this bead")
	f.StringVar(&q.AgentID, "agent", "", "only events by this acting agent")
	f.StringVarP(&typ, "type", "t", "", "only events of this type")
	f.StringVar(&after, "after", "", "only events at or after this RFC3339 time")
	f.StringVar(&before, "before", "", "only events at or before this RFC3339 time")
	f.IntVarP(&q.Limit, "limit", "n", 50, "maximum events (0 = all)")
	return cmd
}

func parseTimeFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, &protocol.ValidationError{Field: name, Value: v}
	}
	return &t, nil
}
