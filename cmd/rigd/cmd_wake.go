package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"rigd/pkg/store"

	"github.com/spf13/cobra"
)

// newWakeCmd creates the "rigd wake" subcommand.
func newWakeCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Run one wake now: patrol, review, dispatch, rearm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				rep, err := s.rig.Wake(ctx)
				if err != nil {
					return err
				}
				return p.emit(rep, func() {
					st := p.styles
					p.line("%s", st.Header.Render("wake"))
					if rep.Patrol != nil {
						p.line("  patrol:   %d dead, %d stale, %d orphaned", len(rep.Patrol.DeadAgents),
							len(rep.Patrol.StaleAgents), len(rep.Patrol.OrphanedBeads))
					}
					p.line("  reclaimed: %d", len(rep.Reclaimed))
					if len(rep.InReview) > 0 {
						p.line("  in review: %d", len(rep.InReview))
					}
					switch {
					case rep.ReviewSkipped:
						p.line("  review:   %s", st.Muted.Render("skipped"))
					case rep.Review == nil:
						p.line("  review:   %s", st.Muted.Render("queue empty"))
					default:
						p.line("  review:   %s %s", rep.Review.Branch, st.status(string(rep.Review.Outcome)))
					}
					if rep.DispatchSkipped {
						p.line("  dispatch: %s", st.Muted.Render("skipped"))
					} else {
						p.line("  dispatch: %d started, %d failed", len(rep.Dispatched), len(rep.DispatchFailed))
					}
					if rep.Rearmed && rep.NextWake != nil {
						p.line("  next:     %s", rep.NextWake.Local().Format("15:04:05"))
					} else {
						p.line("  next:     %s", st.Muted.Render("idle"))
					}
					for _, e := range rep.Errors {
						p.line("  %s %s %s: %s", st.Err.Render("error"), e.Step, e.ID, e.Error)
					}
				})
			})
		},
	}
}

// statusSummary is what "rigd status" prints.
type statusSummary struct {
	Dir     string           `json:"dir"`
	Name    string           `json:"name"`
	TownID  string           `json:"town_id,omitempty"`
	Alarm   store.AlarmState `json:"alarm"`
	Beads   map[string]int   `json:"beads"`
	Agents  map[string]int   `json:"agents"`
	Reviews map[string]int   `json:"reviews"`
}

// newStatusCmd creates the "rigd status" subcommand.
func newStatusCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the rig: town, alarm and counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				snap, err := loadSnapshot(ctx, s.rig)
				if err != nil {
					return err
				}
				sum := statusSummary{
					Dir:     s.dir,
					Name:    s.cfg.Name,
					TownID:  snap.TownID,
					Alarm:   snap.Alarm,
					Beads:   map[string]int{},
					Agents:  map[string]int{},
					Reviews: map[string]int{},
				}
				for _, b := range snap.Beads {
					sum.Beads[string(b.Status)]++
				}
				for _, a := range snap.Agents {
					sum.Agents[string(a.Status)]++
				}
				for _, e := range snap.Reviews {
					sum.Reviews[string(e.Status)]++
				}
				return p.emit(sum, func() {
					st := p.styles
					p.line("%s %s", st.Header.Render(sum.Name), st.Muted.Render(sum.Dir))
					town := sum.TownID
					if town == "" {
						town = st.Warn.Render("unset (review and dispatch are skipped)")
					}
					p.line("  town:    %s", town)
					if snap.Alarm.Armed && snap.Alarm.WakeAt != nil {
						p.line("  alarm:   armed for %s", snap.Alarm.WakeAt.Local().Format("15:04:05"))
					} else {
						p.line("  alarm:   %s", st.Muted.Render("disarmed"))
					}
					p.line("  beads:   %s", formatCounts(sum.Beads))
					p.line("  agents:  %s", formatCounts(sum.Agents))
					p.line("  reviews: %s", formatCounts(sum.Reviews))
				})
			})
		},
	}
}

// newPatrolCmd creates the "rigd patrol" subcommand.
func newPatrolCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "patrol",
		Short: "Report dead agents, stale heartbeats and orphaned beads without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRig(opts, cmd, func(ctx context.Context, s *session, p *printer) error {
				rep, err := s.rig.Patrol(ctx)
				if err != nil {
					return err
				}
				return p.emit(rep, func() {
					if rep.Clean() {
						p.line("%s", p.styles.Ok.Render("all clear"))
						return
					}
					for _, id := range rep.DeadAgents {
						p.line("%s agent %s", p.styles.Err.Render("dead    "), id)
					}
					for _, id := range rep.StaleAgents {
						p.line("%s agent %s", p.styles.Warn.Render("stale   "), id)
					}
					for _, id := range rep.OrphanedBeads {
						p.line("%s bead  %s", p.styles.Warn.Render("orphaned"), id)
					}
				})
			})
		},
	}
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", m[k], k))
	}
	return strings.Join(parts, ", ")
}
