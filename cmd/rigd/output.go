package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"rigd/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// printer writes command results: JSON when asked for or when stdout is not
// a terminal, styled text otherwise.
type printer struct {
	w      io.Writer
	json   bool
	styles styles
}

func (o *globalOpts) printer(cmd *cobra.Command) *printer {
	w := cmd.OutOrStdout()
	return &printer{w: w, json: o.jsonOut || !isTerminal(w), styles: newStyles(DefaultTheme())}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// emit prints v as JSON, or calls human to render it.
func (p *printer) emit(v any, human func()) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		return nil
	}
	human()
	return nil
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// --- Styling ---

// Theme defines the visual styling for rigd output and the dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

type styles struct {
	theme  Theme
	Header lipgloss.Style
	ID     lipgloss.Style
	Muted  lipgloss.Style
	Ok     lipgloss.Style
	Warn   lipgloss.Style
	Err    lipgloss.Style
}

func newStyles(t Theme) styles {
	return styles{
		theme:  t,
		Header: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		ID:     lipgloss.NewStyle().Foreground(t.Secondary),
		Muted:  lipgloss.NewStyle().Foreground(t.Muted),
		Ok:     lipgloss.NewStyle().Foreground(t.Success),
		Warn:   lipgloss.NewStyle().Foreground(t.Warning),
		Err:    lipgloss.NewStyle().Foreground(t.Error),
	}
}

// status colors a status word by how healthy it is.
func (s styles) status(v string) string {
	switch v {
	case string(protocol.BeadClosed), string(protocol.ReviewMerged), string(protocol.AgentWorking):
		return s.Ok.Render(v)
	case string(protocol.BeadInProgress), string(protocol.ReviewRunning), string(protocol.ReviewPending),
		string(protocol.AgentStalled), string(protocol.AgentBlocked):
		return s.Warn.Render(v)
	case string(protocol.BeadFailed), string(protocol.AgentDead), string(protocol.ReviewConflict):
		return s.Err.Render(v)
	default:
		return v
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func since(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return time.Since(*t).Round(time.Second).String() + " ago"
}

// --- Human renderers ---

func (p *printer) bead(b *protocol.Bead) {
	s := p.styles
	p.line("%s %s [%s] %s", s.ID.Render(b.ID), s.status(string(b.Status)), b.Type, b.Title)
	p.line("  priority: %s", b.Priority)
	if b.AssigneeAgentID != "" {
		p.line("  assignee: %s", b.AssigneeAgentID)
	}
	if len(b.Labels) > 0 {
		p.line("  labels:   %s", strings.Join(b.Labels, ", "))
	}
	if b.Body != "" {
		p.line("  %s", s.Muted.Render(b.Body))
	}
}

func (p *printer) beads(beads []protocol.Bead) {
	if len(beads) == 0 {
		p.line("%s", p.styles.Muted.Render("no beads"))
		return
	}
	for i := range beads {
		b := &beads[i]
		p.line("%s  %-11s  %-13s  %-8s  %s", p.styles.ID.Render(short(b.ID)), p.styles.status(string(b.Status)),
			b.Type, b.Priority, b.Title)
	}
}

func (p *printer) agent(a *protocol.Agent) {
	s := p.styles
	p.line("%s %s %s (%s)", s.ID.Render(a.ID), s.status(string(a.Status)), a.Name, a.Role)
	p.line("  identity:  %s", a.Identity)
	if a.CurrentHookBeadID != "" {
		p.line("  hook:      %s", a.CurrentHookBeadID)
	}
	p.line("  heartbeat: %s", since(a.LastActivityAt))
}

func (p *printer) agents(agents []protocol.Agent) {
	if len(agents) == 0 {
		p.line("%s", p.styles.Muted.Render("no agents"))
		return
	}
	for i := range agents {
		a := &agents[i]
		hook := a.CurrentHookBeadID
		if hook == "" {
			hook = "-"
		} else {
			hook = short(hook)
		}
		p.line("%s  %-8s  %-8s  %-9s  %s", p.styles.ID.Render(short(a.ID)), a.Role, p.styles.status(string(a.Status)),
			hook, a.Name)
	}
}

func (p *printer) mail(inbox []protocol.Mail) {
	if len(inbox) == 0 {
		p.line("%s", p.styles.Muted.Render("no new mail"))
		return
	}
	for _, m := range inbox {
		p.line("%s from %s: %s", p.styles.ID.Render(short(m.ID)), m.FromAgentID, p.styles.Header.Render(m.Subject))
		if m.Body != "" {
			p.line("  %s", m.Body)
		}
	}
}

func (p *printer) review(e *protocol.ReviewEntry) {
	s := p.styles
	p.line("%s %s %s (bead %s)", s.ID.Render(e.ID), s.status(string(e.Status)), e.Branch, e.BeadID)
	if e.ResultMessage != "" {
		p.line("  %s", e.ResultMessage)
	}
	if e.CommitSHA != "" {
		p.line("  commit: %s", e.CommitSHA)
	}
}

func (p *printer) reviews(entries []protocol.ReviewEntry) {
	if len(entries) == 0 {
		p.line("%s", p.styles.Muted.Render("review queue is empty"))
		return
	}
	for i := range entries {
		e := &entries[i]
		p.line("%s  %-8s  %-30s  bead %s", p.styles.ID.Render(short(e.ID)), p.styles.status(string(e.Status)),
			e.Branch, short(e.BeadID))
	}
}

func (p *printer) events(events []protocol.BeadEvent) {
	if len(events) == 0 {
		p.line("%s", p.styles.Muted.Render("no events"))
		return
	}
	for _, e := range events {
		change := e.NewValue
		if e.OldValue != "" {
			change = e.OldValue + " -> " + e.NewValue
		}
		p.line("%6d  %s  %-16s  bead %s  %s  %s", e.ID, e.CreatedAt.Local().Format(time.DateTime), e.Type,
			short(e.BeadID), p.styles.Muted.Render(e.AgentID), change)
	}
}
