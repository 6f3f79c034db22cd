package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rigd/pkg/protocol"
	"rigd/pkg/rig"
	"rigd/pkg/store"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// snapshot is a point-in-time view of the rig.
type snapshot struct {
	TownID  string                 `json:"town_id,omitempty"`
	Alarm   store.AlarmState       `json:"alarm"`
	Beads   []protocol.Bead        `json:"beads"`
	Agents  []protocol.Agent       `json:"agents"`
	Reviews []protocol.ReviewEntry `json:"reviews"`
	Report  *rig.WakeReport        `json:"last_wake,omitempty"`
	At      time.Time              `json:"at"`
}

// loadSnapshot reads everything the status summary and the dash show.
func loadSnapshot(ctx context.Context, r *rig.Rig) (*snapshot, error) {
	var (
		s   = &snapshot{At: time.Now(), Report: r.LastWake()}
		err error
	)
	if s.TownID, err = r.TownID(ctx); err != nil {
		return nil, err
	}
	if s.Alarm, err = r.Alarm(ctx); err != nil {
		return nil, err
	}
	if s.Beads, err = r.ListBeads(ctx, store.BeadFilter{}); err != nil {
		return nil, err
	}
	if s.Agents, err = r.ListAgents(ctx, store.AgentFilter{}); err != nil {
		return nil, err
	}
	if s.Reviews, err = r.ListReviewQueue(ctx, store.ReviewFilter{}); err != nil {
		return nil, err
	}
	return s, nil
}

// tickMsg is sent on every refresh interval.
type tickMsg time.Time

// snapshotMsg carries a fetched snapshot or the error that prevented it.
type snapshotMsg struct {
	snap *snapshot
	err  error
}

// wokeMsg is sent after a wake triggered from the dash.
type wokeMsg struct {
	err error
}

const refreshInterval = 2 * time.Second

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// dashSource is what the dash reads from and pokes.
type dashSource interface {
	Snapshot(ctx context.Context) (*snapshot, error)
	Wake(ctx context.Context) error
}

// rigSource adapts a running rig to dashSource.
type rigSource struct {
	r *rig.Rig
}

func (s rigSource) Snapshot(ctx context.Context) (*snapshot, error) { return loadSnapshot(ctx, s.r) }

func (s rigSource) Wake(ctx context.Context) error {
	_, err := s.r.Wake(ctx)
	return err
}

// tab selects the table shown in the dash body.
type tab int

const (
	beadsTab tab = iota
	agentsTab
	reviewsTab
	tabCount
)

func (t tab) String() string {
	switch t {
	case agentsTab:
		return "Agents"
	case reviewsTab:
		return "Reviews"
	default:
		return "Beads"
	}
}

// KeyMap defines the dash key bindings.
type KeyMap struct {
	Next    key.Binding
	Prev    key.Binding
	Up      key.Binding
	Down    key.Binding
	Refresh key.Binding
	Wake    key.Binding
	Help    key.Binding
	Quit    key.Binding
}

// DefaultKeyMap returns the default dash key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Next: key.NewBinding(
			key.WithKeys("tab", "l", "right"),
			key.WithHelp("tab", "next table"),
		),
		Prev: key.NewBinding(
			key.WithKeys("shift+tab", "h", "left"),
			key.WithHelp("shift+tab", "prev table"),
		),
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Wake: key.NewBinding(
			key.WithKeys("w"),
			key.WithHelp("w", "wake now"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "esc", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp returns keybindings to show in the mini help view.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Wake, k.Refresh, k.Help, k.Quit}
}

// FullHelp returns keybindings for the expanded help view.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Next, k.Prev},
		{k.Refresh, k.Wake, k.Help, k.Quit},
	}
}

// dashModel is the Bubble Tea model for "rigd dash".
type dashModel struct {
	src    dashSource
	keys   KeyMap
	help   help.Model
	styles styles

	snap   *snapshot
	err    error
	tab    tab
	cursor int
	waking bool
	width  int
	height int
}

func newDashModel(src dashSource) dashModel {
	return dashModel{
		src:    src,
		keys:   DefaultKeyMap(),
		help:   help.New(),
		styles: newStyles(DefaultTheme()),
	}
}

func (m dashModel) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.src.Snapshot(context.Background())
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m dashModel) wakeCmd() tea.Cmd {
	return func() tea.Msg {
		return wokeMsg{err: m.src.Wake(context.Background())}
	}
}

// Init implements tea.Model.
func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd())
}

// Update implements tea.Model.
func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.cursor = min(m.cursor, max(m.rows()-1, 0))
		}

	case wokeMsg:
		m.waking = false
		m.err = msg.err
		return m, m.fetchCmd()

	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd())
	}
	return m, nil
}

func (m dashModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Next):
		m.tab = (m.tab + 1) % tabCount
		m.cursor = 0
	case key.Matches(msg, m.keys.Prev):
		m.tab = (m.tab + tabCount - 1) % tabCount
		m.cursor = 0
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < m.rows()-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchCmd()
	case key.Matches(msg, m.keys.Wake):
		if m.waking {
			return m, nil
		}
		m.waking = true
		return m, m.wakeCmd()
	}
	return m, nil
}

func (m dashModel) rows() int {
	if m.snap == nil {
		return 0
	}
	return m.countFor(m.tab)
}

// View implements tea.Model.
func (m dashModel) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n\n")

	switch {
	case m.snap == nil && m.err != nil:
		b.WriteString(m.styles.Err.Render("error: " + m.err.Error()))
	case m.snap == nil:
		b.WriteString(m.styles.Muted.Render("loading..."))
	default:
		b.WriteString(m.renderTable())
	}
	b.WriteString("\n\n")

	if m.snap != nil && m.err != nil {
		b.WriteString(m.styles.Err.Render("error: "+m.err.Error()) + "\n")
	}
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m dashModel) renderHeader() string {
	st := m.styles
	title := st.Header.Render("rigd")
	if m.snap == nil {
		return title
	}
	town := m.snap.TownID
	if town == "" {
		town = st.Warn.Render("no town")
	}
	alarm := st.Muted.Render("alarm off")
	if m.snap.Alarm.Armed && m.snap.Alarm.WakeAt != nil {
		alarm = "wake " + m.snap.Alarm.WakeAt.Local().Format("15:04:05")
	}
	if m.waking {
		alarm = st.Warn.Render("waking...")
	}
	parts := []string{title, town, alarm}
	if rep := m.snap.Report; rep != nil && len(rep.Errors) > 0 {
		parts = append(parts, st.Err.Render(fmt.Sprintf("%d wake errors", len(rep.Errors))))
	}
	return strings.Join(parts, "  ")
}

func (m dashModel) renderTabs() string {
	active := lipgloss.NewStyle().Bold(true).Underline(true).Foreground(m.styles.theme.Primary)
	parts := make([]string, 0, tabCount)
	for t := range tabCount {
		label := t.String()
		if m.snap != nil {
			label = fmt.Sprintf("%s (%d)", label, m.countFor(t))
		}
		if t == m.tab {
			parts = append(parts, active.Render(label))
		} else {
			parts = append(parts, m.styles.Muted.Render(label))
		}
	}
	return strings.Join(parts, "   ")
}

func (m dashModel) countFor(t tab) int {
	switch t {
	case agentsTab:
		return len(m.snap.Agents)
	case reviewsTab:
		return len(m.snap.Reviews)
	default:
		return len(m.snap.Beads)
	}
}

func (m dashModel) renderTable() string {
	var rows []string
	switch m.tab {
	case agentsTab:
		for i := range m.snap.Agents {
			a := &m.snap.Agents[i]
			hook := "-"
			if a.CurrentHookBeadID != "" {
				hook = short(a.CurrentHookBeadID)
			}
			rows = append(rows, fmt.Sprintf("%-8s  %-8s  %-20s  %-8s  %s", short(a.ID), a.Role,
				m.styles.status(string(a.Status)), hook, a.Name))
		}
	case reviewsTab:
		for i := range m.snap.Reviews {
			e := &m.snap.Reviews[i]
			rows = append(rows, fmt.Sprintf("%-8s  %-20s  %-30s  %s", short(e.ID),
				m.styles.status(string(e.Status)), e.Branch, short(e.BeadID)))
		}
	default:
		for i := range m.snap.Beads {
			bd := &m.snap.Beads[i]
			rows = append(rows, fmt.Sprintf("%-8s  %-20s  %-13s  %-8s  %s", short(bd.ID),
				m.styles.status(string(bd.Status)), bd.Type, bd.Priority, bd.Title))
		}
	}
	if len(rows) == 0 {
		return m.styles.Muted.Render("nothing here yet")
	}

	selected := lipgloss.NewStyle().Reverse(true)
	for i := range rows {
		if m.width > 0 {
			rows[i] = ansi.Truncate(rows[i], m.width, "…")
		}
		if i == m.cursor {
			rows[i] = selected.Render(rows[i])
		}
	}
	return strings.Join(rows, "\n")
}
