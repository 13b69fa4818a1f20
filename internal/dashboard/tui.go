// Package dashboard renders the terminal status view: backend health,
// breaker and governor state, queue depth, and the live event feed.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/meircohen/openclaw/internal/bus"
)

// refreshInterval is how often the view polls the snapshot.
const refreshInterval = 2 * time.Second

// eventFeedSize bounds the rendered event feed.
const eventFeedSize = 12

// Styles (muted terminal aesthetic)
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8b949e")) // mid gray

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7ec699")) // sage green

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4b106")) // amber

	badStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6e7681"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))
)

// BackendRow is one rendered backend line.
type BackendRow struct {
	Name         string
	Health       string
	BreakerState string
	WindowUsage  string
	SessionPct   float64
}

// Snapshot is the full state the dashboard renders.
type Snapshot struct {
	Backends    []BackendRow
	QueuedCount int
	ActiveCount int
	DoneCount   int
	Paused      bool
	TotalSaved  float64
}

// SnapshotFunc supplies the current snapshot.
type SnapshotFunc func() Snapshot

// Model is the bubbletea model for the dashboard.
type Model struct {
	snapshot SnapshotFunc
	events   *bus.Bus
	feed     []bus.Event
	current  Snapshot
	width    int
	quitting bool
}

// NewModel creates a dashboard model.
func NewModel(snapshot SnapshotFunc, events *bus.Bus) Model {
	m := Model{snapshot: snapshot, events: events}
	if snapshot != nil {
		m.current = snapshot()
	}
	if events != nil {
		m.feed = tail(events.Recent(), eventFeedSize)
	}
	return m
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tick()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		if m.snapshot != nil {
			m.current = m.snapshot()
		}
		if m.events != nil {
			m.feed = tail(m.events.Recent(), eventFeedSize)
		}
		return m, tick()
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("openclaw router"))
	if m.current.Paused {
		b.WriteString("  " + badStyle.Render("[paused]"))
	}
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-12s %-9s %-10s %-12s %s",
		"BACKEND", "HEALTH", "BREAKER", "WINDOW", "SESSION")))
	b.WriteString("\n")

	for _, row := range m.current.Backends {
		session := "-"
		if row.SessionPct > 0 {
			session = fmt.Sprintf("%.0f%%", row.SessionPct)
		}
		line := fmt.Sprintf("%-12s %-9s %-10s %-12s %s",
			row.Name, row.Health, row.BreakerState, row.WindowUsage, session)
		b.WriteString(styleForRow(row).Render(line))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("queue: %s queued, %s active, %s done   saved: %s\n",
		okStyle.Render(fmt.Sprintf("%d", m.current.QueuedCount)),
		warnStyle.Render(fmt.Sprintf("%d", m.current.ActiveCount)),
		dimStyle.Render(fmt.Sprintf("%d", m.current.DoneCount)),
		okStyle.Render(fmt.Sprintf("$%.2f", m.current.TotalSaved)),
	))

	if len(m.feed) > 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render("RECENT EVENTS"))
		b.WriteString("\n")
		for _, ev := range m.feed {
			ts := ev.Timestamp.Format("15:04:05")
			b.WriteString(dimStyle.Render(ts) + " " + string(ev.Type))
			if ev.Detail != "" {
				b.WriteString(dimStyle.Render(" " + ev.Detail))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\n" + helpStyle.Render("q: quit"))
	return b.String()
}

func styleForRow(row BackendRow) lipgloss.Style {
	switch {
	case row.BreakerState == "open" || row.Health == "dead":
		return badStyle
	case row.BreakerState == "half-open" || row.Health == "cold":
		return warnStyle
	default:
		return okStyle
	}
}

func tail(events []bus.Event, n int) []bus.Event {
	if len(events) <= n {
		return events
	}
	return events[len(events)-n:]
}
