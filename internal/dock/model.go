// Package dock is the terminal list of open sandbox viewers.
package dock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Agent states shown per row.
const (
	StatusReady       = "ready"
	StatusWorking     = "working"
	StatusStarting    = "starting"
	StatusUnreachable = "unreachable"
)

// Row is one docked viewer.
type Row struct {
	Dock      int
	SandboxID string
	Title     string
	StoryID   string
	Display   string
	Status    string
}

// Source supplies rows and closes sandboxes.
type Source interface {
	Snapshot(ctx context.Context) ([]Row, error)
	Close(ctx context.Context, sandboxID string) error
}

type snapshotMsg struct {
	rows []Row
	err  error
}

type closedMsg struct {
	id  string
	err error
}

// TickMsg triggers a refresh.
type TickMsg time.Time

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	readyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	startingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Model is the bubbletea model for the dock.
type Model struct {
	src      Source
	interval time.Duration
	rows     []Row
	cursor   int
	loading  bool
	closing  string
	err      error
	spin     spinner.Model
}

// New creates a dock refreshing every interval.
func New(src Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{src: src, interval: interval, loading: true, spin: sp}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.fetch(), m.tick())
}

func (m Model) fetch() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rows, err := src.Snapshot(ctx)
		return snapshotMsg{rows: rows, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) close(id string) tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return closedMsg{id: id, err: src.Close(ctx, id)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
		case "r":
			m.loading = true
			return m, m.fetch()
		case "x", "d":
			if m.closing == "" && m.cursor < len(m.rows) {
				m.closing = m.rows[m.cursor].SandboxID
				return m, m.close(m.closing)
			}
		}
	case snapshotMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.rows = msg.rows
			if m.cursor >= len(m.rows) {
				m.cursor = max(len(m.rows)-1, 0)
			}
		}
	case closedMsg:
		m.closing = ""
		m.err = msg.err
		m.loading = true
		return m, m.fetch()
	case TickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	header := fmt.Sprintf("deckhand dock: %d open", len(m.rows))
	b.WriteString(titleStyle.Render(header))
	if m.loading {
		b.WriteString(" " + m.spin.View())
	}
	b.WriteString("\n\n")

	if len(m.rows) == 0 {
		b.WriteString(dimStyle.Render("no open sandboxes") + "\n")
	}
	for i, r := range m.rows {
		marker := "  "
		title := r.Title
		if i == m.cursor {
			marker = "> "
			title = selectedStyle.Render(title)
		}
		line := fmt.Sprintf("%s#%d %s  %s", marker, r.Dock, title, statusStyle(r.Status).Render(r.Status))
		if r.StoryID != "" {
			line += dimStyle.Render("  story " + r.StoryID)
		}
		if r.SandboxID == m.closing {
			line += dimStyle.Render("  closing...")
		}
		b.WriteString(line + "\n")
		if r.Display != "" {
			b.WriteString(dimStyle.Render("     "+r.Display) + "\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("error: "+m.err.Error()) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("j/k move  x close  r refresh  q quit"))
	return b.String()
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case StatusReady:
		return readyStyle
	case StatusStarting, StatusWorking:
		return startingStyle
	default:
		return errorStyle
	}
}
