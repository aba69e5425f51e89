// Package tui provides a full-screen picker for working through pending sync
// conflicts. Each conflict shows both sides; one keystroke keeps the local or
// the remote version. / narrows the list when there are many.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"todosync/internal/store"
)

// Item is one pending conflict in the picker.
type Item struct {
	ID          string
	LocalTitle  string
	RemoteTitle string
	LocalDue    string
	RemoteDue   string
	CreatedAt   time.Time

	// Resolved holds the side that won once the item has been handled.
	Resolved store.Resolution
}

// Resolver applies a chosen side for one conflict.
type Resolver interface {
	Resolve(ctx context.Context, userID, conflictID string, resolution store.Resolution) error
}

// Model is the picker state.
type Model struct {
	resolver Resolver
	userID   string
	ctx      context.Context

	items   []Item
	visible []int // indices into items after filtering

	cursor     int
	showDetail bool
	status     string
	resolving  bool

	filterInput textinput.Model
	filter      string
	filtering   bool

	width  int
	height int

	titleStyle    lipgloss.Style
	selectedStyle lipgloss.Style
	resolvedStyle lipgloss.Style
	detailStyle   lipgloss.Style
	helpStyle     lipgloss.Style
	errorStyle    lipgloss.Style
	statusStyle   lipgloss.Style
}

// Message types
type resolvedMsg struct {
	index      int
	resolution store.Resolution
}

type resolveErrMsg struct {
	index int
	err   error
}

// New creates a picker over the given conflicts.
func New(ctx context.Context, resolver Resolver, userID string, items []Item) *Model {
	fi := textinput.New()
	fi.Placeholder = "Filter conflicts..."
	fi.CharLimit = 64

	m := &Model{
		resolver:    resolver,
		userID:      userID,
		ctx:         ctx,
		items:       items,
		filterInput: fi,
		titleStyle: lipgloss.NewStyle().
			Bold(true),
		selectedStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		resolvedStyle: lipgloss.NewStyle().
			Strikethrough(true).
			Foreground(lipgloss.Color("240")),
		detailStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		helpStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		statusStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")),
	}
	m.applyFilter()
	return m
}

// applyFilter rebuilds the visible index set from the current filter text.
func (m *Model) applyFilter() {
	m.visible = nil
	needle := strings.ToLower(m.filter)
	for i, item := range m.items {
		if needle == "" ||
			strings.Contains(strings.ToLower(item.LocalTitle), needle) ||
			strings.Contains(strings.ToLower(item.RemoteTitle), needle) {
			m.visible = append(m.visible, i)
		}
	}
	if m.cursor >= len(m.visible) {
		m.cursor = 0
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

// pending counts items still awaiting a decision.
func (m *Model) pending() int {
	n := 0
	for _, it := range m.items {
		if it.Resolved == "" {
			n++
		}
	}
	return n
}

func (m *Model) resolve(resolution store.Resolution) tea.Cmd {
	if len(m.visible) == 0 || m.cursor >= len(m.visible) {
		return nil
	}
	index := m.visible[m.cursor]
	item := m.items[index]
	if item.Resolved != "" {
		m.status = "Already resolved; move to another conflict"
		return nil
	}
	if m.resolving {
		return nil
	}

	m.resolving = true
	return func() tea.Msg {
		if err := m.resolver.Resolve(m.ctx, m.userID, item.ID, resolution); err != nil {
			return resolveErrMsg{index: index, err: err}
		}
		return resolvedMsg{index: index, resolution: resolution}
	}
}

// advance moves the cursor to the next unresolved visible item, wrapping
// around. The cursor stays put when everything visible is settled.
func (m *Model) advance() {
	for i := 1; i <= len(m.visible); i++ {
		next := (m.cursor + i) % len(m.visible)
		if m.items[m.visible[next]].Resolved == "" {
			m.cursor = next
			return
		}
	}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case resolvedMsg:
		m.resolving = false
		m.items[msg.index].Resolved = msg.resolution
		title := m.items[msg.index].LocalTitle
		if msg.resolution == store.ResolutionRemote {
			title = m.items[msg.index].RemoteTitle
		}
		m.status = fmt.Sprintf("Kept %s: %s", msg.resolution, title)
		if m.pending() == 0 {
			return m, tea.Quit
		}
		m.advance()
		return m, nil

	case resolveErrMsg:
		m.resolving = false
		m.status = "error: " + msg.err.Error()
		return m, nil

	case tea.KeyMsg:
		if m.filtering {
			return m.handleFilterKey(msg)
		}

		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit

		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case "down", "j":
			if m.cursor < len(m.visible)-1 {
				m.cursor++
			}
			return m, nil

		case "enter", "d":
			m.showDetail = !m.showDetail
			return m, nil

		case "l":
			return m, m.resolve(store.ResolutionLocal)

		case "r":
			return m, m.resolve(store.ResolutionRemote)

		case "/":
			m.filtering = true
			m.filterInput.Reset()
			m.filterInput.SetValue(m.filter)
			m.filterInput.Focus()
			return m, textinput.Blink
		}
	}

	return m, nil
}

func (m *Model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		m.filter = m.filterInput.Value()
		m.applyFilter()
		m.filtering = false
		return m, nil

	case tea.KeyEsc:
		m.filter = ""
		m.applyFilter()
		m.filtering = false
		return m, nil
	}

	var cmd tea.Cmd
	m.filterInput, cmd = m.filterInput.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.width == 0 {
		m.width = 80
	}

	var b strings.Builder

	b.WriteString(m.titleStyle.Render(fmt.Sprintf("Sync conflicts (%d pending)", m.pending())))
	b.WriteString("\n\n")

	if m.filtering {
		b.WriteString(m.filterInput.View())
		b.WriteString("\n\n")
	}

	if len(m.items) == 0 {
		b.WriteString("No pending conflicts.\n")
	} else if len(m.visible) == 0 {
		b.WriteString(fmt.Sprintf("No conflicts match %q.\n", m.filter))
	}

	for vi, idx := range m.visible {
		item := m.items[idx]

		cursor := " "
		if vi == m.cursor {
			cursor = ">"
		}

		marker := "[ ]"
		switch item.Resolved {
		case store.ResolutionLocal:
			marker = "[L]"
		case store.ResolutionRemote:
			marker = "[R]"
		}

		title := item.LocalTitle
		if title == "" {
			title = item.RemoteTitle
		}
		line := fmt.Sprintf("%s %s %s", cursor, marker, title)
		if !item.CreatedAt.IsZero() {
			line += m.helpStyle.Render("  " + item.CreatedAt.Local().Format("2006-01-02 15:04"))
		}

		if item.Resolved != "" {
			line = m.resolvedStyle.Render(line)
		} else if vi == m.cursor {
			line = m.selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.showDetail && m.cursor < len(m.visible) {
		b.WriteString("\n")
		b.WriteString(m.renderDetail(m.items[m.visible[m.cursor]]))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.status != "" {
		if strings.HasPrefix(m.status, "error:") {
			b.WriteString(m.errorStyle.Render(m.status))
		} else {
			b.WriteString(m.statusStyle.Render(m.status))
		}
		b.WriteString("\n")
	}
	help := "j/k: move  l: keep local  r: keep remote  enter: details  /: filter  q: quit"
	if m.filtering {
		help = "enter: apply filter  esc: clear"
	} else if m.filter != "" {
		help = "filter: " + m.filter + "  " + help
	}
	b.WriteString(m.helpStyle.Render(help))
	b.WriteString("\n")

	return b.String()
}

func (m *Model) renderDetail(item Item) string {
	var b strings.Builder

	localTitle := item.LocalTitle
	if localTitle == "" {
		localTitle = "(deleted)"
	}
	b.WriteString("local:  " + localTitle)
	if item.LocalDue != "" {
		b.WriteString("  due " + item.LocalDue)
	}
	b.WriteString("\n")

	remoteTitle := item.RemoteTitle
	if remoteTitle == "" {
		remoteTitle = "(deleted)"
	}
	b.WriteString("remote: " + remoteTitle)
	if item.RemoteDue != "" {
		b.WriteString("  due " + item.RemoteDue)
	}

	return m.detailStyle.Render(b.String())
}

// Run drives the picker to completion on the caller's terminal.
func Run(ctx context.Context, resolver Resolver, userID string, items []Item) error {
	m := New(ctx, resolver, userID, items)
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
