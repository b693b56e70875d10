package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"ksched/internal/sim"
)

type progressModel struct {
	title   string
	events  <-chan sim.Event
	spinner spinner.Model
	prog    progress.Model
	items   []trackItem
	index   map[string]int
	failed  string
	width   int
	done    bool
}

type trackItem struct {
	name     string
	status   sim.Status
	detail   string
	fraction float64
}

type eventMsg sim.Event
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that renders one row per
// simulation track. Tracks not listed up front are appended on their first
// event.
func NewProgressModel(title string, tracks []string, events <-chan sim.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	m := &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		index:   make(map[string]int, len(tracks)),
		width:   80,
	}
	for _, t := range tracks {
		m.track(t)
	}
	return m
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(sim.Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		progressModel, cmd := m.prog.Update(msg)
		m.prog = progressModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	if len(m.items) == 0 {
		return ""
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := m.title
	switch {
	case m.done && m.failed != "":
		header = fmt.Sprintf("failed: %s (%s)", header, m.failed)
	case m.done:
		header = fmt.Sprintf("done: %s", header)
	default:
		header = fmt.Sprintf("%s %s", m.spinner.View(), header)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	statusWidth := 10
	nameWidth := 16
	detailWidth := m.width - statusWidth - nameWidth - 6
	if detailWidth < 10 {
		detailWidth = 10
	}

	for _, item := range m.items {
		status := styleStatus(item.status).Render(fmt.Sprintf("%10s", item.status))
		name := runewidth.FillRight(truncate(item.name, nameWidth), nameWidth)
		b.WriteString(fmt.Sprintf("  %s %s %s\n", status, name, truncate(item.detail, detailWidth)))
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")

	return b.String()
}

func (m *progressModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) track(name string) *trackItem {
	idx, ok := m.index[name]
	if !ok {
		idx = len(m.items)
		m.items = append(m.items, trackItem{name: name, status: sim.StatusQueued})
		m.index[name] = idx
	}
	return &m.items[idx]
}

func (m *progressModel) applyEvent(ev sim.Event) tea.Cmd {
	item := m.track(ev.Track)
	item.status = ev.Status
	item.fraction = ev.Fraction()
	item.detail = describe(ev)
	if ev.Status == sim.StatusError && m.failed == "" {
		m.failed = ev.Track
	}

	total := 0.0
	for _, it := range m.items {
		total += it.fraction
	}
	return m.prog.SetPercent(total / float64(len(m.items)))
}

func describe(ev sim.Event) string {
	switch {
	case ev.Err != nil:
		return ev.Err.Error()
	case ev.Total > 0:
		s := fmt.Sprintf("%d/%d", ev.Done, ev.Total)
		if ev.Detail != "" {
			s += " " + ev.Detail
		}
		return s
	case ev.Detail != "":
		return ev.Detail
	case ev.Done > 0:
		return fmt.Sprintf("%d", ev.Done)
	}
	return ""
}

func styleStatus(status sim.Status) lipgloss.Style {
	switch status {
	case sim.StatusDone:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case sim.StatusError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case sim.StatusWorking:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
