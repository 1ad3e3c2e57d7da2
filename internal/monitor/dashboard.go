// Package monitor renders a live terminal view of pipeline runs from their
// progress events.
package monitor

import (
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/arbiter/internal/events"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	// maxRuns bounds how many runs are kept and shown.
	maxRuns       = 5
	messageLength = 60
)

// Model is the BubbleTea dashboard model.
type Model struct {
	source     string
	events     <-chan events.Event
	runs       map[string]*Run
	order      []string // most recent first
	lastUpdate time.Time
	closed     bool
	quitting   bool

	spinner  spinner.Model
	progress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard fed by ch. source names what is being
// watched, typically the NATS subject.
func NewModel(source string, ch <-chan events.Event) Model {
	return Model{
		source: source,
		events: ch,
		runs:   make(map[string]*Run),
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(warningStyle),
		),
		progress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// Message types
type eventMsg events.Event
type closedMsg struct{}

// Init starts listening for events and animating the spinner.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.events),
		m.spinner.Tick,
	)
}

// waitForEvent blocks for the next event; a closed channel ends the feed.
func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "c":
			m.clearFinished()
			return m, nil
		}

	case eventMsg:
		m.apply(events.Event(msg))
		return m, waitForEvent(m.events)

	case closedMsg:
		m.closed = true
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) apply(ev events.Event) {
	if ev.RunID == "" {
		return
	}
	run, ok := m.runs[ev.RunID]
	if !ok {
		run = NewRun(ev.RunID)
		m.runs[ev.RunID] = run
		m.order = append([]string{ev.RunID}, m.order...)
		if len(m.order) > maxRuns {
			for _, id := range m.order[maxRuns:] {
				delete(m.runs, id)
			}
			m.order = m.order[:maxRuns]
		}
	}
	run.Apply(ev)
	m.lastUpdate = time.Now()
}

func (m *Model) clearFinished() {
	kept := m.order[:0]
	for _, id := range m.order {
		if m.runs[id].Outcome() == OutcomeRunning {
			kept = append(kept, id)
			continue
		}
		delete(m.runs, id)
	}
	m.order = kept
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	lastUpdate := "never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" arbiter watch ") + "\n")
	b.WriteString(dimStyle.Render("Subject: ") + valueStyle.Render(m.source) +
		"   " + dimStyle.Render("Last event: "+lastUpdate) + "\n")

	if len(m.order) == 0 {
		b.WriteString("\n" + m.spinner.View() + " " + dimStyle.Render("waiting for run events") + "\n")
	}
	for _, id := range m.order {
		b.WriteString(m.renderRun(m.runs[id]))
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[c]") + footerStyle.Render(" clear finished")
	if m.closed {
		footer += "  " + errorStyle.Render("subscription closed")
	}
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

func (m Model) renderRun(run *Run) string {
	var b strings.Builder
	outcome := run.Outcome()
	b.WriteString("\n" + sectionStyle.Render("┃ Run "+run.ID) + "  " +
		m.outcomeBadge(outcome) + "  " + dimStyle.Render(FormatDuration(run.Elapsed())) + "\n")

	b.WriteString(labelStyle.Render("  Progress: ") + m.progress.ViewAs(run.Progress()) + "\n")

	for _, st := range run.Steps() {
		line := "  " + m.stepBadge(st) + " " + labelStyle.Render(st.Label())
		if d := st.Duration(); d > 0 {
			line += " " + dimStyle.Render(FormatDuration(d))
		}
		if st.Message != "" {
			line += " " + dimStyle.Render(Truncate(st.Message, messageLength))
		}
		b.WriteString(line + "\n")
	}

	b.WriteString(labelStyle.Render("  Stage time: ") + createSparkline(run.Durations()) + "\n")
	return b.String()
}

func (m Model) stepBadge(st Step) string {
	switch st.Status {
	case events.StatusCompleted:
		return healthyStyle.Render("[✓]")
	case events.StatusFailed:
		return errorStyle.Render("[✗]")
	default:
		return "[" + m.spinner.View() + "]"
	}
}

func (m Model) outcomeBadge(o Outcome) string {
	switch o {
	case OutcomeAccepted:
		return healthyStyle.Render("✓ ACCEPTED")
	case OutcomeRejected:
		return warningStyle.Render("⚠ REJECTED")
	case OutcomeFailed:
		return errorStyle.Render("✗ FAILED")
	default:
		return m.spinner.View() + " " + valueStyle.Render("RUNNING")
	}
}

// createSparkline creates a sparkline chart from stage durations.
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render("no data")
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}
