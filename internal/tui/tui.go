// Package tui renders a live run dashboard in the terminal. The model is
// fed by a progress.ChannelSink: run-level events move the weighted bar
// and the stage list, sampling events show up as the activity line.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	progressevents "github.com/gambtho/container-assist/internal/progress"
	"github.com/gambtho/container-assist/internal/workflow"
)

const barWidth = 40

// Lipgloss styles
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

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
)

type stageStatus int

const (
	statusPending stageStatus = iota
	statusRunning
	statusCompleted
	statusSkipped
	statusFailed
)

type stageRow struct {
	stage  workflow.Stage
	status stageStatus
}

// Config seeds the dashboard model.
type Config struct {
	SessionID string
	RepoPath  string

	// Events is the receive side of the run's ChannelSink.
	Events <-chan progressevents.Event
}

// Model is the BubbleTea model for one pipeline run.
type Model struct {
	sessionID string
	repoPath  string
	events    <-chan progressevents.Event

	stages   []stageRow
	percent  float64
	activity string

	bar       progress.Model
	spin      spinner.Model
	startedAt time.Time

	result   *workflow.Result
	runErr   error
	quitting bool
}

// NewModel creates a dashboard model with all stages pending.
func NewModel(cfg Config) Model {
	bar := progress.New(
		progress.WithGradient("#00ffff", "#00ff00"),
		progress.WithWidth(barWidth),
	)

	spin := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("51"))),
	)

	all := workflow.AllStages()
	stages := make([]stageRow, len(all))
	for i, st := range all {
		stages[i] = stageRow{stage: st}
	}

	return Model{
		sessionID: cfg.SessionID,
		repoPath:  cfg.RepoPath,
		events:    cfg.Events,
		stages:    stages,
		bar:       bar,
		spin:      spin,
		startedAt: time.Now(),
	}
}

// Message types
type eventMsg progressevents.Event
type eventsClosedMsg struct{}
type resultMsg *workflow.Result
type runFailedMsg error

// waitForEvent reads one progress event off the sink channel.
func waitForEvent(ch <-chan progressevents.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

// Init starts the spinner and the event pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitForEvent(m.events))
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case eventMsg:
		m.apply(progressevents.Event(msg))
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		// Sink closed; the result message ends the program.
		return m, nil

	case resultMsg:
		m.result = (*workflow.Result)(msg)
		m.reconcile()
		return m, tea.Quit

	case runFailedMsg:
		m.runErr = error(msg)
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

// apply folds one progress event into the model.
func (m *Model) apply(ev progressevents.Event) {
	if ev.Stage != "pipeline" {
		// Sampling milestone inside the current stage.
		m.activity = fmt.Sprintf("%s · %s %.0f%%", ev.Stage, ev.Step, ev.Percent)
		if ev.Message != "" {
			m.activity += "  " + ev.Message
		}
		return
	}

	m.percent = ev.Percent
	m.activity = ev.Message

	for i := range m.stages {
		if string(m.stages[i].stage) != ev.Step {
			continue
		}
		switch {
		case strings.HasPrefix(ev.Message, "starting"):
			m.stages[i].status = statusRunning
		case strings.HasPrefix(ev.Message, "completed"):
			m.stages[i].status = statusCompleted
		}
	}
}

// reconcile replaces the event-derived stage statuses with the
// authoritative outcome. Skips look like completions while the run is
// live; only the result distinguishes them.
func (m *Model) reconcile() {
	if m.result == nil {
		return
	}

	mark := func(stages []workflow.Stage, status stageStatus) {
		for _, st := range stages {
			for i := range m.stages {
				if m.stages[i].stage == st {
					m.stages[i].status = status
				}
			}
		}
	}
	mark(m.result.CompletedStages, statusCompleted)
	mark(m.result.SkippedStages, statusSkipped)
	mark(m.result.FailedStages, statusFailed)

	if m.result.Success {
		m.percent = 100
	}
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting && m.result == nil && m.runErr == nil {
		return ""
	}
	if m.runErr != nil {
		return m.renderRunError()
	}
	return m.renderDashboard()
}

func (m Model) renderRunError() string {
	header := headerStyle.Render(" container-assist ")

	var content string
	content += header + "\n\n"
	content += errorStyle.Render("✗ Run failed to start") + "\n\n"
	content += dimStyle.Render("Session: ") + valueStyle.Render(m.sessionID) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.runErr.Error()) + "\n"

	return containerStyle.Render(content)
}

func (m Model) renderDashboard() string {
	var content string

	header := headerStyle.Render(" container-assist ")
	content += header + "  " + dimStyle.Render(m.repoPath) + "\n"
	content += dimStyle.Render("Session: ") + valueStyle.Render(m.sessionID) + "\n\n"

	for _, row := range m.stages {
		content += "  " + m.renderStageRow(row) + "\n"
	}

	content += "\n" + labelStyle.Render("  Progress: ") +
		m.bar.ViewAs(m.percent/100) +
		" " + dimStyle.Render(fmt.Sprintf("%3.0f%%", m.percent)) + "\n"

	if m.result != nil {
		content += m.renderSummary()
	} else {
		if m.activity != "" {
			content += labelStyle.Render("  Activity: ") + valueStyle.Render(m.activity) + "\n"
		}
		elapsed := time.Since(m.startedAt).Round(time.Second)
		footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" abort  ") +
			footerStyle.Render(fmt.Sprintf("Elapsed: %s", elapsed))
		content += footer
	}

	return containerStyle.Render(content)
}

func (m Model) renderStageRow(row stageRow) string {
	name := fmt.Sprintf("%-12s", string(row.stage))

	switch row.status {
	case statusRunning:
		return m.spin.View() + " " + valueStyle.Render(name) + dimStyle.Render("running")
	case statusCompleted:
		return healthyStyle.Render("✓") + " " + valueStyle.Render(name) + dimStyle.Render("done")
	case statusSkipped:
		return warningStyle.Render("⚠") + " " + valueStyle.Render(name) + warningStyle.Render("skipped")
	case statusFailed:
		return errorStyle.Render("✗") + " " + valueStyle.Render(name) + errorStyle.Render("failed")
	default:
		return dimStyle.Render("○ " + name + "pending")
	}
}

func (m Model) renderSummary() string {
	var content string

	content += "\n"
	if m.result.Success {
		content += healthyStyle.Render("✓ Containerization succeeded") + "\n"
	} else {
		content += errorStyle.Render("✗ Containerization failed") + "\n"
	}

	content += labelStyle.Render("  Duration: ") +
		valueStyle.Render(m.result.Duration.Round(time.Millisecond).String()) + "\n"

	retries := 0
	for _, n := range m.result.Retries {
		retries += n
	}
	if retries > 0 {
		content += labelStyle.Render("  Retries: ") + valueStyle.Render(fmt.Sprintf("%d", retries)) + "\n"
	}

	if len(m.result.Artifacts) > 0 {
		names := make([]string, 0, len(m.result.Artifacts))
		for name := range m.result.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		content += labelStyle.Render("  Artifacts: ") + valueStyle.Render(strings.Join(names, ", ")) + "\n"
	}

	for _, werr := range m.result.Errors {
		content += errorStyle.Render("  ! "+werr.Error()) + "\n"
	}

	return content
}
