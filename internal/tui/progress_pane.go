package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/preloader/internal/events"
	"github.com/aristath/preloader/internal/scheduler"
)

// ProgressPaneModel shows run counters, a progress bar and the budget.
type ProgressPaneModel struct {
	total       int
	settled     int
	completed   int
	running     int
	failed      int
	pending     int
	concurrency int
	finished    *events.RunFinishedEvent
	width       int
	height      int
	focused     bool
}

// NewProgressPaneModel creates a progress pane from the initial report.
func NewProgressPaneModel(report *scheduler.Report) ProgressPaneModel {
	m := ProgressPaneModel{}
	if report != nil {
		m.total = report.Total
		m.settled = report.Settled()
		m.completed = len(report.Completed)
		m.running = len(report.Running)
		m.failed = len(report.Failed) + len(report.Blocked)
		m.pending = len(report.Pending)
		m.concurrency = report.Concurrency
	}
	return m
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.TaskStartedEvent:
		m.running++
		m.pending = max(0, m.pending-1)

	case events.ProgressEvent:
		m.total = msg.Total
		m.settled = msg.Completed
		m.running = msg.Running
		m.failed = msg.Failed
		m.pending = msg.Pending
		m.completed = m.settled - m.failed

	case events.ConcurrencyChangedEvent:
		m.concurrency = msg.Limit

	case events.RunFinishedEvent:
		m.finished = &msg
	}

	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Bootstrap")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Total:       %d\n", m.total))
	b.WriteString(fmt.Sprintf("Completed:   %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", m.completed))))
	b.WriteString(fmt.Sprintf("Running:     %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", m.running))))
	b.WriteString(fmt.Sprintf("Failed:      %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", m.failed))))
	b.WriteString(fmt.Sprintf("Pending:     %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", m.pending))))
	b.WriteString(fmt.Sprintf("Concurrency: %d\n", m.concurrency))
	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-14, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := (m.failed * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, m.settled, m.total))
	}

	if m.finished != nil {
		b.WriteString("\n")
		b.WriteString(m.finishedLine())
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m ProgressPaneModel) finishedLine() string {
	f := m.finished
	elapsed := f.Elapsed.Round(time.Millisecond)
	switch {
	case f.Abandoned:
		return StyleStatusRunning.Render(fmt.Sprintf("Ready (forced) after %v, %d still loading", elapsed, f.Total-f.Completed-f.Failed-f.Blocked))
	case f.Failed+f.Blocked > 0:
		return StyleStatusFailed.Render(fmt.Sprintf("Ready after %v with %d failed, %d blocked", elapsed, f.Failed, f.Blocked))
	default:
		return StyleStatusComplete.Render(fmt.Sprintf("Ready after %v", elapsed))
	}
}

// Concurrency returns the budget last shown.
func (m ProgressPaneModel) Concurrency() int {
	return m.concurrency
}

// SetConcurrency records a budget applied from the UI before its event
// arrives.
func (m *ProgressPaneModel) SetConcurrency(n int) {
	m.concurrency = n
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
