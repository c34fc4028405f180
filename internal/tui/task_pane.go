package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/preloader/internal/events"
	"github.com/aristath/preloader/internal/scheduler"
)

// TaskRow is the display state of one bootstrap task.
type TaskRow struct {
	ID        string
	Label     string
	Priority  int
	DependsOn []string
	State     string // "pending", "running", "completed", "failed", "blocked"
	Log       []string
	Duration  time.Duration
}

// TaskPaneModel is the task list plus a detail viewport for the selection.
type TaskPaneModel struct {
	tasks       map[string]*TaskRow
	order       []string // registration order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

const listWidth = 28

// NewTaskPaneModel creates a task pane seeded with the plan in report.
func NewTaskPaneModel(report *scheduler.Report) TaskPaneModel {
	m := TaskPaneModel{
		tasks:    make(map[string]*TaskRow),
		viewport: viewport.New(0, 0),
	}
	if report != nil {
		for _, t := range report.Tasks {
			row := &TaskRow{
				ID:        t.ID,
				Label:     t.Label,
				Priority:  t.Priority,
				DependsOn: t.DependsOn,
				State:     t.State,
				Duration:  t.Duration,
			}
			if t.BlockedBy != "" {
				row.State = "blocked"
			}
			m.tasks[t.ID] = row
			m.order = append(m.order, t.ID)
		}
	}
	m.updateViewportContent()
	return m
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		row := m.row(msg.ID, msg.Label)
		row.State = "running"
		row.Log = append(row.Log, fmt.Sprintf("%s started", msg.Timestamp.Format("15:04:05.000")))
		m.refreshIfSelected(msg.ID)

	case events.TaskCompletedEvent:
		row := m.row(msg.ID, msg.Label)
		row.State = "completed"
		row.Duration = msg.Duration
		row.Log = append(row.Log, fmt.Sprintf("%s completed in %v", msg.Timestamp.Format("15:04:05.000"), msg.Duration.Round(time.Millisecond)))
		m.refreshIfSelected(msg.ID)

	case events.TaskFailedEvent:
		row := m.row(msg.ID, msg.Label)
		row.State = "failed"
		if msg.BlockedBy != "" {
			row.State = "blocked"
		}
		row.Duration = msg.Duration
		row.Log = append(row.Log, fmt.Sprintf("%s failed: %s", msg.Timestamp.Format("15:04:05.000"), msg.Error))
		m.refreshIfSelected(msg.ID)
	}

	return m, cmd
}

// row returns the row for id, adding it if the plan did not list it.
func (m *TaskPaneModel) row(id, label string) *TaskRow {
	if row, ok := m.tasks[id]; ok {
		return row
	}
	row := &TaskRow{ID: id, Label: label, State: "pending"}
	m.tasks[id] = row
	m.order = append(m.order, id)
	return row
}

func (m *TaskPaneModel) refreshIfSelected(id string) {
	if m.SelectedID() == id {
		m.updateViewportContent()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	detailWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(detailWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Nothing to load"))
	}
	for i, id := range m.order {
		row := m.tasks[id]
		name := row.Label
		if name == "" {
			name = row.ID
		}
		if len(name) > listWidth-4 {
			name = name[:listWidth-7] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(row.State), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled state indicator.
func StatusIcon(state string) string {
	icon := "○"
	switch state {
	case "running":
		icon = "●"
	case "completed":
		icon = "✓"
	case "failed":
		icon = "✗"
	case "blocked":
		icon = "⊘"
	}
	return stateStyle(state).Render(icon)
}

// SelectedID returns the ID of the selected task, or "".
func (m TaskPaneModel) SelectedID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Row returns the display state of id.
func (m TaskPaneModel) Row(id string) (TaskRow, bool) {
	row, ok := m.tasks[id]
	if !ok {
		return TaskRow{}, false
	}
	return *row, true
}

func (m *TaskPaneModel) updateViewportContent() {
	row, ok := m.tasks[m.SelectedID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", row.Label, row.ID)
	fmt.Fprintf(&b, "state:    %s\n", stateStyle(row.State).Render(row.State))
	fmt.Fprintf(&b, "priority: %d\n", row.Priority)
	if len(row.DependsOn) > 0 {
		fmt.Fprintf(&b, "after:    %s\n", strings.Join(row.DependsOn, ", "))
	}
	if row.Duration > 0 {
		fmt.Fprintf(&b, "took:     %v\n", row.Duration.Round(time.Millisecond))
	}
	if len(row.Log) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(row.Log, "\n"))
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
