package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/preloader/internal/config"
	"github.com/aristath/preloader/internal/events"
	"github.com/aristath/preloader/internal/scheduler"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneProgress
	paneCount
)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	progressPane ProgressPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	ctl          Controller
	width        int
	height       int
	quitting     bool
	showSettings bool
	status       string
}

// New creates a new TUI model for a prepared loader. It subscribes to all
// events from the event bus using SubscribeAll; report seeds the task list.
func New(eventBus *events.EventBus, report *scheduler.Report, ctl Controller, cfg *config.Config, savePath string) Model {
	return Model{
		taskPane:     NewTaskPaneModel(report),
		progressPane: NewProgressPaneModel(report),
		settingsPane: NewSettingsPaneModel(cfg, ctl, savePath),
		focusedPane:  PaneTasks,
		eventSub:     eventBus.SubscribeAll(256),
		ctl:          ctl,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is sent once the event subscription ends.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Settings is modal: it gets every key while open.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
			m.closeSettingsIfDone()
			return m, tea.Batch(cmds...)
		}

		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.Settings):
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case key.Matches(msg, keys.More):
			m.adjustConcurrency(+1)

		case key.Matches(msg, keys.Less):
			m.adjustConcurrency(-1)

		case key.Matches(msg, keys.NextPane):
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.PrevPane):
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case key.Matches(msg, keys.Tasks):
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case key.Matches(msg, keys.Progress):
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case events.TaskStartedEvent, events.TaskCompletedEvent, events.TaskFailedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.progressPane, _ = m.progressPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.ProgressEvent, events.ConcurrencyChangedEvent, events.RunFinishedEvent:
		m.progressPane, _ = m.progressPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case busClosedMsg:
		// Nothing more will arrive; stay open until the user quits.

	default:
		// Settings form internals (cursor blink and friends).
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
			m.closeSettingsIfDone()
		}
	}

	return m, tea.Batch(cmds...)
}

// closeSettingsIfDone leaves settings mode once the pane has hidden itself.
// The form completes on its own submit message as often as on a key.
func (m *Model) closeSettingsIfDone() {
	if !m.showSettings || m.settingsPane.IsVisible() {
		return
	}
	m.showSettings = false
	m.status = m.settingsPane.Status()
	if m.settingsPane.applied {
		m.progressPane.SetConcurrency(m.settingsPane.config.Concurrency)
	}
}

// adjustConcurrency nudges the budget by delta, never below 1.
func (m *Model) adjustConcurrency(delta int) {
	if m.ctl == nil {
		return
	}
	limit := max(m.progressPane.Concurrency()+delta, 1)
	if err := m.ctl.SetConcurrency(limit); err != nil {
		m.status = "concurrency: " + err.Error()
		return
	}
	m.progressPane.SetConcurrency(limit)
	m.settingsPane.config.Concurrency = limit
	m.status = ""
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showSettings {
		return m.settingsPane.View()
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.progressPane.View())

	help := HelpView()
	if m.status != "" {
		help = lipgloss.JoinHorizontal(lipgloss.Top, help, StyleHelp.Render("  ["+m.status+"]"))
	}

	return lipgloss.JoinVertical(lipgloss.Left, main, help)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 62) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
