package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/preloader/internal/config"
)

// Controller applies settings to the running bootstrap.
type Controller interface {
	SetConcurrency(n int) error
}

// SettingsPaneModel manages the settings form overlay.
type SettingsPaneModel struct {
	form     *huh.Form
	config   *config.Config
	ctl      Controller
	savePath string
	width    int
	height   int
	visible  bool
	applied  bool
	saved    bool
	err      error

	// Bound to the form by pointer so every copy of the model sees the
	// values huh writes.
	fields *settingsFields
}

// settingsFields holds the form values as huh edits them.
type settingsFields struct {
	concurrency string
	timeout     string
	save        bool
}

// NewSettingsPaneModel creates a new settings pane. An empty savePath hides
// the save option.
func NewSettingsPaneModel(cfg *config.Config, ctl Controller, savePath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:   cfg,
		ctl:      ctl,
		savePath: savePath,
	}
	m.buildForm()
	return m
}

func validateConcurrency(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a whole number")
	}
	if n < 1 {
		return fmt.Errorf("must be at least 1")
	}
	return nil
}

func validateTimeout(s string) error {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("use a duration like 30s or 1m")
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

// buildForm constructs the Huh form from the current config.
func (m *SettingsPaneModel) buildForm() {
	m.fields = &settingsFields{
		concurrency: strconv.Itoa(m.config.Concurrency),
		timeout:     m.config.BootstrapTimeout.String(),
	}

	fields := []huh.Field{
		huh.NewInput().
			Key("concurrency").
			Title("Concurrency").
			Description("Fetches in flight at once. Applies immediately.").
			Value(&m.fields.concurrency).
			Validate(validateConcurrency),

		huh.NewInput().
			Key("timeout").
			Title("Bootstrap Timeout").
			Description("Force the session ready after this long; 0s waits for every task. Applies to the next run.").
			Value(&m.fields.timeout).
			Validate(validateTimeout),
	}
	if m.savePath != "" {
		fields = append(fields, huh.NewConfirm().
			Key("save").
			Title("Save to " + m.savePath + "?").
			Value(&m.fields.save))
	}

	m.form = huh.NewForm(huh.NewGroup(fields...).Title("Bootstrap Settings"))
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.visible = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.apply()
		if m.err == nil {
			m.visible = false
		}
	}

	return m, cmd
}

// apply copies the form into the config, pushes the budget to the loader
// and saves if asked.
func (m *SettingsPaneModel) apply() error {
	n, err := strconv.Atoi(strings.TrimSpace(m.fields.concurrency))
	if err != nil {
		return fmt.Errorf("concurrency: %w", err)
	}
	d, err := time.ParseDuration(strings.TrimSpace(m.fields.timeout))
	if err != nil {
		return fmt.Errorf("timeout: %w", err)
	}

	m.config.Concurrency = n
	m.config.BootstrapTimeout = config.Duration(d)

	if m.ctl != nil {
		if err := m.ctl.SetConcurrency(n); err != nil {
			return fmt.Errorf("applying concurrency: %w", err)
		}
	}
	m.applied = true

	if m.fields.save && m.savePath != "" {
		if err := config.Save(m.config, m.savePath); err != nil {
			return err
		}
		m.saved = true
	}
	return nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	content := m.form.View()
	if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ %v", m.err))
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(max(m.width-4, 20)).
		Height(max(m.height-4, 5))

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(max(w-8, 20)).WithHeight(max(h-8, 5))
	}
}

// SetVisible shows or hides the settings pane. Showing rebuilds the form
// from the current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.applied = false
	m.saved = false
	m.err = nil

	if v {
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(max(m.width-8, 20)).WithHeight(max(m.height-8, 5))
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Status returns a short message about the last submission.
func (m SettingsPaneModel) Status() string {
	switch {
	case m.saved:
		return "settings applied and saved"
	case m.applied:
		return "settings applied"
	default:
		return ""
	}
}
