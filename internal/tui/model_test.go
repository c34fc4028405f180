package tui

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/preloader/internal/config"
	"github.com/aristath/preloader/internal/events"
	"github.com/aristath/preloader/internal/scheduler"
)

type fakeController struct {
	limits []int
	err    error
}

func (f *fakeController) SetConcurrency(n int) error {
	if f.err != nil {
		return f.err
	}
	f.limits = append(f.limits, n)
	return nil
}

func runeKey(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newTestModel(t *testing.T, ctl Controller, concurrency int) Model {
	t.Helper()
	return newSavingTestModel(t, ctl, concurrency, "")
}

// newSavingTestModel offers to save settings to savePath.
func newSavingTestModel(t *testing.T, ctl Controller, concurrency int, savePath string) Model {
	t.Helper()

	loader := scheduler.New(scheduler.WithConcurrency(concurrency))
	if err := loader.RegisterTask("users", "Users", 10, nil, nil); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}
	if err := loader.RegisterTask("teams", "Teams", 5, []string{"users"}, nil); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}

	bus := events.NewEventBus()
	t.Cleanup(bus.Close)

	cfg := config.DefaultConfig()
	cfg.Concurrency = concurrency

	m := New(bus, loader.Report(), ctl, cfg, savePath)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return updated.(Model)
}

func TestModelSeedsTasksFromReport(t *testing.T) {
	m := newTestModel(t, nil, 2)

	for _, id := range []string{"users", "teams"} {
		row, ok := m.taskPane.Row(id)
		if !ok {
			t.Fatalf("row %q missing", id)
		}
		if row.State != "pending" {
			t.Errorf("row %q state = %q, want pending", id, row.State)
		}
	}
	if got := m.progressPane.Concurrency(); got != 2 {
		t.Errorf("Concurrency() = %d, want 2", got)
	}
	if m.taskPane.SelectedID() != "users" {
		t.Errorf("SelectedID() = %q, want users", m.taskPane.SelectedID())
	}
}

func TestModelRoutesTaskEvents(t *testing.T) {
	m := newTestModel(t, nil, 2)
	now := time.Now()

	updated, cmd := m.Update(events.TaskStartedEvent{ID: "users", Label: "Users", Timestamp: now})
	m = updated.(Model)
	if cmd == nil {
		t.Error("expected a command to wait for the next event")
	}

	updated, _ = m.Update(events.TaskCompletedEvent{ID: "users", Label: "Users", Duration: 20 * time.Millisecond, Timestamp: now})
	m = updated.(Model)

	updated, _ = m.Update(events.TaskFailedEvent{ID: "teams", Label: "Teams", Error: "blocked", BlockedBy: "users", Timestamp: now})
	m = updated.(Model)

	users, _ := m.taskPane.Row("users")
	if users.State != "completed" {
		t.Errorf("users state = %q, want completed", users.State)
	}
	if users.Duration != 20*time.Millisecond {
		t.Errorf("users duration = %v, want 20ms", users.Duration)
	}
	teams, _ := m.taskPane.Row("teams")
	if teams.State != "blocked" {
		t.Errorf("teams state = %q, want blocked", teams.State)
	}
}

func TestModelProgressEvents(t *testing.T) {
	m := newTestModel(t, nil, 2)

	updated, _ := m.Update(events.ProgressEvent{ID: "users", Completed: 1, Total: 2, Pending: 1})
	m = updated.(Model)
	updated, _ = m.Update(events.ConcurrencyChangedEvent{Limit: 5})
	m = updated.(Model)
	updated, _ = m.Update(events.RunFinishedEvent{Total: 2, Completed: 2, Elapsed: time.Second})
	m = updated.(Model)

	if m.progressPane.settled != 1 || m.progressPane.completed != 1 {
		t.Errorf("settled=%d completed=%d, want 1/1", m.progressPane.settled, m.progressPane.completed)
	}
	if got := m.progressPane.Concurrency(); got != 5 {
		t.Errorf("Concurrency() = %d, want 5", got)
	}
	if !strings.Contains(m.View(), "Ready after") {
		t.Error("view should show the finished line")
	}
}

func TestModelConcurrencyKeys(t *testing.T) {
	ctl := &fakeController{}
	m := newTestModel(t, ctl, 1)

	updated, _ := m.Update(runeKey("+"))
	m = updated.(Model)
	updated, _ = m.Update(runeKey("="))
	m = updated.(Model)
	updated, _ = m.Update(runeKey("-"))
	m = updated.(Model)

	want := []int{2, 3, 2}
	if len(ctl.limits) != len(want) {
		t.Fatalf("limits = %v, want %v", ctl.limits, want)
	}
	for i := range want {
		if ctl.limits[i] != want[i] {
			t.Fatalf("limits = %v, want %v", ctl.limits, want)
		}
	}
	if got := m.progressPane.Concurrency(); got != 2 {
		t.Errorf("Concurrency() = %d, want 2", got)
	}
}

func TestModelConcurrencyNeverBelowOne(t *testing.T) {
	ctl := &fakeController{}
	m := newTestModel(t, ctl, 1)

	updated, _ := m.Update(runeKey("-"))
	m = updated.(Model)

	if len(ctl.limits) != 1 || ctl.limits[0] != 1 {
		t.Errorf("limits = %v, want [1]", ctl.limits)
	}
}

func TestModelConcurrencyErrorShowsStatus(t *testing.T) {
	ctl := &fakeController{err: errors.New("not prepared")}
	m := newTestModel(t, ctl, 2)

	updated, _ := m.Update(runeKey("+"))
	m = updated.(Model)

	if !strings.Contains(m.status, "not prepared") {
		t.Errorf("status = %q, want the controller error", m.status)
	}
	if got := m.progressPane.Concurrency(); got != 2 {
		t.Errorf("Concurrency() = %d, want unchanged 2", got)
	}
}

func TestModelFocusCycling(t *testing.T) {
	m := newTestModel(t, nil, 1)

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = updated.(Model)
	if m.focusedPane != PaneProgress {
		t.Errorf("focusedPane = %v, want PaneProgress", m.focusedPane)
	}

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = updated.(Model)
	if m.focusedPane != PaneTasks {
		t.Errorf("focusedPane = %v, want PaneTasks", m.focusedPane)
	}

	updated, _ = m.Update(runeKey("j"))
	m = updated.(Model)
	if m.taskPane.SelectedID() != "teams" {
		t.Errorf("SelectedID() = %q, want teams", m.taskPane.SelectedID())
	}
}

func TestModelSettingsToggle(t *testing.T) {
	m := newTestModel(t, nil, 1)

	updated, _ := m.Update(runeKey("s"))
	m = updated.(Model)
	if !m.showSettings || !m.settingsPane.IsVisible() {
		t.Fatal("settings should be open")
	}

	// Keys go to the form while it is open.
	updated, _ = m.Update(runeKey("q"))
	m = updated.(Model)
	if m.quitting {
		t.Fatal("q must not quit while settings are open")
	}

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = updated.(Model)
	if m.showSettings {
		t.Error("esc should close settings")
	}
}

// settle feeds msg to the model, then runs every command it returns and
// feeds the results back until nothing is left. Commands still running after
// a short wait (cursor blinks) are dropped.
func settle(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()

	queue := []tea.Msg{msg}
	for steps := 0; len(queue) > 0; steps++ {
		if steps > 200 {
			t.Fatal("model did not settle")
		}
		next := queue[0]
		queue = queue[1:]

		updated, cmd := m.Update(next)
		m = updated.(Model)
		queue = append(queue, runCmd(cmd)...)
	}
	return m
}

func runCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()

	select {
	case msg := <-done:
		if batch, ok := msg.(tea.BatchMsg); ok {
			var msgs []tea.Msg
			for _, c := range batch {
				msgs = append(msgs, runCmd(c)...)
			}
			return msgs
		}
		if msg == nil {
			return nil
		}
		return []tea.Msg{msg}
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func TestModelSettingsApplyAndSave(t *testing.T) {
	ctl := &fakeController{}
	path := filepath.Join(t.TempDir(), "config.yaml")
	m := newSavingTestModel(t, ctl, 4, path)

	updated, _ := m.Update(runeKey("s"))
	m = updated.(Model)
	if !m.showSettings {
		t.Fatal("settings should be open")
	}

	// Concurrency: "4" becomes "9".
	m = settle(t, m, tea.KeyMsg{Type: tea.KeyBackspace})
	m = settle(t, m, runeKey("9"))
	m = settle(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	// Timeout: replace the default with 1m.
	m = settle(t, m, tea.KeyMsg{Type: tea.KeyCtrlU})
	m = settle(t, m, runeKey("1m"))
	m = settle(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	// Save: yes.
	m = settle(t, m, runeKey("y"))
	for i := 0; m.showSettings && i < 3; i++ {
		m = settle(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	}
	if m.showSettings {
		t.Fatal("settings should close after submit")
	}

	if len(ctl.limits) != 1 || ctl.limits[0] != 9 {
		t.Errorf("SetConcurrency calls = %v, want [9]", ctl.limits)
	}
	if got := m.progressPane.Concurrency(); got != 9 {
		t.Errorf("progress Concurrency() = %d, want 9", got)
	}
	if got := m.settingsPane.config.BootstrapTimeout.Std(); got != time.Minute {
		t.Errorf("BootstrapTimeout = %v, want 1m", got)
	}
	if !strings.Contains(m.status, "saved") {
		t.Errorf("status = %q, want it to mention saving", m.status)
	}

	saved, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if saved.Concurrency != 9 {
		t.Errorf("saved Concurrency = %d, want 9", saved.Concurrency)
	}
	if saved.BootstrapTimeout.Std() != time.Minute {
		t.Errorf("saved BootstrapTimeout = %v, want 1m", saved.BootstrapTimeout)
	}
}

func TestModelSettingsCancelKeepsConfig(t *testing.T) {
	ctl := &fakeController{}
	m := newTestModel(t, ctl, 4)

	updated, _ := m.Update(runeKey("s"))
	m = updated.(Model)
	m = settle(t, m, tea.KeyMsg{Type: tea.KeyBackspace})
	m = settle(t, m, runeKey("7"))
	m = settle(t, m, tea.KeyMsg{Type: tea.KeyEsc})

	if m.showSettings {
		t.Fatal("esc should close settings")
	}
	if len(ctl.limits) != 0 {
		t.Errorf("SetConcurrency calls = %v, want none", ctl.limits)
	}
	if got := m.settingsPane.config.Concurrency; got != 4 {
		t.Errorf("Concurrency = %d, want 4", got)
	}
}

func TestModelQuit(t *testing.T) {
	m := newTestModel(t, nil, 1)

	updated, cmd := m.Update(runeKey("q"))
	m = updated.(Model)
	if !m.quitting {
		t.Error("quitting should be set")
	}
	if cmd == nil {
		t.Error("expected tea.Quit")
	}
	if m.View() != "" {
		t.Error("view should be empty after quit")
	}
}

func TestViewBeforeSize(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	m := New(bus, nil, nil, config.DefaultConfig(), "")
	if got := m.View(); got != "Initializing..." {
		t.Errorf("View() = %q", got)
	}
}
