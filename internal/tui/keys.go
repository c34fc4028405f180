package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// keyMap lists the dashboard bindings.
type keyMap struct {
	NextPane key.Binding
	PrevPane key.Binding
	Tasks    key.Binding
	Progress key.Binding
	Up       key.Binding
	Down     key.Binding
	More     key.Binding
	Less     key.Binding
	Settings key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	NextPane: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
	PrevPane: key.NewBinding(key.WithKeys("shift+tab")),
	Tasks:    key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2", "jump to pane")),
	Progress: key.NewBinding(key.WithKeys("2")),
	Up:       key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("j/k", "select")),
	Down:     key.NewBinding(key.WithKeys("j", "down")),
	More:     key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+/-", "concurrency")),
	Less:     key.NewBinding(key.WithKeys("-")),
	Settings: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "settings")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// ShortHelp implements help.KeyMap. Bindings without help text are paired
// with one that has it.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPane, k.Tasks, k.Up, k.More, k.Settings, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// HelpView returns a one-line help bar.
func HelpView() string {
	h := help.New()
	h.ShortSeparator = " | "
	return StyleHelp.Render(h.View(keys))
}
