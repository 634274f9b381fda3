package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up        key.Binding
	Down      key.Binding
	Open      key.Binding
	Back      key.Binding
	New       key.Binding
	Refresh   key.Binding
	Cancel    key.Binding
	Delete    key.Binding
	Quit      key.Binding
	ForceQuit key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Open: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "open"),
		),
		Back: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "back"),
		),
		New: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "new run"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "cancel"),
		),
		Delete: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "delete"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q"),
			key.WithHelp("q", "quit"),
		),
		ForceQuit: key.NewBinding(
			key.WithKeys("ctrl+c"),
		),
	}
}

// listKeys, detailKeys and friends pick the bindings shown per view
func (k keyMap) listKeys() []key.Binding {
	return []key.Binding{k.Open, k.New, k.Cancel, k.Delete, k.Refresh, k.Quit}
}

func (k keyMap) detailKeys() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Open, k.Cancel, k.Back}
}

func (k keyMap) newRunKeys() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Open, k.Back}
}

func (k keyMap) outputKeys() []key.Binding {
	return []key.Binding{k.Back}
}
