package review

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Pane    key.Binding
	Filter  key.Binding
	Approve key.Binding
	Restore key.Binding
	Remove  key.Binding
	Help    key.Binding
	Quit    key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k", "p"), key.WithHelp("↑/k", "previous")),
		Down:    key.NewBinding(key.WithKeys("down", "j", "n"), key.WithHelp("↓/j", "next")),
		Pane:    key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch pane")),
		Filter:  key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "cycle filter")),
		Approve: key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "quarantine")),
		Restore: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "restore")),
		Remove:  key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "remove")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Down, k.Approve, k.Restore, k.Remove, k.Filter, k.Quit}
}

// FullHelp implements help.KeyMap
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Pane},
		{k.Approve, k.Restore, k.Remove},
		{k.Filter, k.Help, k.Quit},
	}
}
