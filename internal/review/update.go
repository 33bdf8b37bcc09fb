package review

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/chris-regnier/warden/internal/quarantine"
)

// actionMsg reports the outcome of a quarantine command
type actionMsg struct {
	verb   string
	id     string
	record quarantine.Record
	err    error
}

// Init implements tea.Model
func (m ReviewModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model
func (m ReviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case actionMsg:
		m.pending = false
		if msg.err != nil {
			m.status = fmt.Sprintf("%s %s failed: %v", msg.verb, msg.id, msg.err)
			return m, nil
		}
		m.replace(msg.record)
		m.status = fmt.Sprintf("%s is now %s", msg.id, msg.record.State)
		m.clamp()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Down):
			if n := len(m.visible()); n > 0 {
				m.current = (m.current + 1) % n
			}

		case key.Matches(msg, m.keys.Up):
			if n := len(m.visible()); n > 0 {
				m.current--
				if m.current < 0 {
					m.current = n - 1
				}
			}

		case key.Matches(msg, m.keys.Pane):
			m.activePane = (m.activePane + 1) % 2

		case key.Matches(msg, m.keys.Filter):
			m.filter = (m.filter + 1) % 3
			m.current = 0

		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll

		case key.Matches(msg, m.keys.Approve):
			return m.act("quarantine", quarantine.StateFlagged, Commander.RequestQuarantine)

		case key.Matches(msg, m.keys.Restore):
			return m.act("restore", quarantine.StateQuarantined, Commander.RequestRestore)

		case key.Matches(msg, m.keys.Remove):
			return m.act("remove", quarantine.StateQuarantined, Commander.RequestRemove)
		}
	}

	return m, nil
}

type request func(Commander, context.Context, string, string) (quarantine.Record, error)

// act dispatches a transition for the selected record when it is in the
// state the transition requires.
func (m ReviewModel) act(verb string, want quarantine.State, req request) (tea.Model, tea.Cmd) {
	rec, ok := m.selected()
	if !ok || m.pending || m.commander == nil {
		return m, nil
	}
	if rec.State != want {
		m.status = fmt.Sprintf("cannot %s %s: it is %s", verb, rec.CandidateID, rec.State)
		return m, nil
	}
	m.pending = true
	m.status = fmt.Sprintf("%s %s...", verb, rec.CandidateID)

	commander, id := m.commander, rec.CandidateID
	return m, func() tea.Msg {
		out, err := req(commander, context.Background(), id, verb+" from review")
		return actionMsg{verb: verb, id: id, record: out, err: err}
	}
}

// replace swaps in an updated record
func (m *ReviewModel) replace(rec quarantine.Record) {
	for i := range m.records {
		if m.records[i].CandidateID == rec.CandidateID {
			m.records[i] = rec
			return
		}
	}
	m.records = append(m.records, rec)
}

// clamp keeps the cursor inside the filtered list
func (m *ReviewModel) clamp() {
	n := len(m.visible())
	if m.current >= n {
		m.current = n - 1
	}
	if m.current < 0 {
		m.current = 0
	}
}
