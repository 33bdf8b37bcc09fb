package review

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/chris-regnier/warden/internal/quarantine"
)

// View implements tea.Model
func (m ReviewModel) View() string {
	if m.width == 0 || m.height == 0 {
		return m.summary() + "\n\nPress q to quit"
	}

	footer := m.help.View(m.keys)
	if m.status != "" {
		footer = dimStyle.Render(m.status) + "\n" + footer
	}
	bodyHeight := m.height - lipgloss.Height(footer) - 1
	if bodyHeight < 5 {
		bodyHeight = 5
	}

	listWidth := m.width / 3
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderRecordsPane(listWidth, bodyHeight),
		m.renderDetailsPane(m.width-listWidth, bodyHeight))

	return lipgloss.JoinVertical(lipgloss.Left, body, footer)
}

// summary counts records by state
func (m ReviewModel) summary() string {
	var flagged, quarantined int
	for _, r := range m.records {
		switch {
		case r.State == quarantine.StateFlagged:
			flagged++
		case r.Active():
			quarantined++
		}
	}
	return fmt.Sprintf("Quarantine review: %d flagged, %d quarantined, %d total",
		flagged, quarantined, len(m.records))
}
