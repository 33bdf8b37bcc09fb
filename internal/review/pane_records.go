package review

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/chris-regnier/warden/internal/quarantine"
)

var (
	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	activeBorder = lipgloss.Color("170")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	itemStyle = lipgloss.NewStyle().
			PaddingLeft(2)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("170")).
				Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	stateStyles = map[quarantine.State]lipgloss.Style{
		quarantine.StateFlagged:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		quarantine.StateQuarantined: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		quarantine.StateRestored:    lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		quarantine.StateRemoved:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
)

// renderRecordsPane renders the filtered record list
func (m ReviewModel) renderRecordsPane(width, height int) string {
	var b strings.Builder

	visible := m.visible()
	b.WriteString(headerStyle.Render(fmt.Sprintf("Records (%s)", m.filter)))
	b.WriteString("\n\n")

	if len(visible) == 0 {
		b.WriteString(dimStyle.Render("Nothing to review"))
	}
	for i, r := range visible {
		line := fmt.Sprintf("%s %s %s",
			r.CandidateID,
			stateStyles[r.State].Render(string(r.State)),
			dimStyle.Render(fmt.Sprintf("%.0f", r.Verdict.Score)))
		if i == m.current {
			b.WriteString(selectedItemStyle.Render("▸ " + line))
		} else {
			b.WriteString(itemStyle.Render(line))
		}
		b.WriteString("\n")
	}

	style := paneStyle
	if m.activePane == PaneRecords {
		style = style.BorderForeground(activeBorder)
	}
	return style.Width(width - 2).Height(height - 2).Render(b.String())
}
