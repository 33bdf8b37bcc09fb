package output

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/chris-regnier/warden/internal/verdict"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	severityStyles = map[verdict.Severity]lipgloss.Style{
		verdict.SeverityCritical: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000")),
		verdict.SeverityHigh:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8700")),
		verdict.SeverityMedium:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700")),
		verdict.SeverityLow:      lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#626262")).
			Padding(0, 1)
)

// PrettyFormatter renders the report for an interactive terminal: a styled
// severity summary followed by the markdown report rendered with glamour.
type PrettyFormatter struct {
	// Style is a glamour standard style name; empty selects one from the
	// terminal background.
	Style string
	// Width wraps the rendered report; zero means 100 columns.
	Width int
}

// Format produces pretty terminal output.
func (f *PrettyFormatter) Format(result *ScanOutput) ([]byte, error) {
	if result == nil || result.Report == nil {
		return nil, fmt.Errorf("pretty formatter: report is required")
	}
	width := f.Width
	if width <= 0 {
		width = 100
	}

	styleOpt := glamour.WithAutoStyle()
	if f.Style != "" {
		styleOpt = glamour.WithStandardStyle(f.Style)
	}
	renderer, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(width))
	if err != nil {
		return nil, fmt.Errorf("pretty formatter: %w", err)
	}

	var md strings.Builder
	writeMarkdown(&md, result, false)
	body, err := renderer.Render(md.String())
	if err != nil {
		return nil, fmt.Errorf("pretty formatter: %w", err)
	}

	var b strings.Builder
	b.WriteString(boxStyle.Render(summaryLine(result)))
	b.WriteString("\n")
	b.WriteString(body)
	return []byte(b.String()), nil
}

func summaryLine(result *ScanOutput) string {
	r := result.Report
	parts := []string{titleStyle.Render(fmt.Sprintf("warden: %d candidates", r.Total))}
	for _, sev := range severityOrder {
		if n := r.BySeverity[sev]; n > 0 {
			parts = append(parts, severityStyles[sev].Render(fmt.Sprintf("%d %s", n, sev)))
		}
	}
	if n := r.ByAction[verdict.ActionQuarantine]; n > 0 {
		parts = append(parts, severityStyles[verdict.SeverityCritical].Render(fmt.Sprintf("%d to quarantine", n)))
	}
	return strings.Join(parts, "  ")
}
