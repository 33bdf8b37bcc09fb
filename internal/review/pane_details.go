package review

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// renderDetailsPane renders the selected record's verdict as markdown
func (m ReviewModel) renderDetailsPane(width, height int) string {
	content := m.detailsMarkdown()
	rendered, err := renderMarkdown(content, width-4)
	if err != nil {
		// Fallback to plain text if markdown rendering fails
		rendered = content
	}

	style := paneStyle
	if m.activePane == PaneDetails {
		style = style.BorderForeground(activeBorder)
	}
	return style.Width(width - 2).Height(height - 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("Details"), "", rendered))
}

func (m ReviewModel) detailsMarkdown() string {
	rec, ok := m.selected()
	if !ok {
		return "No record selected"
	}
	v := rec.Verdict

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** is %s\n\n", rec.CandidateID, rec.State)
	fmt.Fprintf(&b, "**Score:** %.1f  **Severity:** %s  **Confidence:** %d%%\n\n",
		v.Score, v.Severity, int(v.Confidence*100))
	if v.KnownBad {
		b.WriteString("Known-bad signature match\n\n")
	}

	if len(v.Signals) > 0 {
		b.WriteString("| Collector | Outcome | Score |\n|---|---|---|\n")
		for _, s := range v.Signals {
			fmt.Fprintf(&b, "| %s | %s | %.0f |\n", s.Kind, s.Outcome, s.Score)
		}
		b.WriteString("\n")
	}

	if len(v.Reasons) > 0 {
		b.WriteString("**Reasons:**\n")
		for _, r := range v.Reasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	if len(rec.History) > 0 {
		b.WriteString("**History:**\n")
		for _, h := range rec.History {
			from := string(h.From)
			if from == "" {
				from = "new"
			}
			fmt.Fprintf(&b, "- %s %s → %s", h.At.Local().Format("2006-01-02 15:04"), from, h.To)
			if h.Reason != "" {
				fmt.Fprintf(&b, " (%s)", h.Reason)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// renderMarkdown renders markdown text using glamour
func renderMarkdown(text string, width int) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}

	out, err := r.Render(text)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}
