package output

import (
	"fmt"
	"strings"

	"github.com/chris-regnier/warden/internal/scan"
	"github.com/chris-regnier/warden/internal/signal"
	"github.com/chris-regnier/warden/internal/verdict"
)

// MarkdownFormatter renders the run report as GitHub-Flavored Markdown.
// Actionable verdicts get collapsible <details> sections; monitored
// candidates are only counted.
type MarkdownFormatter struct{}

var severityOrder = []verdict.Severity{
	verdict.SeverityCritical,
	verdict.SeverityHigh,
	verdict.SeverityMedium,
	verdict.SeverityLow,
}

func severityEmoji(s verdict.Severity) string {
	switch s {
	case verdict.SeverityCritical:
		return ":red_circle:"
	case verdict.SeverityHigh:
		return ":orange_circle:"
	case verdict.SeverityMedium:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// actionable returns the verdicts that need attention, in report order.
func actionable(r *scan.Report) []verdict.Verdict {
	var out []verdict.Verdict
	for _, v := range r.Verdicts {
		if v.Action != verdict.ActionMonitor {
			out = append(out, v)
		}
	}
	return out
}

// Format produces GFM Markdown output from the run report.
func (f *MarkdownFormatter) Format(result *ScanOutput) ([]byte, error) {
	if result == nil || result.Report == nil {
		return nil, fmt.Errorf("markdown formatter: report is required")
	}
	var b strings.Builder
	writeMarkdown(&b, result, true)
	return []byte(b.String()), nil
}

// writeMarkdown renders the report. With html set, findings are wrapped in
// <details> blocks; terminal renderers get plain headings instead.
func writeMarkdown(b *strings.Builder, result *ScanOutput, html bool) {
	r := result.Report
	flagged := actionable(r)

	b.WriteString("## Warden Scan Summary\n\n")
	fmt.Fprintf(b, "**Run:** `%s` | **Candidates:** %d | **Quarantine:** %d | **Alerts:** %d",
		r.RunID, r.Total, r.ByAction[verdict.ActionQuarantine], r.ByAction[verdict.ActionAlert])
	if r.Aborted > 0 {
		fmt.Fprintf(b, " | **Aborted:** %d", r.Aborted)
	}
	b.WriteString("\n")

	if len(flagged) == 0 {
		b.WriteString("\nNo suspicious candidates detected.\n")
	} else {
		b.WriteString("\n### Verdicts by Severity\n")
		b.WriteString("| Severity | Count |\n")
		b.WriteString("|----------|-------|\n")
		for _, sev := range severityOrder {
			if n := r.BySeverity[sev]; n > 0 {
				fmt.Fprintf(b, "| %s | %d |\n", sev, n)
			}
		}

		b.WriteString("\n### Findings\n\n")
		for _, v := range flagged {
			writeVerdict(b, v, html)
		}
	}

	if monitored := r.ByAction[verdict.ActionMonitor]; monitored > 0 {
		fmt.Fprintf(b, "%d candidates monitored without action.\n\n", monitored)
	}
	if len(r.AbortedIDs) > 0 {
		fmt.Fprintf(b, "Not evaluated: %s\n\n", strings.Join(r.AbortedIDs, ", "))
	}
	if result.Stats != nil && result.Stats.TotalScans > 0 {
		fmt.Fprintf(b, "Cache hit rate %.0f%%, p95 %.0fms per candidate.\n\n",
			result.Stats.CacheHitRate*100, result.Stats.P95TotalDurationMs)
	}

	b.WriteString("---\n")
	fmt.Fprintf(b, "*Generated by [Warden](%s) · profile v%d*\n", informationURI, r.ProfileVersion)
}

func writeVerdict(b *strings.Builder, v verdict.Verdict, html bool) {
	title := fmt.Sprintf("%s %s: score %.1f, %s", v.CandidateID, v.Severity, v.Score, v.Action)
	if html {
		b.WriteString("<details>\n")
		fmt.Fprintf(b, "<summary>%s <strong>%s</strong> %s (score %.1f, %s)</summary>\n\n",
			severityEmoji(v.Severity), v.Severity, v.CandidateID, v.Score, v.Action)
	} else {
		fmt.Fprintf(b, "#### %s\n\n", title)
	}

	fmt.Fprintf(b, "**Fingerprint:** `%s`  \n", v.Fingerprint)
	fmt.Fprintf(b, "**Confidence:** %.2f  \n", v.Confidence)
	if v.KnownBad {
		b.WriteString("**Known bad:** yes  \n")
	}

	if len(v.Signals) > 0 {
		b.WriteString("\n| Collector | Outcome | Score | Confidence | Evidence |\n")
		b.WriteString("|-----------|---------|-------|------------|----------|\n")
		for _, s := range v.Signals {
			fmt.Fprintf(b, "| %s | %s | %.1f | %.2f | %s |\n",
				s.Kind, s.Outcome, s.Score, s.Confidence, evidenceSummary(s))
		}
	}

	if len(v.Reasons) > 0 {
		b.WriteString("\n")
		for _, reason := range v.Reasons {
			fmt.Fprintf(b, "- %s\n", reason)
		}
	}

	if html {
		b.WriteString("\n</details>\n\n")
	} else {
		b.WriteString("\n")
	}
}

func evidenceSummary(s signal.Result) string {
	var parts []string
	if s.Evidence.Family != "" {
		parts = append(parts, s.Evidence.Family)
	}
	if len(s.Evidence.Patterns) > 0 {
		parts = append(parts, strings.Join(s.Evidence.Patterns, ", "))
	}
	if len(s.Evidence.Indicators) > 0 {
		parts = append(parts, truncate(strings.Join(s.Evidence.Indicators, ", "), 60))
	}
	if len(parts) == 0 {
		if s.Error != "" {
			return truncate(s.Error, 60)
		}
		return s.Evidence.Note
	}
	return strings.Join(parts, "; ")
}

// truncate shortens a string to maxLen characters, appending "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
