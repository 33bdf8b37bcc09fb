// Package output renders scan results for terminals, pipelines and code
// scanning dashboards, and configures the process logger.
package output

import (
	"fmt"
	"strings"

	"github.com/chris-regnier/warden/internal/metrics"
	"github.com/chris-regnier/warden/internal/sarif"
	"github.com/chris-regnier/warden/internal/scan"
)

// Format names accepted by NewFormatter.
const (
	FormatPretty   = "pretty"
	FormatJSON     = "json"
	FormatSARIF    = "sarif"
	FormatMarkdown = "markdown"
)

// Formatter renders a ScanOutput into a byte slice in a specific format.
type Formatter interface {
	Format(result *ScanOutput) ([]byte, error)
}

// ScanOutput is everything a formatter may draw on for one run. SARIFLog
// and Stats are optional for formats that do not use them.
type ScanOutput struct {
	Report   *scan.Report
	SARIFLog *sarif.Log
	Stats    *metrics.AggregateStats
}

var formatters = map[string]func() Formatter{
	FormatPretty:   func() Formatter { return &PrettyFormatter{} },
	FormatJSON:     func() Formatter { return &JSONFormatter{} },
	FormatSARIF:    func() Formatter { return &SARIFFormatter{} },
	FormatMarkdown: func() Formatter { return &MarkdownFormatter{} },
}

// Formats lists the supported format names for help text and completion.
func Formats() []string {
	return []string{FormatPretty, FormatJSON, FormatSARIF, FormatMarkdown}
}

// ResolveFormat returns the explicit flag value when set, otherwise pretty
// for a terminal and json when stdout is piped.
func ResolveFormat(flagValue string, stdoutIsTTY bool) string {
	switch {
	case flagValue != "":
		return strings.ToLower(flagValue)
	case stdoutIsTTY:
		return FormatPretty
	default:
		return FormatJSON
	}
}

// NewFormatter returns the formatter registered under format.
func NewFormatter(format string) (Formatter, error) {
	mk, ok := formatters[format]
	if !ok {
		return nil, fmt.Errorf("unknown output format %q (supported: %s)", format, strings.Join(Formats(), ", "))
	}
	return mk(), nil
}
