package output

import (
	"encoding/json"
	"fmt"

	"github.com/chris-regnier/warden/internal/metrics"
	"github.com/chris-regnier/warden/internal/scan"
)

// JSONFormatter renders the run report as indented JSON.
type JSONFormatter struct{}

type jsonDocument struct {
	*scan.Report
	Stats *metrics.AggregateStats `json:"stats,omitempty"`
}

// Format serializes the report, and stats when present, with a trailing newline.
func (f *JSONFormatter) Format(result *ScanOutput) ([]byte, error) {
	if result == nil || result.Report == nil {
		return nil, fmt.Errorf("json formatter: report is required")
	}
	data, err := json.MarshalIndent(jsonDocument{Report: result.Report, Stats: result.Stats}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("json formatter: %w", err)
	}
	return append(data, '\n'), nil
}
