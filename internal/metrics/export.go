package metrics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

// Export formats understood by Exporter.Write.
const (
	ExportJSON = "json"
	ExportCSV  = "csv"
	ExportText = "text"
)

// Exporter writes the collector's stats and recent events for offline use.
type Exporter struct {
	collector *Collector
	now       func() time.Time
}

// NewExporter creates a new metrics exporter
func NewExporter(collector *Collector) *Exporter {
	return &Exporter{collector: collector, now: time.Now}
}

// FormatForPath picks an export format from a file extension: .csv, .txt
// or anything else as JSON.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ExportCSV
	case ".txt":
		return ExportText
	default:
		return ExportJSON
	}
}

// ExportFile writes metrics to path in the format its extension implies,
// creating parent directories as needed.
func (e *Exporter) ExportFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := e.Write(f, FormatForPath(path)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write renders metrics to w in format.
func (e *Exporter) Write(w io.Writer, format string) error {
	switch format {
	case ExportJSON:
		return e.writeJSON(w)
	case ExportCSV:
		return e.writeCSV(w)
	case ExportText:
		return e.writeText(w)
	default:
		return fmt.Errorf("unknown metrics format %q", format)
	}
}

func (e *Exporter) writeJSON(w io.Writer) error {
	doc := struct {
		GeneratedAt time.Time      `json:"generated_at"`
		Stats       AggregateStats `json:"stats"`
		Events      []ScanEvent    `json:"events"`
	}{
		GeneratedAt: e.now().UTC(),
		Stats:       e.collector.GetStats(),
		Events:      e.collector.GetRecentEvents(1000),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	return nil
}

var csvHeader = []string{
	"id", "run_id", "candidate_id", "timestamp", "stage", "action", "severity", "score",
	"queue_duration_ms", "collect_duration_ms", "total_duration_ms",
	"collectors_run", "timeouts", "failures", "cache_result", "error",
}

// writeCSV emits one row per retained candidate event.
func (e *Exporter) writeCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	ms := func(d time.Duration) string { return strconv.FormatInt(d.Milliseconds(), 10) }
	for _, ev := range e.collector.GetRecentEvents(e.collector.maxEvents) {
		row := []string{
			ev.ID, ev.RunID, ev.CandidateID, ev.Timestamp.Format(time.RFC3339),
			ev.Stage, ev.Action, ev.Severity, strconv.FormatFloat(ev.Score, 'f', 2, 64),
			ms(ev.QueueDuration), ms(ev.CollectDuration), ms(ev.TotalDuration),
			strconv.Itoa(ev.CollectorsRun), strconv.Itoa(ev.Timeouts), strconv.Itoa(ev.Failures),
			string(ev.CacheResult), ev.Error,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeText renders an aligned summary for humans.
func (e *Exporter) writeText(w io.Writer) error {
	st := e.collector.GetStats()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Warden scan metrics\t%s\n", e.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "Window\t%s .. %s\n\n", st.WindowStart.Format(time.RFC3339), st.WindowEnd.Format(time.RFC3339))

	section(tw, "Candidates",
		"scanned", strconv.FormatInt(st.TotalScans, 10),
		"errors", fmt.Sprintf("%d (%.1f%%)", st.TotalErrors, percent(st.TotalErrors, st.TotalScans)),
		"quarantine actions", strconv.FormatInt(st.TotalQuarantined, 10),
		"collector timeouts", strconv.FormatInt(st.CollectorTimeouts, 10),
		"collector failures", strconv.FormatInt(st.CollectorFailures, 10),
		"per minute", fmt.Sprintf("%.2f", st.ScansPerMinute),
	)
	section(tw, "Latency (ms)",
		"avg", fmt.Sprintf("%.0f", st.AvgTotalDurationMs),
		"p50", fmt.Sprintf("%.0f", st.P50TotalDurationMs),
		"p95", fmt.Sprintf("%.0f", st.P95TotalDurationMs),
		"p99", fmt.Sprintf("%.0f", st.P99TotalDurationMs),
		"max", fmt.Sprintf("%.0f", st.MaxTotalDurationMs),
		"avg queued", fmt.Sprintf("%.0f", st.AvgQueueDurationMs),
		"avg collecting", fmt.Sprintf("%.0f", st.AvgCollectDurationMs),
	)
	section(tw, "Cache",
		"hits", strconv.FormatInt(st.CacheHits, 10),
		"misses", strconv.FormatInt(st.CacheMisses, 10),
		"bypassed", strconv.FormatInt(st.CacheBypassed, 10),
		"hit rate", fmt.Sprintf("%.1f%%", st.CacheHitRate*100),
	)

	if len(st.ByStage) > 0 {
		fmt.Fprintln(tw, "Stage\tcount\tavg ms\terror rate")
		stages := make([]string, 0, len(st.ByStage))
		for stage := range st.ByStage {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		for _, stage := range stages {
			s := st.ByStage[stage]
			fmt.Fprintf(tw, "  %s\t%d\t%.0f\t%.1f%%\n", stage, s.Count, s.AvgTotalDurationMs, s.ErrorRate*100)
		}
	}
	return tw.Flush()
}

// section writes a heading followed by label/value pairs.
func section(w io.Writer, title string, pairs ...string) {
	fmt.Fprintln(w, title)
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(w, "  %s\t%s\n", pairs[i], pairs[i+1])
	}
	fmt.Fprintln(w)
}

func percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
