package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-regnier/warden/internal/metrics"
	"github.com/chris-regnier/warden/internal/output"
	"github.com/chris-regnier/warden/internal/scan"
	"github.com/chris-regnier/warden/internal/verdict"
)

var scanTracer = otel.Tracer("github.com/chris-regnier/warden/cmd/warden/scan")

var (
	flagScanDir         string
	flagScanFormat      string
	flagScanConcurrency int
	flagScanFailOn      string
	flagScanStats       bool
	flagScanMetricsOut  string
)

func init() {
	scanCmd := &cobra.Command{
		Use:   "scan [inventory...]",
		Short: "Scan installed applications listed in inventory files",
		Long: `Scan the applications listed in one or more inventory files (JSON or YAML).
Use - to read a JSON inventory from stdin, or --dir to read every inventory in a directory.

Exit status is 2 when any verdict reaches the --fail-on severity.`,
		RunE: runScan,
	}

	f := scanCmd.Flags()
	f.StringVar(&flagScanDir, "dir", "", "Directory of inventory files")
	f.StringVarP(&flagScanFormat, "format", "f", "", "Output format: "+strings.Join(output.Formats(), ", ")+" (default: pretty on a terminal, json otherwise)")
	f.IntVarP(&flagScanConcurrency, "concurrency", "c", 0, "Candidates evaluated at once (default: scan.concurrency)")
	f.StringVar(&flagScanFailOn, "fail-on", "", "Exit with status 2 when a verdict reaches this severity (low, medium, high, critical)")
	f.BoolVar(&flagScanStats, "stats", false, "Include scan statistics in the output")
	f.StringVar(&flagScanMetricsOut, "metrics-out", "", "Write scan metrics to a file (.json, .csv events, or .txt summary)")

	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var failOn verdict.Severity
	if flagScanFailOn != "" {
		failOn = verdict.Severity(strings.ToLower(flagScanFailOn))
		switch failOn {
		case verdict.SeverityLow, verdict.SeverityMedium, verdict.SeverityHigh, verdict.SeverityCritical:
		default:
			return fmt.Errorf("unknown --fail-on severity %q", flagScanFailOn)
		}
	}

	format := output.ResolveFormat(flagScanFormat, isatty.IsTerminal(os.Stdout.Fd()))
	formatter, err := output.NewFormatter(format)
	if err != nil {
		return err
	}

	cands, err := readInventory(args, flagScanDir)
	if err != nil {
		return fmt.Errorf("reading inventory: %w", err)
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, span := scanTracer.Start(ctx, "scan",
		trace.WithAttributes(attribute.Int("warden.candidates", len(cands))))
	defer span.End()

	events, err := s.engine.Run(ctx, cands, flagScanConcurrency)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("scanning: %w", err)
	}
	// archive and commit even when interrupted
	res, err := s.engine.Finish(context.WithoutCancel(ctx), drainWithProgress(s.logger, events), cands)
	if err != nil {
		return fmt.Errorf("finishing scan: %w", err)
	}
	span.SetAttributes(
		attribute.String("warden.run.id", res.Report.RunID),
		attribute.Int("warden.quarantined", len(res.Report.Quarantined())),
	)
	if res.ArchiveID != "" {
		s.logger.Info("report archived", "id", res.ArchiveID)
	}

	out := &output.ScanOutput{Report: &res.Report, SARIFLog: res.SARIF}
	if flagScanStats {
		stats := s.engine.Metrics().GetStats()
		out.Stats = &stats
	}
	data, err := formatter.Format(out)
	if err != nil {
		return fmt.Errorf("formatting output: %w", err)
	}
	if _, err := os.Stdout.Write(data); err != nil {
		return err
	}

	if flagScanMetricsOut != "" {
		if err := writeMetrics(s.engine.Metrics(), flagScanMetricsOut); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}

	if res.Report.Aborted > 0 {
		return fmt.Errorf("scan interrupted: %d of %d candidates not evaluated", res.Report.Aborted, res.Report.Total)
	}
	if failOn != "" && reaches(res.Report.Verdicts, failOn) {
		return exitError{code: 2}
	}
	return nil
}

// drainWithProgress collects a run's events, logging each as it arrives.
func drainWithProgress(logger *slog.Logger, events <-chan scan.Event) []scan.Event {
	var out []scan.Event
	for ev := range events {
		out = append(out, ev)
		attrs := []any{
			"candidate", ev.Candidate.ID,
			"stage", ev.Stage,
			"processed", ev.Processed,
			"total", ev.Total,
		}
		if ev.Verdict != nil {
			attrs = append(attrs, "severity", ev.Verdict.Severity, "action", ev.Verdict.Action)
		}
		if ev.Err != nil {
			attrs = append(attrs, "err", ev.Err)
		}
		logger.Info("candidate evaluated", attrs...)
	}
	return out
}

// reaches reports whether any verdict is at or above sev.
func reaches(verdicts []verdict.Verdict, sev verdict.Severity) bool {
	for _, v := range verdicts {
		if v.Severity.Rank() >= sev.Rank() {
			return true
		}
	}
	return false
}

func writeMetrics(c *metrics.Collector, path string) error {
	return metrics.NewExporter(c).ExportFile(path)
}
