package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chris-regnier/warden/internal/quarantine"
	"github.com/chris-regnier/warden/internal/scan"
	"github.com/chris-regnier/warden/internal/signal"
	"github.com/chris-regnier/warden/internal/verdict"
)

func TestReadInventory(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte(`[{"id": "com.a", "fingerprint": "AB"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("candidates:\n  - id: com.b\n    fingerprint: cd\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cands, err := readInventory([]string{a, b}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}

	cands, err = readInventory(nil, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates from directory, got %d", len(cands))
	}

	if _, err := readInventory(nil, ""); err == nil {
		t.Error("expected error without input")
	}
}

func TestReaches(t *testing.T) {
	vs := []verdict.Verdict{{Severity: verdict.SeverityLow}, {Severity: verdict.SeverityHigh}}
	if !reaches(vs, verdict.SeverityHigh) {
		t.Error("expected high to be reached")
	}
	if reaches(vs, verdict.SeverityCritical) {
		t.Error("critical should not be reached")
	}
	if reaches(nil, verdict.SeverityLow) {
		t.Error("empty report reaches nothing")
	}
}

func TestRecordTable(t *testing.T) {
	out := recordTable([]quarantine.Record{{
		CandidateID: "com.bad",
		State:       quarantine.StateQuarantined,
		Verdict:     verdict.Verdict{Severity: verdict.SeverityCritical, Score: 96.4},
		UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
	}})
	for _, want := range []string{"CANDIDATE", "com.bad", "quarantined", "critical", "96"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestLoadConfig_ProjectFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	if err := os.WriteFile(path, []byte("scan:\n  concurrency: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HOME", dir)

	old := flagConfig
	flagConfig = path
	defer func() { flagConfig = old }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scan.Concurrency != 3 {
		t.Errorf("expected concurrency 3, got %d", cfg.Scan.Concurrency)
	}
	if cfg.Telemetry.ServiceVersion != version {
		t.Errorf("expected service version %q, got %q", version, cfg.Telemetry.ServiceVersion)
	}
}

func TestExitError(t *testing.T) {
	if (exitError{code: 2}).Error() != "exit status 2" {
		t.Error("unexpected message")
	}
}

func TestDrainWithProgress(t *testing.T) {
	events := make(chan scan.Event, 2)
	events <- scan.Event{
		Candidate: signal.Candidate{ID: "com.calc"},
		Verdict:   &verdict.Verdict{Severity: verdict.SeverityLow, Action: verdict.ActionMonitor},
		Stage:     scan.StagePrescreen,
		Processed: 1,
		Total:     2,
	}
	events <- scan.Event{Candidate: signal.Candidate{ID: "com.sms"}, Stage: scan.StageAborted, Processed: 2, Total: 2, Aborted: true}
	close(events)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	got := drainWithProgress(logger, events)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	out := buf.String()
	for _, want := range []string{
		"candidate=com.calc stage=prescreen processed=1 total=2 severity=low action=monitor",
		"candidate=com.sms stage=aborted processed=2 total=2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in log output:\n%s", want, out)
		}
	}
}
