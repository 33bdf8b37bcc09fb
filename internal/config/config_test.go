package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSystemDefaults_Valid(t *testing.T) {
	cfg := SystemDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if cfg.Scan.Concurrency != 10 {
		t.Errorf("expected concurrency 10, got %d", cfg.Scan.Concurrency)
	}
	if cfg.Scoring.Weights["signature"] != 1.0 {
		t.Errorf("expected signature weight 1.0, got %v", cfg.Scoring.Weights["signature"])
	}
}

func TestMergeConfigs_HigherTierOverrides(t *testing.T) {
	project := &Config{
		Scan:    ScanConfig{Concurrency: 4, Timeouts: TimeoutConfig{Reputation: 8 * time.Second}},
		Scoring: ScoringConfig{Weights: map[string]float64{"static": 0.5}},
	}
	merged := MergeConfigs(SystemDefaults(), project)

	if merged.Scan.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", merged.Scan.Concurrency)
	}
	if merged.Scan.Timeouts.Reputation != 8*time.Second {
		t.Errorf("expected reputation timeout 8s, got %v", merged.Scan.Timeouts.Reputation)
	}
	if merged.Scan.Timeouts.Static != 3*time.Second {
		t.Errorf("expected static timeout preserved, got %v", merged.Scan.Timeouts.Static)
	}
	if merged.Scoring.Weights["static"] != 0.5 {
		t.Errorf("expected static weight 0.5, got %v", merged.Scoring.Weights["static"])
	}
	if merged.Scoring.Weights["signature"] != 1.0 {
		t.Errorf("expected signature weight preserved, got %v", merged.Scoring.Weights["signature"])
	}
}

func TestMergeConfigs_ListsReplace(t *testing.T) {
	machine := &Config{Signatures: SignatureConfig{Paths: []string{"a.json", "b.json"}}}
	project := &Config{Signatures: SignatureConfig{Paths: []string{"c.csv"}}}
	merged := MergeConfigs(SystemDefaults(), machine, project)
	if len(merged.Signatures.Paths) != 1 || merged.Signatures.Paths[0] != "c.csv" {
		t.Errorf("expected project paths to replace machine paths, got %v", merged.Signatures.Paths)
	}
}

func TestMergeConfigs_NilSkipped(t *testing.T) {
	merged := MergeConfigs(nil, SystemDefaults(), nil)
	if merged.Scan.SuspicionThreshold != 40 {
		t.Errorf("expected suspicion threshold 40, got %v", merged.Scan.SuspicionThreshold)
	}
}

func TestMergeConfigs_CacheDisabledSticks(t *testing.T) {
	merged := MergeConfigs(SystemDefaults(), &Config{Cache: CacheConfig{Disabled: true}}, &Config{})
	if !merged.Cache.Disabled {
		t.Error("expected cache to stay disabled")
	}
}

func TestMergeConfigs_TelemetryHeadersMerge(t *testing.T) {
	a := &Config{Telemetry: TelemetryConfig{Headers: map[string]string{"x-a": "1"}}}
	b := &Config{Telemetry: TelemetryConfig{Enabled: true, Headers: map[string]string{"x-b": "2"}}}
	merged := MergeConfigs(SystemDefaults(), a, b)
	if !merged.Telemetry.Enabled {
		t.Error("expected telemetry enabled")
	}
	if len(merged.Telemetry.Headers) != 2 {
		t.Errorf("expected 2 headers, got %v", merged.Telemetry.Headers)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"concurrency", func(c *Config) { c.Scan.Concurrency = 0 }, "scan.concurrency"},
		{"timeout", func(c *Config) { c.Scan.Timeouts.Static = 0 }, "scan.timeouts.static"},
		{"threshold order", func(c *Config) { c.Scan.FastPathThreshold = 50 }, "must not exceed"},
		{"unknown kind", func(c *Config) { c.Scoring.Weights["heuristic"] = 1 }, "unknown collector"},
		{"negative weight", func(c *Config) { c.Scoring.Weights["static"] = -1 }, "must not be negative"},
		{"bad severity", func(c *Config) { c.Scoring.Bands = []BandConfig{{Min: 50, Severity: "severe"}} }, "unknown severity"},
		{"confidence", func(c *Config) { c.Scoring.QuarantineMinConfidence = 2 }, "quarantine_min_confidence"},
		{"source url", func(c *Config) { c.Reputation.Sources = []ReputationSource{{Name: "x"}} }, "url is required"},
		{"protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, "telemetry.protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := SystemDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Error("expected nil config for missing file")
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("scan: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadTiered(t *testing.T) {
	dir := t.TempDir()
	machine := filepath.Join(dir, "machine.yaml")
	project := filepath.Join(dir, "project.yaml")

	machineYAML := `
scan:
  concurrency: 6
reputation:
  sources:
    - name: intel
      url: http://intel.local
`
	projectYAML := `
scan:
  timeouts:
    behavioral: 2s
  suspicion_threshold: 50
behavior:
  feed: observations.json
`
	if err := os.WriteFile(machine, []byte(machineYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(project, []byte(projectYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WARDEN_REPUTATION_TOKEN", "secret")

	cfg, err := LoadTiered(machine, project)
	if err != nil {
		t.Fatalf("LoadTiered: %v", err)
	}
	if cfg.Scan.Concurrency != 6 {
		t.Errorf("expected machine concurrency 6, got %d", cfg.Scan.Concurrency)
	}
	if cfg.Scan.Timeouts.Behavioral != 2*time.Second {
		t.Errorf("expected behavioral timeout 2s, got %v", cfg.Scan.Timeouts.Behavioral)
	}
	if cfg.Scan.SuspicionThreshold != 50 {
		t.Errorf("expected suspicion threshold 50, got %v", cfg.Scan.SuspicionThreshold)
	}
	if cfg.Behavior.Feed != "observations.json" {
		t.Errorf("expected behavior feed, got %q", cfg.Behavior.Feed)
	}
	if len(cfg.Reputation.Sources) != 1 || cfg.Reputation.Sources[0].Token != "secret" {
		t.Errorf("expected env token applied, got %+v", cfg.Reputation.Sources)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected merged config valid, got %v", err)
	}
}

func TestProjectConfigPath(t *testing.T) {
	got := ProjectConfigPath("/repo")
	if got != filepath.Join("/repo", ".warden", "warden.yaml") {
		t.Errorf("unexpected path %q", got)
	}
}
