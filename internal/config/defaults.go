package config

import (
	"os"
	"path/filepath"
	"time"
)

// SystemDefaults returns the built-in configuration.
func SystemDefaults() *Config {
	return &Config{
		Scan: ScanConfig{
			Concurrency: 10,
			Timeouts: TimeoutConfig{
				Static:     3 * time.Second,
				Signature:  2 * time.Second,
				Reputation: 5 * time.Second,
				Behavioral: 5 * time.Second,
			},
			FastPathThreshold:  10,
			SuspicionThreshold: 40,
		},
		Scoring: ScoringConfig{
			Weights: map[string]float64{
				"signature":  1.0,
				"behavioral": 0.8,
				"reputation": 0.7,
				"static":     0.6,
			},
			Bands: []BandConfig{
				{Min: 80, Severity: "critical"},
				{Min: 60, Severity: "high"},
				{Min: 40, Severity: "medium"},
			},
			NearCertain:             90,
			QuarantineMinScore:      70,
			QuarantineMinConfidence: 0.5,
			Tuner: TunerConfig{
				Gain:       20,
				MaxShift:   10,
				MinSamples: 5,
				StatePath:  ".warden/tuner.json",
			},
		},
		Cache: CacheConfig{
			Dir:      ".warden/cache",
			Lifetime: 6 * time.Hour,
			MaxSize:  10000,
		},
		Quarantine: QuarantineConfig{
			Database: ".warden/quarantine.db",
		},
		Rules: RulesConfig{
			UserDir:    userRulesDir(),
			ProjectDir: ".warden/rules",
		},
		Reports: ReportsConfig{
			Dir: ".warden/reports",
		},
		Telemetry: TelemetryConfig{
			Protocol:       "grpc",
			Endpoint:       "localhost:4317",
			SampleRate:     1.0,
			ServiceName:    "warden",
			ServiceVersion: "dev",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8787",
		},
	}
}

func userRulesDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "warden", "rules")
}
