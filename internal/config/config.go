package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full warden configuration.
type Config struct {
	Scan       ScanConfig       `yaml:"scan"`
	Prescreen  PrescreenConfig  `yaml:"prescreen"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Cache      CacheConfig      `yaml:"cache"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Signatures SignatureConfig  `yaml:"signatures"`
	Reputation ReputationConfig `yaml:"reputation"`
	Behavior   BehaviorConfig   `yaml:"behavior"`
	Rules      RulesConfig      `yaml:"rules"`
	Reports    ReportsConfig    `yaml:"reports"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Server     ServerConfig     `yaml:"server"`
}

// ScanConfig controls the orchestrator.
type ScanConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeouts    TimeoutConfig `yaml:"timeouts"`
	// FastPathThreshold is the pre-screen score below which collectors are skipped
	FastPathThreshold float64 `yaml:"fast_path_threshold"`
	// SuspicionThreshold gates the reputation and behavioral collectors
	SuspicionThreshold float64 `yaml:"suspicion_threshold"`
}

// TimeoutConfig bounds each collector, e.g. "3s"
type TimeoutConfig struct {
	Static     time.Duration `yaml:"static"`
	Signature  time.Duration `yaml:"signature"`
	Reputation time.Duration `yaml:"reputation"`
	Behavioral time.Duration `yaml:"behavioral"`
}

// PrescreenConfig weights declared capabilities
type PrescreenConfig struct {
	Weights map[string]float64 `yaml:"weights"`
}

// BandConfig is one severity threshold
type BandConfig struct {
	Min      float64 `yaml:"min"`
	Severity string  `yaml:"severity"`
}

// ScoringConfig holds the fusion weights and thresholds
type ScoringConfig struct {
	Weights                 map[string]float64 `yaml:"weights"`
	Bands                   []BandConfig       `yaml:"bands"`
	NearCertain             float64            `yaml:"near_certain"`
	QuarantineMinScore      float64            `yaml:"quarantine_min_score"`
	QuarantineMinConfidence float64            `yaml:"quarantine_min_confidence"`
	Tuner                   TunerConfig        `yaml:"tuner"`
}

// TunerConfig bounds adaptive threshold changes
type TunerConfig struct {
	Gain       float64 `yaml:"gain"`
	MaxShift   float64 `yaml:"max_shift"`
	MinSamples int     `yaml:"min_samples"`
	StatePath  string  `yaml:"state_path"`
}

// CacheConfig configures the verdict cache tiers
type CacheConfig struct {
	Disabled bool              `yaml:"disabled"`
	Dir      string            `yaml:"dir"`
	Lifetime time.Duration     `yaml:"lifetime"`
	MaxSize  int               `yaml:"max_size"`
	Remote   RemoteCacheConfig `yaml:"remote"`
}

// RemoteCacheConfig points at a shared cache service
type RemoteCacheConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// QuarantineConfig configures the quarantine store and remediation policy
type QuarantineConfig struct {
	Database  string `yaml:"database"`
	PolicyDir string `yaml:"policy_dir"`
}

// SignatureConfig lists known-bad databases (JSON or CSV)
type SignatureConfig struct {
	Paths []string `yaml:"paths"`
}

// ReputationSource is one HTTP reputation service
type ReputationSource struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// BlocklistConfig is a local indicator blocklist file
type BlocklistConfig struct {
	Name  string  `yaml:"name"`
	Path  string  `yaml:"path"`
	Score float64 `yaml:"score"`
}

// ReputationConfig lists reputation sources
type ReputationConfig struct {
	Sources    []ReputationSource `yaml:"sources"`
	Blocklists []BlocklistConfig  `yaml:"blocklists"`
}

// BehaviorConfig points at the runtime monitor feed
type BehaviorConfig struct {
	Feed                 string   `yaml:"feed"`
	ExpectedDestinations []string `yaml:"expected_destinations"`
}

// RulesConfig locates static detection rule overrides
type RulesConfig struct {
	UserDir    string `yaml:"user_dir"`
	ProjectDir string `yaml:"project_dir"`
}

// ReportsConfig locates the run report archive
type ReportsConfig struct {
	Dir string `yaml:"dir"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	Protocol       string            `yaml:"protocol"`
	Insecure       bool              `yaml:"insecure"`
	Headers        map[string]string `yaml:"headers"`
	SampleRate     float64           `yaml:"sample_rate"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
}

// ServerConfig configures the HTTP command API
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Token, when set, is required as a Bearer token on every /api request.
	Token string `yaml:"token,omitempty"`
}

var validSeverities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

var validKinds = map[string]bool{"static": true, "signature": true, "reputation": true, "behavioral": true}

// Validate checks that the configuration is valid and ready to use
func (c *Config) Validate() error {
	var errs []error

	if c.Scan.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("scan.concurrency must be positive, got %d", c.Scan.Concurrency))
	}
	for name, d := range map[string]time.Duration{
		"static": c.Scan.Timeouts.Static, "signature": c.Scan.Timeouts.Signature,
		"reputation": c.Scan.Timeouts.Reputation, "behavioral": c.Scan.Timeouts.Behavioral,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("scan.timeouts.%s must be positive", name))
		}
	}
	if !inRange(c.Scan.FastPathThreshold, 0, 100) || !inRange(c.Scan.SuspicionThreshold, 0, 100) {
		errs = append(errs, fmt.Errorf("scan thresholds must be within [0,100]"))
	}
	if c.Scan.FastPathThreshold > c.Scan.SuspicionThreshold {
		errs = append(errs, fmt.Errorf("scan.fast_path_threshold (%v) must not exceed scan.suspicion_threshold (%v)",
			c.Scan.FastPathThreshold, c.Scan.SuspicionThreshold))
	}

	for kind, w := range c.Scoring.Weights {
		if !validKinds[kind] {
			errs = append(errs, fmt.Errorf("scoring.weights: unknown collector %q", kind))
		}
		if w < 0 {
			errs = append(errs, fmt.Errorf("scoring.weights.%s must not be negative", kind))
		}
	}
	if len(c.Scoring.Bands) == 0 {
		errs = append(errs, fmt.Errorf("scoring.bands must not be empty"))
	}
	for _, b := range c.Scoring.Bands {
		if !validSeverities[b.Severity] {
			errs = append(errs, fmt.Errorf("scoring.bands: unknown severity %q", b.Severity))
		}
		if !inRange(b.Min, 0, 100) {
			errs = append(errs, fmt.Errorf("scoring.bands: %s threshold %v outside [0,100]", b.Severity, b.Min))
		}
	}
	if c.Scoring.NearCertain <= 0 || c.Scoring.NearCertain > 100 {
		errs = append(errs, fmt.Errorf("scoring.near_certain must be within (0,100]"))
	}
	if !inRange(c.Scoring.QuarantineMinConfidence, 0, 1) {
		errs = append(errs, fmt.Errorf("scoring.quarantine_min_confidence must be within [0,1]"))
	}

	for i, s := range c.Reputation.Sources {
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("reputation.sources[%d]: url is required", i))
		}
	}
	for i, b := range c.Reputation.Blocklists {
		if b.Path == "" {
			errs = append(errs, fmt.Errorf("reputation.blocklists[%d]: path is required", i))
		}
	}

	if c.Telemetry.Protocol != "" && c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		errs = append(errs, fmt.Errorf("telemetry.protocol must be 'grpc' or 'http', got: %s", c.Telemetry.Protocol))
	}
	if !inRange(c.Telemetry.SampleRate, 0, 1) {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1]"))
	}

	return errors.Join(errs...)
}

func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}

// ApplyEnv applies environment overrides for secrets.
func (c *Config) ApplyEnv() {
	if token := os.Getenv("WARDEN_REPUTATION_TOKEN"); token != "" {
		for i := range c.Reputation.Sources {
			if c.Reputation.Sources[i].Token == "" {
				c.Reputation.Sources[i].Token = token
			}
		}
	}
	if token := os.Getenv("WARDEN_CACHE_TOKEN"); token != "" && c.Cache.Remote.Token == "" {
		c.Cache.Remote.Token = token
	}
	if token := os.Getenv("WARDEN_SERVER_TOKEN"); token != "" && c.Server.Token == "" {
		c.Server.Token = token
	}
}

// MergeConfigs merges configs in order of increasing precedence.
// Later configs override earlier ones. Non-zero fields override; maps merge
// key by key; non-empty lists replace.
func MergeConfigs(configs ...*Config) *Config {
	result := &Config{
		Prescreen: PrescreenConfig{Weights: make(map[string]float64)},
		Scoring:   ScoringConfig{Weights: make(map[string]float64)},
		Telemetry: TelemetryConfig{Headers: make(map[string]string)},
	}

	for _, cfg := range configs {
		if cfg == nil {
			continue
		}

		// Scan
		setInt(&result.Scan.Concurrency, cfg.Scan.Concurrency)
		setDuration(&result.Scan.Timeouts.Static, cfg.Scan.Timeouts.Static)
		setDuration(&result.Scan.Timeouts.Signature, cfg.Scan.Timeouts.Signature)
		setDuration(&result.Scan.Timeouts.Reputation, cfg.Scan.Timeouts.Reputation)
		setDuration(&result.Scan.Timeouts.Behavioral, cfg.Scan.Timeouts.Behavioral)
		setFloat(&result.Scan.FastPathThreshold, cfg.Scan.FastPathThreshold)
		setFloat(&result.Scan.SuspicionThreshold, cfg.Scan.SuspicionThreshold)

		for k, w := range cfg.Prescreen.Weights {
			result.Prescreen.Weights[k] = w
		}

		// Scoring
		for k, w := range cfg.Scoring.Weights {
			result.Scoring.Weights[k] = w
		}
		if len(cfg.Scoring.Bands) > 0 {
			result.Scoring.Bands = cfg.Scoring.Bands
		}
		setFloat(&result.Scoring.NearCertain, cfg.Scoring.NearCertain)
		setFloat(&result.Scoring.QuarantineMinScore, cfg.Scoring.QuarantineMinScore)
		setFloat(&result.Scoring.QuarantineMinConfidence, cfg.Scoring.QuarantineMinConfidence)
		setFloat(&result.Scoring.Tuner.Gain, cfg.Scoring.Tuner.Gain)
		setFloat(&result.Scoring.Tuner.MaxShift, cfg.Scoring.Tuner.MaxShift)
		setInt(&result.Scoring.Tuner.MinSamples, cfg.Scoring.Tuner.MinSamples)
		setString(&result.Scoring.Tuner.StatePath, cfg.Scoring.Tuner.StatePath)

		// Cache: a tier can disable caching but not re-enable it
		if cfg.Cache.Disabled {
			result.Cache.Disabled = true
		}
		setString(&result.Cache.Dir, cfg.Cache.Dir)
		setDuration(&result.Cache.Lifetime, cfg.Cache.Lifetime)
		setInt(&result.Cache.MaxSize, cfg.Cache.MaxSize)
		setString(&result.Cache.Remote.URL, cfg.Cache.Remote.URL)
		setString(&result.Cache.Remote.Token, cfg.Cache.Remote.Token)
		setDuration(&result.Cache.Remote.Timeout, cfg.Cache.Remote.Timeout)

		setString(&result.Quarantine.Database, cfg.Quarantine.Database)
		setString(&result.Quarantine.PolicyDir, cfg.Quarantine.PolicyDir)

		if len(cfg.Signatures.Paths) > 0 {
			result.Signatures.Paths = cfg.Signatures.Paths
		}
		if len(cfg.Reputation.Sources) > 0 {
			result.Reputation.Sources = cfg.Reputation.Sources
		}
		if len(cfg.Reputation.Blocklists) > 0 {
			result.Reputation.Blocklists = cfg.Reputation.Blocklists
		}
		setString(&result.Behavior.Feed, cfg.Behavior.Feed)
		if len(cfg.Behavior.ExpectedDestinations) > 0 {
			result.Behavior.ExpectedDestinations = cfg.Behavior.ExpectedDestinations
		}

		setString(&result.Rules.UserDir, cfg.Rules.UserDir)
		setString(&result.Rules.ProjectDir, cfg.Rules.ProjectDir)
		setString(&result.Reports.Dir, cfg.Reports.Dir)

		// Telemetry: Enabled and Insecure turn on from any tier
		if cfg.Telemetry.Enabled {
			result.Telemetry.Enabled = true
		}
		if cfg.Telemetry.Insecure {
			result.Telemetry.Insecure = true
		}
		setString(&result.Telemetry.Endpoint, cfg.Telemetry.Endpoint)
		setString(&result.Telemetry.Protocol, cfg.Telemetry.Protocol)
		setFloat(&result.Telemetry.SampleRate, cfg.Telemetry.SampleRate)
		setString(&result.Telemetry.ServiceName, cfg.Telemetry.ServiceName)
		setString(&result.Telemetry.ServiceVersion, cfg.Telemetry.ServiceVersion)
		for k, v := range cfg.Telemetry.Headers {
			result.Telemetry.Headers[k] = v
		}

		setString(&result.Server.Addr, cfg.Server.Addr)
		setString(&result.Server.Token, cfg.Server.Token)
	}

	return result
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// LoadFromFile reads a YAML config file. Returns nil, nil if the file doesn't exist.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadTiered loads system defaults, then machine config, then project config,
// and merges them in order of increasing precedence.
func LoadTiered(machinePath, projectPath string) (*Config, error) {
	system := SystemDefaults()

	machine, err := LoadFromFile(machinePath)
	if err != nil {
		return nil, fmt.Errorf("loading machine config: %w", err)
	}

	project, err := LoadFromFile(projectPath)
	if err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	cfg := MergeConfigs(system, machine, project)
	cfg.ApplyEnv()
	return cfg, nil
}

// MachineConfigPath returns ~/.config/warden/warden.yaml, or "" when the
// home directory is unknown.
func MachineConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "warden", "warden.yaml")
}

// ProjectConfigPath returns the project config path under dir.
func ProjectConfigPath(dir string) string {
	return filepath.Join(dir, ".warden", "warden.yaml")
}
