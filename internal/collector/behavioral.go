package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chris-regnier/warden/internal/signal"
)

// NetworkActivity aggregates the network traffic seen for one candidate.
type NetworkActivity struct {
	// Destinations counts connections per remote host or address.
	Destinations map[string]int `json:"destinations"`
	DNSRecords   map[string]int `json:"dns_records"`
	BytesOut     int64          `json:"bytes_out"`
}

// ResourceUsage summarizes background resource consumption.
type ResourceUsage struct {
	CPUPercent        float64 `json:"cpu_percent"`
	BackgroundMinutes int     `json:"background_minutes"`
	WakeLocks         int     `json:"wake_locks"`
}

// Profile is the runtime behavior observed for one candidate by the host
// monitor.
type Profile struct {
	CandidateID string `json:"candidate_id"`
	// Observations is the number of monitoring windows aggregated into the profile.
	Observations     int             `json:"observations"`
	NetworkActivity  NetworkActivity `json:"network_activity"`
	ExecutedCommands map[string]int  `json:"executed_commands"`
	FileAccess       map[string]int  `json:"file_access"`
	Resources        ResourceUsage   `json:"resources"`
	RiskFlags        []string        `json:"risk_flags"`
}

// Monitor provides runtime observations. ok is false when the candidate has
// never been observed.
type Monitor interface {
	Profile(ctx context.Context, c signal.Candidate) (p Profile, ok bool, err error)
}

// BehavioralCollector scores a candidate's runtime profile.
type BehavioralCollector struct {
	monitor  Monitor
	expected map[string]bool
}

// NewBehavioralCollector builds a collector over monitor. Destinations in
// expected are not treated as suspicious.
func NewBehavioralCollector(monitor Monitor, expected ...string) *BehavioralCollector {
	exp := make(map[string]bool, len(expected))
	for _, e := range expected {
		exp[strings.ToLower(e)] = true
	}
	return &BehavioralCollector{monitor: monitor, expected: exp}
}

func (b *BehavioralCollector) Kind() signal.Kind { return signal.KindBehavioral }

var suspiciousCommands = []string{"su", "sh -c", "chmod", "pm install", "pm disable", "am start", "settings put", "dumpsys"}

var sensitivePaths = []string{"/data/data/", "contacts", "mmssms", "/dcim/", "accounts.db", "keystore"}

const largeUpload = 10 << 20

// Collect converts the profile into a score from its network, process,
// filesystem and resource indicators. Confidence grows with the number of
// observation windows.
func (b *BehavioralCollector) Collect(ctx context.Context, c signal.Candidate) (signal.Result, error) {
	start := time.Now()
	if b.monitor == nil {
		return signal.Skipped(signal.KindBehavioral, "no behavior monitor configured"), nil
	}
	p, ok, err := b.monitor.Profile(ctx, c)
	if err != nil {
		return signal.Result{}, err
	}
	res := signal.Result{Kind: signal.KindBehavioral, Outcome: signal.OutcomeCompleted}
	if !ok {
		res.Evidence.Note = "no runtime observations"
		res.Duration = time.Since(start)
		return res, nil
	}

	var score float64
	var patterns []string

	var unexpected []string
	for dest := range p.NetworkActivity.Destinations {
		if !b.expected[strings.ToLower(dest)] {
			unexpected = append(unexpected, dest)
		}
	}
	sort.Strings(unexpected)
	if len(unexpected) > 0 {
		score += min(15*float64(len(unexpected)), 40)
		patterns = append(patterns, "network:unexpected-destination")
	}
	if p.NetworkActivity.BytesOut > largeUpload {
		score += 10
		patterns = append(patterns, "network:large-upload")
	}

	var procScore float64
	for cmd := range p.ExecutedCommands {
		if isSuspiciousCommand(cmd) {
			procScore += 20
			patterns = append(patterns, "process:"+cmd)
		}
	}
	score += min(procScore, 30)

	var fsScore float64
	for path := range p.FileAccess {
		if isSensitivePath(path) {
			fsScore += 15
			patterns = append(patterns, "filesystem:"+path)
		}
	}
	score += min(fsScore, 30)

	var resScore float64
	if p.Resources.CPUPercent > 50 {
		resScore += 10
		patterns = append(patterns, "resource:high-cpu")
	}
	if p.Resources.BackgroundMinutes > 120 || p.Resources.WakeLocks > 20 {
		resScore += 5
		patterns = append(patterns, "resource:persistent-background")
	}
	score += min(resScore, 15)

	score += min(10*float64(len(p.RiskFlags)), 30)
	for _, f := range p.RiskFlags {
		patterns = append(patterns, "flag:"+f)
	}
	sort.Strings(patterns)

	windows := p.Observations
	if windows < 1 {
		windows = 1
	}
	res.Score = signal.Clamp(score, 0, 100)
	res.Confidence = observationConfidence(windows)
	res.Evidence.Patterns = patterns
	res.Evidence.Indicators = unexpected
	res.Evidence.Note = fmt.Sprintf("%d observation windows", windows)
	res.Duration = time.Since(start)
	return res, nil
}

// observationConfidence rises from 0.4 for a single window toward 0.9.
func observationConfidence(windows int) float64 {
	return signal.Clamp(0.3+0.1*float64(windows), 0, 0.9)
}

func isSuspiciousCommand(cmd string) bool {
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	for _, n := range suspiciousCommands {
		if cmd == n || strings.HasPrefix(cmd, n+" ") {
			return true
		}
	}
	return false
}

func isSensitivePath(path string) bool {
	path = strings.ToLower(path)
	for _, n := range sensitivePaths {
		if strings.Contains(path, n) {
			return true
		}
	}
	return false
}

// FileMonitor reads profiles from a JSON feed written by an external monitor
// agent. The file is reloaded when its modification time changes.
type FileMonitor struct {
	path string

	mu       sync.RWMutex
	modTime  time.Time
	profiles map[string]Profile
}

func NewFileMonitor(path string) *FileMonitor {
	return &FileMonitor{path: path}
}

type profileFeed struct {
	Collection string    `json:"collection"`
	Profiles   []Profile `json:"profiles"`
}

func (m *FileMonitor) Profile(ctx context.Context, c signal.Candidate) (Profile, bool, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, false, err
	}
	if err := m.refresh(); err != nil {
		return Profile{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[c.ID]
	return p, ok, nil
}

func (m *FileMonitor) refresh() error {
	info, err := os.Stat(m.path)
	if os.IsNotExist(err) {
		m.mu.Lock()
		m.profiles, m.modTime = nil, time.Time{}
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat behavior feed: %w", err)
	}

	m.mu.RLock()
	fresh := m.profiles != nil && info.ModTime().Equal(m.modTime)
	m.mu.RUnlock()
	if fresh {
		return nil
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read behavior feed: %w", err)
	}
	var feed profileFeed
	if err := json.Unmarshal(data, &feed); err != nil {
		return fmt.Errorf("parse behavior feed %s: %w", m.path, err)
	}
	profiles := make(map[string]Profile, len(feed.Profiles))
	for _, p := range feed.Profiles {
		profiles[p.CandidateID] = p
	}

	m.mu.Lock()
	m.profiles, m.modTime = profiles, info.ModTime()
	m.mu.Unlock()
	return nil
}

// StaticMonitor serves fixed profiles, keyed by candidate ID.
type StaticMonitor map[string]Profile

func (m StaticMonitor) Profile(ctx context.Context, c signal.Candidate) (Profile, bool, error) {
	p, ok := m[c.ID]
	return p, ok, nil
}
