// Package scorer fuses collector signals into a verdict.
package scorer

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/chris-regnier/warden/internal/signal"
	"github.com/chris-regnier/warden/internal/verdict"
)

// Band maps a minimum score to a severity tier.
type Band struct {
	Min      float64          `json:"min"`
	Severity verdict.Severity `json:"severity"`
}

// QuarantinePolicy gates the quarantine action for critical and high verdicts.
type QuarantinePolicy struct {
	MinScore      float64 `json:"min_score"`
	MinConfidence float64 `json:"min_confidence"`
}

// Profile is an immutable scoring configuration. A run holds one Profile for
// its whole duration; the Tuner replaces it between runs.
type Profile struct {
	Version     int                     `json:"version"`
	Weights     map[signal.Kind]float64 `json:"weights"`
	Bands       []Band                  `json:"bands"`
	NearCertain float64                 `json:"near_certain"`
	Quarantine  QuarantinePolicy        `json:"quarantine"`
	// Offset shifts every band threshold; it is driven by feedback.
	Offset float64 `json:"offset"`

	clock func() time.Time
}

// DefaultWeights ranks signature evidence highest and static heuristics lowest.
func DefaultWeights() map[signal.Kind]float64 {
	return map[signal.Kind]float64{
		signal.KindSignature:  1.0,
		signal.KindBehavioral: 0.8,
		signal.KindReputation: 0.7,
		signal.KindStatic:     0.6,
	}
}

// DefaultBands returns the default severity table.
func DefaultBands() []Band {
	return []Band{
		{Min: 80, Severity: verdict.SeverityCritical},
		{Min: 60, Severity: verdict.SeverityHigh},
		{Min: 40, Severity: verdict.SeverityMedium},
	}
}

// DefaultProfile returns a profile using the built-in weights and thresholds.
func DefaultProfile() *Profile {
	p, _ := NewProfile(DefaultWeights(), DefaultBands(), 90, QuarantinePolicy{MinScore: 70, MinConfidence: 0.5})
	return p
}

// NewProfile validates and builds a profile. Bands are sorted highest first.
func NewProfile(weights map[signal.Kind]float64, bands []Band, nearCertain float64, q QuarantinePolicy) (*Profile, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("at least one severity band is required")
	}
	for k, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("weight for %s must not be negative", k)
		}
	}
	sorted := make([]Band, len(bands))
	copy(sorted, bands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min > sorted[j].Min })
	for _, b := range sorted {
		if b.Min < 0 || b.Min > 100 {
			return nil, fmt.Errorf("band %s threshold %v outside [0,100]", b.Severity, b.Min)
		}
		switch b.Severity {
		case verdict.SeverityCritical, verdict.SeverityHigh, verdict.SeverityMedium, verdict.SeverityLow:
		default:
			return nil, fmt.Errorf("unknown severity %q", b.Severity)
		}
	}
	if nearCertain <= 0 || nearCertain > 100 {
		return nil, fmt.Errorf("near-certain threshold %v outside (0,100]", nearCertain)
	}
	w := make(map[signal.Kind]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &Profile{
		Version:     1,
		Weights:     w,
		Bands:       sorted,
		NearCertain: nearCertain,
		Quarantine:  q,
		clock:       time.Now,
	}, nil
}

// WithClock returns a copy of the profile that stamps verdicts using now.
func (p *Profile) WithClock(now func() time.Time) *Profile {
	cp := p.clone()
	cp.clock = now
	return cp
}

func (p *Profile) clone() *Profile {
	cp := *p
	cp.Weights = make(map[signal.Kind]float64, len(p.Weights))
	for k, v := range p.Weights {
		cp.Weights[k] = v
	}
	cp.Bands = make([]Band, len(p.Bands))
	copy(cp.Bands, p.Bands)
	return &cp
}

func (p *Profile) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock().UTC()
}

// Severity maps a score through the band table, honoring the adaptive offset.
func (p *Profile) Severity(score float64) verdict.Severity {
	for _, b := range p.Bands {
		if score >= signal.Clamp(b.Min+p.Offset, 0, 100) {
			return b.Severity
		}
	}
	return verdict.SeverityLow
}

func (p *Profile) action(sev verdict.Severity, score, confidence float64) verdict.Action {
	switch sev {
	case verdict.SeverityCritical, verdict.SeverityHigh:
		if score >= p.Quarantine.MinScore && confidence >= p.Quarantine.MinConfidence {
			return verdict.ActionQuarantine
		}
		return verdict.ActionAlert
	case verdict.SeverityMedium:
		return verdict.ActionAlert
	default:
		return verdict.ActionMonitor
	}
}

// Score combines signals into a verdict. Only completed signals enter the
// weighted blend; any other outcome leaves both numerator and denominator
// untouched.
func (p *Profile) Score(signals []signal.Result, c signal.Candidate) verdict.Verdict {
	v := verdict.Verdict{
		CandidateID:    c.ID,
		Fingerprint:    c.Fingerprint,
		Path:           verdict.PathFull,
		ProfileVersion: p.Version,
		Timestamp:      p.now(),
	}
	if len(signals) > 0 {
		v.Signals = make([]signal.Result, len(signals))
		copy(v.Signals, signals)
	}

	var num, den float64
	informing := make(map[signal.Kind]bool)
	for _, s := range signals {
		if s.Outcome != signal.OutcomeCompleted {
			continue
		}
		w := p.Weights[s.Kind]
		num += s.Score * s.Confidence * w
		den += s.Confidence * w
		if s.Informs() {
			informing[s.Kind] = true
		}
	}
	if den > 0 {
		v.Score = round2(num / den)
	}
	v.Confidence = round2(float64(len(informing)) / float64(len(signal.Kinds())))
	v.Severity = p.Severity(v.Score)
	v.Action = p.action(v.Severity, v.Score, v.Confidence)

	for _, s := range signals {
		if s.Kind == signal.KindSignature && s.Outcome == signal.OutcomeCompleted && s.Score >= p.NearCertain {
			v.Severity = verdict.SeverityCritical
			v.Action = verdict.ActionQuarantine
			v.KnownBad = true
			family := s.Evidence.Family
			if family == "" {
				family = "unknown family"
			}
			v.Reasons = append(v.Reasons, fmt.Sprintf("known-bad signature match (%s)", family))
			break
		}
	}

	if v.Confidence == 0 {
		v.Severity = verdict.SeverityLow
		v.Action = verdict.ActionMonitor
		v.Reasons = append(v.Reasons, "no collector produced evidence")
	}
	return v
}

// Baseline builds a verdict that carries no collector evidence, used for the
// fast path and for candidates that cannot be evaluated.
func (p *Profile) Baseline(c signal.Candidate, path verdict.Path, score float64, reason string) verdict.Verdict {
	v := verdict.Verdict{
		CandidateID:    c.ID,
		Fingerprint:    c.Fingerprint,
		Score:          round2(score),
		Severity:       verdict.SeverityLow,
		Action:         verdict.ActionMonitor,
		Path:           path,
		ProfileVersion: p.Version,
		Timestamp:      p.now(),
	}
	if reason != "" {
		v.Reasons = []string{reason}
	}
	return v
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
