// Package verdict holds the fused risk assessment produced for a candidate.
package verdict

import (
	"time"

	"github.com/chris-regnier/warden/internal/signal"
)

// Severity tiers, lowest first.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Action is the recommended response.
type Action string

const (
	ActionMonitor    Action = "monitor"
	ActionAlert      Action = "alert"
	ActionQuarantine Action = "quarantine"
)

// Path records how the verdict was reached. A cache hit returns the stored
// verdict unchanged; the scan event's stage marks it.
type Path string

const (
	PathFastPath Path = "fast-path"
	PathFull     Path = "full"
	PathInvalid  Path = "invalid"
)

// Verdict is the fused, final assessment of one candidate in one run.
type Verdict struct {
	CandidateID    string          `json:"candidate_id"`
	Fingerprint    string          `json:"fingerprint"`
	Score          float64         `json:"score"`
	Severity       Severity        `json:"severity"`
	Action         Action          `json:"action"`
	Confidence     float64         `json:"confidence"`
	KnownBad       bool            `json:"known_bad,omitempty"`
	Signals        []signal.Result `json:"signals,omitempty"`
	Reasons        []string        `json:"reasons,omitempty"`
	Path           Path            `json:"path"`
	ProfileVersion int             `json:"profile_version"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Clone returns a deep copy so cached verdicts cannot be mutated by callers.
func (v Verdict) Clone() Verdict {
	out := v
	if v.Signals != nil {
		out.Signals = make([]signal.Result, len(v.Signals))
		for i, s := range v.Signals {
			s.Evidence.Patterns = cloneStrings(s.Evidence.Patterns)
			s.Evidence.Sources = cloneStrings(s.Evidence.Sources)
			s.Evidence.Indicators = cloneStrings(s.Evidence.Indicators)
			out.Signals[i] = s
		}
	}
	out.Reasons = cloneStrings(v.Reasons)
	return out
}

// Signal returns the result reported by the given collector kind, if any.
func (v Verdict) Signal(kind signal.Kind) (signal.Result, bool) {
	for _, s := range v.Signals {
		if s.Kind == kind {
			return s, true
		}
	}
	return signal.Result{}, false
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
