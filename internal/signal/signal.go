// Package signal defines the candidate model and the contract shared by every
// detection signal producer.
package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidCandidate is returned when a candidate lacks a stable identity or fingerprint.
	ErrInvalidCandidate = errors.New("invalid candidate")
	// ErrCollectorTimeout marks a collector that did not answer before its deadline.
	ErrCollectorTimeout = errors.New("collector timeout")
	// ErrCollectorFailure marks a transport or parse failure inside a collector.
	ErrCollectorFailure = errors.New("collector failure")
)

// Candidate is an installed application under evaluation. It is immutable for
// the duration of a scan.
type Candidate struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name,omitempty" yaml:"name,omitempty"`
	Version      string   `json:"version,omitempty" yaml:"version,omitempty"`
	Fingerprint  string   `json:"fingerprint" yaml:"fingerprint"`
	Path         string   `json:"path,omitempty" yaml:"path,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	// Markers are content strings extracted from the package (class names,
	// embedded URLs, API references) by the host-specific extractor.
	Markers []string `json:"markers,omitempty" yaml:"markers,omitempty"`
	// Indicators are network indicators (domains, IPs) associated with the package.
	Indicators []string `json:"indicators,omitempty" yaml:"indicators,omitempty"`
	Privileged bool     `json:"privileged,omitempty" yaml:"privileged,omitempty"`
}

// Validate reports ErrInvalidCandidate when the identity or fingerprint is missing.
func (c Candidate) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCandidate)
	}
	if strings.TrimSpace(c.Fingerprint) == "" {
		return fmt.Errorf("%w: %s: missing fingerprint", ErrInvalidCandidate, c.ID)
	}
	return nil
}

// HasCapability reports whether the candidate declares the capability.
// Comparison is case-insensitive.
func (c Candidate) HasCapability(name string) bool {
	for _, cp := range c.Capabilities {
		if strings.EqualFold(cp, name) {
			return true
		}
	}
	return false
}

// Kind identifies a collector.
type Kind string

const (
	KindStatic     Kind = "static"
	KindSignature  Kind = "signature"
	KindReputation Kind = "reputation"
	KindBehavioral Kind = "behavioral"
)

// Kinds returns every collector kind in evaluation order.
func Kinds() []Kind {
	return []Kind{KindStatic, KindSignature, KindReputation, KindBehavioral}
}

// Outcome is the terminal state of one collector invocation.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Evidence is the structured payload attached to a signal.
type Evidence struct {
	Family      string   `json:"family,omitempty"`
	MatchedHash string   `json:"matched_hash,omitempty"`
	Patterns    []string `json:"patterns,omitempty"`
	Sources     []string `json:"sources,omitempty"`
	Indicators  []string `json:"indicators,omitempty"`
	Note        string   `json:"note,omitempty"`
}

// Result is one collector's assessment of one candidate.
type Result struct {
	Kind       Kind          `json:"kind"`
	Outcome    Outcome       `json:"outcome"`
	Score      float64       `json:"score"`
	Confidence float64       `json:"confidence"`
	Evidence   Evidence      `json:"evidence"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Informs reports whether the result carries evidence the scorer may use.
func (r Result) Informs() bool {
	return r.Outcome == OutcomeCompleted && r.Confidence > 0
}

// Skipped builds a skipped result with an explanatory note.
func Skipped(kind Kind, note string) Result {
	return Result{Kind: kind, Outcome: OutcomeSkipped, Evidence: Evidence{Note: note}}
}

// Collector is implemented by every signal producer. Implementations must be
// query-only and honor ctx cancellation where they can; Run enforces the
// deadline for those that do not.
type Collector interface {
	Kind() Kind
	Collect(ctx context.Context, c Candidate) (Result, error)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
