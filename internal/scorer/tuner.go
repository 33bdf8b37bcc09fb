package scorer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// FeedbackKind classifies an external report about a past verdict.
type FeedbackKind string

const (
	FalsePositive FeedbackKind = "false_positive"
	FalseNegative FeedbackKind = "false_negative"
	Confirmed     FeedbackKind = "confirmed"
)

// Feedback is one report from the feedback channel.
type Feedback struct {
	CandidateID string       `json:"candidate_id"`
	Kind        FeedbackKind `json:"kind"`
}

// TunerConfig bounds how far feedback may move the severity thresholds.
type TunerConfig struct {
	// Gain converts the false-positive/false-negative rate difference into points.
	Gain float64 `json:"gain"`
	// MaxShift caps the absolute offset applied to the bands.
	MaxShift float64 `json:"max_shift"`
	// MinSamples is the number of reports required before a commit shifts anything.
	MinSamples int `json:"min_samples"`
}

// DefaultTunerConfig returns conservative tuning bounds.
func DefaultTunerConfig() TunerConfig {
	return TunerConfig{Gain: 20, MaxShift: 10, MinSamples: 5}
}

// TunerState is the persisted form of a Tuner.
type TunerState struct {
	Version        int     `json:"version"`
	Offset         float64 `json:"offset"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Confirmed      int     `json:"confirmed"`
}

// Tuner owns the adaptive thresholds. Feedback accumulates at any time, but
// the active Profile only changes on Commit, which callers invoke between runs.
type Tuner struct {
	cfg     TunerConfig
	current atomic.Pointer[Profile]

	mu sync.Mutex
	fp int
	fn int
	ok int
}

// NewTuner creates a tuner starting from base.
func NewTuner(base *Profile, cfg TunerConfig) *Tuner {
	t := &Tuner{cfg: cfg}
	t.current.Store(base.clone())
	return t
}

// Current returns the active profile. The returned value must be treated as read-only.
func (t *Tuner) Current() *Profile {
	return t.current.Load()
}

// Record queues a feedback report for the next commit.
func (t *Tuner) Record(fb Feedback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch fb.Kind {
	case FalsePositive:
		t.fp++
	case FalseNegative:
		t.fn++
	case Confirmed:
		t.ok++
	default:
		return fmt.Errorf("unknown feedback kind %q", fb.Kind)
	}
	return nil
}

// Commit folds pending feedback into a new profile version and swaps it in.
// When fewer than MinSamples reports are pending, the active profile is kept.
func (t *Tuner) Commit() *Profile {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current.Load()
	total := t.fp + t.fn + t.ok
	if total == 0 || total < t.cfg.MinSamples {
		return cur
	}

	fpRate := float64(t.fp) / float64(total)
	fnRate := float64(t.fn) / float64(total)
	// More false positives push thresholds up; more false negatives pull them down.
	offset := cur.Offset + (fpRate-fnRate)*t.cfg.Gain
	if offset > t.cfg.MaxShift {
		offset = t.cfg.MaxShift
	}
	if offset < -t.cfg.MaxShift {
		offset = -t.cfg.MaxShift
	}
	t.fp, t.fn, t.ok = 0, 0, 0

	if offset == cur.Offset {
		return cur
	}
	next := cur.clone()
	next.Offset = round2(offset)
	next.Version = cur.Version + 1
	t.current.Store(next)
	return next
}

// State snapshots the tuner for persistence.
func (t *Tuner) State() TunerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.current.Load()
	return TunerState{
		Version:        cur.Version,
		Offset:         cur.Offset,
		FalsePositives: t.fp,
		FalseNegatives: t.fn,
		Confirmed:      t.ok,
	}
}

// Restore loads persisted state on top of the base profile.
func (t *Tuner) Restore(s TunerState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.current.Load().clone()
	if s.Version > 0 {
		next.Version = s.Version
	}
	next.Offset = s.Offset
	if next.Offset > t.cfg.MaxShift {
		next.Offset = t.cfg.MaxShift
	}
	if next.Offset < -t.cfg.MaxShift {
		next.Offset = -t.cfg.MaxShift
	}
	t.fp, t.fn, t.ok = s.FalsePositives, s.FalseNegatives, s.Confirmed
	t.current.Store(next)
}

// LoadState reads tuner state from path. A missing file yields a zero state.
func LoadState(path string) (TunerState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TunerState{}, nil
		}
		return TunerState{}, fmt.Errorf("reading tuner state %s: %w", path, err)
	}
	var s TunerState
	if err := json.Unmarshal(data, &s); err != nil {
		return TunerState{}, fmt.Errorf("parsing tuner state %s: %w", path, err)
	}
	return s, nil
}

// SaveState writes tuner state to path via a temp file rename.
func SaveState(path string, s TunerState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
