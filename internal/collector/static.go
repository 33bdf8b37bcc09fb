// Package collector implements the signal producers consumed by the scan
// engine: static rules, known-bad signatures, external reputation and
// runtime behavior.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/chris-regnier/warden/internal/rules"
	"github.com/chris-regnier/warden/internal/signal"
)

// DefaultStaticConfidence is the confidence of a deterministic rule evaluation.
const DefaultStaticConfidence = 0.9

// StaticCollector evaluates detection rules against a candidate's declared
// capabilities and content markers.
type StaticCollector struct {
	rules      []rules.Rule
	confidence float64
}

// NewStaticCollector builds a collector over rs. A non-positive confidence
// uses DefaultStaticConfidence.
func NewStaticCollector(rs []rules.Rule, confidence float64) *StaticCollector {
	if confidence <= 0 || confidence > 1 {
		confidence = DefaultStaticConfidence
	}
	sorted := make([]rules.Rule, len(rs))
	copy(sorted, rs)
	rules.SortByID(sorted)
	return &StaticCollector{rules: sorted, confidence: confidence}
}

func (s *StaticCollector) Kind() signal.Kind { return signal.KindStatic }

// Collect sums the scores of matched rules, capped at 100.
func (s *StaticCollector) Collect(ctx context.Context, c signal.Candidate) (signal.Result, error) {
	start := time.Now()
	var total float64
	var matched []string
	for _, r := range s.rules {
		if err := ctx.Err(); err != nil {
			return signal.Result{}, err
		}
		if r.Match(c) {
			total += r.Score
			matched = append(matched, r.ID)
		}
	}
	res := signal.Result{
		Kind:       signal.KindStatic,
		Outcome:    signal.OutcomeCompleted,
		Score:      signal.Clamp(total, 0, 100),
		Confidence: s.confidence,
		Duration:   time.Since(start),
	}
	if len(matched) > 0 {
		res.Evidence.Patterns = matched
		res.Evidence.Note = fmt.Sprintf("%d of %d rules matched", len(matched), len(s.rules))
	}
	return res, nil
}

// Rules returns the rules the collector evaluates.
func (s *StaticCollector) Rules() []rules.Rule {
	return s.rules
}
