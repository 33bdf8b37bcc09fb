package collector

import (
	"context"
	"time"

	"github.com/chris-regnier/warden/internal/signal"
)

// SignatureCollector matches the candidate fingerprint against a known-bad set.
type SignatureCollector struct {
	set *KnownBadSet
}

func NewSignatureCollector(set *KnownBadSet) *SignatureCollector {
	if set == nil {
		set = NewKnownBadSet(nil)
	}
	return &SignatureCollector{set: set}
}

func (s *SignatureCollector) Kind() signal.Kind { return signal.KindSignature }

// Collect reports a near-certain result on a match. A miss completes with
// zero confidence, since absence from a blocklist says nothing about safety.
func (s *SignatureCollector) Collect(ctx context.Context, c signal.Candidate) (signal.Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return signal.Result{}, err
	}
	res := signal.Result{Kind: signal.KindSignature, Outcome: signal.OutcomeCompleted}
	if family, ok := s.set.Lookup(c.Fingerprint); ok {
		res.Score = 100
		res.Confidence = 1
		res.Evidence.Family = family
		res.Evidence.MatchedHash = normalizeHash(c.Fingerprint)
	}
	res.Duration = time.Since(start)
	return res, nil
}
