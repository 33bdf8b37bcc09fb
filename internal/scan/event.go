package scan

import (
	"github.com/chris-regnier/warden/internal/signal"
	"github.com/chris-regnier/warden/internal/verdict"
)

// Stage is the coarse point a candidate's evaluation reached.
type Stage string

const (
	// StagePrescreen marks fast-path and invalid candidates.
	StagePrescreen Stage = "prescreen"
	StageCacheHit  Stage = "cache-hit"
	// StageStatic marks verdicts reached without any phase-two evidence.
	StageStatic Stage = "static"
	// StageReputation and StageBehavioral mark verdicts where only that
	// phase-two collector completed.
	StageReputation Stage = "reputation"
	StageBehavioral Stage = "behavioral"
	// StageScored marks verdicts backed by both phase-two collectors.
	StageScored  Stage = "scored"
	StageAborted Stage = "aborted"
)

// Event is the single terminal event emitted for each submitted candidate.
type Event struct {
	RunID     string           `json:"run_id"`
	Candidate signal.Candidate `json:"candidate"`
	Verdict   *verdict.Verdict `json:"verdict,omitempty"`
	Stage     Stage            `json:"stage"`
	// Remediation is the policy decision for quarantine verdicts.
	Remediation string `json:"remediation,omitempty"`
	Processed   int    `json:"processed"`
	Total       int    `json:"total"`
	Aborted     bool   `json:"aborted,omitempty"`
	Err         error  `json:"-"`
	Error       string `json:"error,omitempty"`
}

func stageFor(signals []signal.Result) Stage {
	var rep, beh bool
	for _, s := range signals {
		if s.Outcome != signal.OutcomeCompleted {
			continue
		}
		switch s.Kind {
		case signal.KindReputation:
			rep = true
		case signal.KindBehavioral:
			beh = true
		}
	}
	switch {
	case rep && beh:
		return StageScored
	case rep:
		return StageReputation
	case beh:
		return StageBehavioral
	default:
		return StageStatic
	}
}
