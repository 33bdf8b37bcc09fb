package sarif

import (
	"fmt"
	"strings"

	"github.com/chris-regnier/warden/internal/rules"
	"github.com/chris-regnier/warden/internal/signal"
	"github.com/chris-regnier/warden/internal/verdict"
)

// Synthetic rule IDs for verdicts that no static rule explains.
const (
	RuleKnownBad = "WRD-K001"
	RuleFused    = "WRD-F001"
)

// Property keys attached to every result.
const (
	PropScore       = "warden/score"
	PropConfidence  = "warden/confidence"
	PropSeverity    = "warden/severity"
	PropAction      = "warden/action"
	PropCandidate   = "warden/candidate"
	PropFingerprint = "warden/fingerprint"
	PropFamily      = "warden/family"
	PropPatterns    = "warden/patterns"
	PropReasons     = "warden/reasons"
)

// Level maps a verdict severity to a SARIF level.
func Level(s verdict.Severity) string {
	switch s {
	case verdict.SeverityCritical, verdict.SeverityHigh:
		return "error"
	case verdict.SeverityMedium:
		return "warning"
	default:
		return "note"
	}
}

// PrimaryRule picks the rule that best explains v: the known-bad rule for
// signature matches, else the highest-scoring static rule, else the fused rule.
func PrimaryRule(v verdict.Verdict, byID map[string]rules.Rule) string {
	if v.KnownBad {
		return RuleKnownBad
	}
	static, ok := v.Signal(signal.KindStatic)
	if !ok || len(static.Evidence.Patterns) == 0 {
		return RuleFused
	}
	best, bestScore := "", -1.0
	for _, id := range static.Evidence.Patterns {
		score := 0.0
		if r, ok := byID[id]; ok {
			score = r.Score
		}
		if score > bestScore {
			best, bestScore = id, score
		}
	}
	return best
}

// ArtifactURI locates the candidate: its package path when known, otherwise
// an app: URI on its identity.
func ArtifactURI(c signal.Candidate) string {
	if c.Path != "" {
		return c.Path
	}
	return "app:" + c.ID
}

// ResultFor converts one verdict into a SARIF result.
func ResultFor(v verdict.Verdict, uri string, byID map[string]rules.Rule) Result {
	ruleID := PrimaryRule(v, byID)

	var family string
	var patterns []string
	for _, s := range v.Signals {
		if s.Evidence.Family != "" && family == "" {
			family = s.Evidence.Family
		}
		patterns = append(patterns, s.Evidence.Patterns...)
	}

	text := fmt.Sprintf("%s scored %.1f (%s, confidence %.2f): %s",
		v.CandidateID, v.Score, v.Severity, v.Confidence, v.Action)
	if r, ok := byID[ruleID]; ok && r.Message != "" {
		text = r.Message + ". " + text
	} else if family != "" {
		text = "Matches " + family + ". " + text
	}

	props := map[string]any{
		PropScore:       v.Score,
		PropConfidence:  v.Confidence,
		PropSeverity:    string(v.Severity),
		PropAction:      string(v.Action),
		PropCandidate:   v.CandidateID,
		PropFingerprint: v.Fingerprint,
	}
	if family != "" {
		props[PropFamily] = family
	}
	if len(patterns) > 0 {
		props[PropPatterns] = strings.Join(patterns, ",")
	}
	if len(v.Reasons) > 0 {
		props[PropReasons] = v.Reasons
	}

	return Result{
		RuleID:  ruleID,
		Level:   Level(v.Severity),
		Message: Message{Text: text},
		Locations: []Location{{
			PhysicalLocation: PhysicalLocation{ArtifactLocation: ArtifactLocation{URI: uri}},
			LogicalLocations: []LogicalLocation{{
				Name:               v.CandidateID,
				FullyQualifiedName: v.CandidateID + "@" + v.Fingerprint,
				Kind:               "module",
			}},
		}},
		Properties: props,
	}
}

// DescriptorFor describes a static rule.
func DescriptorFor(r rules.Rule) ReportingDescriptor {
	d := ReportingDescriptor{
		ID:               r.ID,
		Name:             r.Name,
		ShortDescription: Message{Text: r.Message},
		DefaultConfig:    &ReportingConfiguration{Level: levelForScore(r.Score)},
		Properties: map[string]any{
			"category": string(r.Category),
		},
	}
	if r.Explanation != "" {
		d.FullDescription = &Message{Text: r.Explanation}
	}
	if r.Remediation != "" {
		d.Help = &Message{Text: r.Remediation}
	}
	if len(r.ATTACK) > 0 {
		d.Properties["tags"] = r.ATTACK
	}
	return d
}

func levelForScore(score float64) string {
	switch {
	case score >= 60:
		return "error"
	case score >= 40:
		return "warning"
	default:
		return "note"
	}
}

func syntheticDescriptors() []ReportingDescriptor {
	return []ReportingDescriptor{
		{
			ID:               RuleKnownBad,
			Name:             "known-bad-fingerprint",
			ShortDescription: Message{Text: "Package fingerprint matches a known malware sample"},
			DefaultConfig:    &ReportingConfiguration{Level: "error"},
		},
		{
			ID:               RuleFused,
			Name:             "fused-risk",
			ShortDescription: Message{Text: "Combined reputation, behavioral and static evidence"},
			DefaultConfig:    &ReportingConfiguration{Level: "warning"},
		},
	}
}
