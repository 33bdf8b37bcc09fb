package sarif

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/chris-regnier/warden/internal/rules"
	"github.com/chris-regnier/warden/internal/verdict"
)

// Assembler provides a builder pattern for constructing SARIF logs from verdicts.
type Assembler struct {
	toolVersion string
	runID       string
	rules       map[string]rules.Rule
	results     []Result
	minSeverity verdict.Severity
}

// NewAssembler creates a new Assembler that reports medium and above.
func NewAssembler(toolVersion string) *Assembler {
	return &Assembler{
		toolVersion: toolVersion,
		rules:       make(map[string]rules.Rule),
		minSeverity: verdict.SeverityMedium,
	}
}

// WithRules registers the static rules verdicts may reference.
func (a *Assembler) WithRules(rs []rules.Rule) *Assembler {
	for _, r := range rs {
		a.rules[r.ID] = r
	}
	return a
}

// WithRunID tags the run with the scan's run ID.
func (a *Assembler) WithRunID(id string) *Assembler {
	a.runID = id
	return a
}

// WithMinSeverity sets the lowest severity that produces a result.
func (a *Assembler) WithMinSeverity(s verdict.Severity) *Assembler {
	a.minSeverity = s
	return a
}

// AddVerdict adds a verdict located at uri. Verdicts below the minimum
// severity are dropped.
func (a *Assembler) AddVerdict(v verdict.Verdict, uri string) *Assembler {
	if v.Severity.Rank() < a.minSeverity.Rank() {
		return a
	}
	a.results = append(a.results, ResultFor(v, uri, a.rules))
	return a
}

// Build constructs the final SARIF log. Only rules referenced by a result are
// listed in the driver.
func (a *Assembler) Build() *Log {
	results := dedup(a.results)

	used := make(map[string]bool)
	for _, r := range results {
		used[r.RuleID] = true
	}
	var descriptors []ReportingDescriptor
	for _, d := range syntheticDescriptors() {
		if used[d.ID] {
			descriptors = append(descriptors, d)
		}
	}
	for id := range used {
		if r, ok := a.rules[id]; ok {
			descriptors = append(descriptors, DescriptorFor(r))
		}
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].ID < descriptors[j].ID })

	log := NewLog("warden", a.toolVersion)
	log.Runs[0].Tool.Driver.Rules = descriptors
	log.Runs[0].Artifacts = artifacts(results)
	log.Runs[0].Results = results
	if a.runID != "" {
		log.Runs[0].Properties = map[string]any{"warden/runId": a.runID}
	}
	return log
}

// artifacts lists each result location once, with its SHA-256 when the
// candidate fingerprint is one.
func artifacts(results []Result) []Artifact {
	seen := make(map[string]bool)
	var out []Artifact
	for _, r := range results {
		if len(r.Locations) == 0 {
			continue
		}
		uri := r.Locations[0].PhysicalLocation.ArtifactLocation.URI
		if seen[uri] {
			continue
		}
		seen[uri] = true
		art := Artifact{Location: ArtifactLocation{URI: uri}}
		if fp, _ := r.Properties[PropFingerprint].(string); isSHA256(fp) {
			art.Hashes = map[string]string{"sha-256": strings.ToLower(fp)}
		}
		out = append(out, art)
	}
	return out
}

func isSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// dedup keeps one result per candidate, the one with the highest score.
// Output is ordered by score descending, then candidate.
func dedup(results []Result) []Result {
	best := make(map[string]Result)
	var order []string
	for _, r := range results {
		id := candidate(r)
		existing, ok := best[id]
		if !ok {
			order = append(order, id)
			best[id] = r
			continue
		}
		if score(r) > score(existing) {
			best[id] = r
		}
	}

	out := make([]Result, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := score(out[i]), score(out[j])
		if si != sj {
			return si > sj
		}
		return candidate(out[i]) < candidate(out[j])
	})
	return out
}

func candidate(r Result) string {
	if id, ok := r.Properties[PropCandidate].(string); ok {
		return id
	}
	if len(r.Locations) > 0 {
		return r.Locations[0].PhysicalLocation.ArtifactLocation.URI
	}
	return r.RuleID
}

func score(r Result) float64 {
	if s, ok := r.Properties[PropScore].(float64); ok {
		return s
	}
	return 0
}
