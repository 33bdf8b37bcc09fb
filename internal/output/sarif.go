package output

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/chris-regnier/warden/internal/sarif"
	"github.com/chris-regnier/warden/internal/scan"
)

const informationURI = "https://github.com/chris-regnier/warden"

// FingerprintKey names the partial fingerprint dashboards use to track an
// alert across uploads.
const FingerprintKey = "wardenCandidate/v1"

// SARIFFormatter renders the SARIF log with the extra properties code
// scanning dashboards read: security-severity, precision, a partial
// fingerprint and the invocation.
type SARIFFormatter struct{}

// Format enriches the SARIF log in place and serializes it as indented JSON
// with a trailing newline.
func (f *SARIFFormatter) Format(result *ScanOutput) ([]byte, error) {
	if result == nil || result.SARIFLog == nil {
		return nil, fmt.Errorf("sarif formatter: SARIF log is required")
	}

	inv := invocation(result.Report)
	for i := range result.SARIFLog.Runs {
		run := &result.SARIFLog.Runs[i]
		run.Tool.Driver.InformationURI = informationURI
		run.Invocations = []sarif.Invocation{inv}
		for j := range run.Results {
			annotate(&run.Results[j])
		}
	}

	data, err := json.MarshalIndent(result.SARIFLog, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("sarif formatter: %w", err)
	}
	return append(data, '\n'), nil
}

// invocation reports the run as successful unless candidates were aborted.
func invocation(report *scan.Report) sarif.Invocation {
	wd, _ := os.Getwd()
	inv := sarif.Invocation{
		WorkingDirectory:    sarif.ArtifactLocation{URI: wd},
		ExecutionSuccessful: true,
	}
	if report != nil {
		inv.ExecutionSuccessful = report.Aborted == 0
		if !report.GeneratedAt.IsZero() {
			end := report.GeneratedAt.UTC()
			inv.EndTimeUTC = &end
		}
	}
	return inv
}

func annotate(r *sarif.Result) {
	if r.Properties == nil {
		r.Properties = make(map[string]any)
	}
	candidate, _ := r.Properties[sarif.PropCandidate].(string)
	fp, _ := r.Properties[sarif.PropFingerprint].(string)
	score, _ := r.Properties[sarif.PropScore].(float64)
	conf, _ := r.Properties[sarif.PropConfidence].(float64)

	if r.PartialFingerprints == nil {
		r.PartialFingerprints = make(map[string]string)
	}
	r.PartialFingerprints[FingerprintKey] = alertKey(r.RuleID, candidate, fp)
	r.Properties["security-severity"] = securitySeverity(r.Level, score)
	r.Properties["precision"] = precision(conf)
}

// alertKey identifies an alert by rule, package and build. A new build of a
// flagged package is a new alert.
func alertKey(ruleID, candidate, fingerprint string) string {
	sum := sha256.Sum256([]byte(ruleID + "|" + candidate + "|" + fingerprint))
	return hex.EncodeToString(sum[:16])
}

// securitySeverity scales the 0-100 risk score to the 0-10 range, falling
// back to a level default when no score is attached.
func securitySeverity(level string, score float64) float64 {
	if score > 0 {
		return math.Round(score) / 10
	}
	switch level {
	case "error":
		return 8.0
	case "warning":
		return 5.0
	default:
		return 2.0
	}
}

func precision(confidence float64) string {
	switch {
	case confidence >= 0.75:
		return "high"
	case confidence >= 0.5:
		return "medium"
	default:
		return "low"
	}
}
