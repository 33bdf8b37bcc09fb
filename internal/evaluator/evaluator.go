// Package evaluator decides, through a Rego policy, how a quarantine-worthy
// verdict is remediated.
package evaluator

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/chris-regnier/warden/internal/verdict"
)

//go:embed default.rego
var defaultPolicy string

// The package document holds decision and, optionally, reason.
const query = "data.warden.remediation"

// Decision values a policy may return.
const (
	// DecisionAuto quarantines without waiting for the user.
	DecisionAuto = "auto"
	// DecisionConfirm leaves the record flagged until the user approves.
	DecisionConfirm = "confirm"
	// DecisionNone takes no remediation action.
	DecisionNone = "none"
)

// BuiltinPolicy is the Policy value reported when no custom policy is loaded.
const BuiltinPolicy = "builtin"

// Result is the outcome of a policy evaluation.
type Result struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// Evaluator holds one prepared remediation policy.
type Evaluator struct {
	query  rego.PreparedEvalQuery
	policy string
}

// NewEvaluator prepares the remediation policy. Any .rego files in
// policyDir replace the built-in policy; an empty or missing directory
// keeps it.
func NewEvaluator(policyDir string) (*Evaluator, error) {
	modules, err := policyModules(policyDir)
	if err != nil {
		return nil, err
	}
	policy := BuiltinPolicy
	if modules == nil {
		modules = []func(*rego.Rego){rego.Module("default.rego", defaultPolicy)}
	} else {
		policy = policyDir
	}

	q, err := rego.New(append(modules, rego.Query(query))...).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("preparing remediation policy %s: %w", policy, err)
	}
	return &Evaluator{query: q, policy: policy}, nil
}

// policyModules reads dir's .rego files in name order. It returns nil when
// there are none.
func policyModules(dir string) ([]func(*rego.Rego), error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading policy dir: %w", err)
	}
	var modules []func(*rego.Rego)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rego") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		modules = append(modules, rego.Module(e.Name(), string(data)))
	}
	return modules, nil
}

// Policy names the loaded policy: BuiltinPolicy or the custom directory.
func (e *Evaluator) Policy() string { return e.policy }

// Evaluate returns the remediation decision for v. Policy errors and
// unrecognized answers fall back to DecisionConfirm, so a broken policy never
// auto-quarantines.
func (e *Evaluator) Evaluate(ctx context.Context, v verdict.Verdict) (Result, error) {
	input, err := toInput(v)
	if err != nil {
		return Result{Decision: DecisionConfirm, Reason: "verdict could not be encoded"}, err
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Result{Decision: DecisionConfirm, Reason: "policy evaluation failed"}, fmt.Errorf("evaluating rego: %w", err)
	}

	var doc map[string]any
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		doc, _ = rs[0].Expressions[0].Value.(map[string]any)
	}

	res := Result{Decision: DecisionConfirm}
	switch d, _ := doc["decision"].(string); d {
	case DecisionAuto, DecisionConfirm, DecisionNone:
		res.Decision = d
	}
	if reason, ok := doc["reason"].(string); ok && reason != "" {
		res.Reason = reason
	} else {
		res.Reason = fmt.Sprintf("%s for %s verdict scored %.1f", res.Decision, v.Severity, v.Score)
	}
	return res, nil
}

// toInput converts v to the generic JSON shape Rego evaluates against.
func toInput(v verdict.Verdict) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var input map[string]any
	err = json.Unmarshal(data, &input)
	return input, err
}
