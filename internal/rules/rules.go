package rules

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/chris-regnier/warden/internal/signal"
)

type RuleCategory string

const (
	CategoryPermissions  RuleCategory = "permissions"
	CategoryObfuscation  RuleCategory = "obfuscation"
	CategoryPersistence  RuleCategory = "persistence"
	CategoryExfiltration RuleCategory = "exfiltration"
	CategoryDropper      RuleCategory = "dropper"
)

type RuleSource string

const (
	SourceATTACK    RuleSource = "ATT&CK"
	SourceCommunity RuleSource = "Community"
	SourceCustom    RuleSource = "Custom"
)

// Rule is a static detection heuristic over a candidate's declared
// capabilities and extracted content markers. Every populated condition
// must hold for the rule to match.
type Rule struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Category    RuleCategory     `yaml:"category"`
	AllOf       []string         `yaml:"all_of,omitempty"`
	AnyOf       []string         `yaml:"any_of,omitempty"`
	RawMarkers  []string         `yaml:"markers,omitempty"`
	Markers     []*regexp.Regexp `yaml:"-"`
	Score       float64          `yaml:"score"`
	Confidence  float64          `yaml:"confidence"`
	Message     string           `yaml:"message"`
	Explanation string           `yaml:"explanation,omitempty"`
	Remediation string           `yaml:"remediation,omitempty"`
	Source      RuleSource       `yaml:"source,omitempty"`
	ATTACK      []string         `yaml:"attack,omitempty"`
	References  []string         `yaml:"references,omitempty"`
	// Disabled entries in an override layer switch off the rule with the
	// same ID and need nothing else.
	Disabled    bool             `yaml:"disabled,omitempty"`
}

type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

func ParseRuleFile(data []byte) (*RuleFile, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range rf.Rules {
		r := &rf.Rules[i]
		if err := validateRule(r); err != nil {
			return nil, fmt.Errorf("rule %q (index %d): %w", r.ID, i, err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule ID %q", r.ID)
		}
		seen[r.ID] = true

		r.Markers = make([]*regexp.Regexp, 0, len(r.RawMarkers))
		for _, raw := range r.RawMarkers {
			compiled, err := regexp.Compile(raw)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid marker pattern: %w", r.ID, err)
			}
			r.Markers = append(r.Markers, compiled)
		}
	}

	return &rf, nil
}

func validateRule(r *Rule) error {
	if r.ID == "" {
		return fmt.Errorf("missing required field: id")
	}
	if r.Disabled {
		return nil
	}
	if len(r.AllOf) == 0 && len(r.AnyOf) == 0 && len(r.RawMarkers) == 0 {
		return fmt.Errorf("rule needs at least one of all_of, any_of or markers")
	}
	if r.Message == "" {
		return fmt.Errorf("missing required field: message")
	}
	if r.Score <= 0 || r.Score > 100 {
		return fmt.Errorf("score must be in range (0, 100], got %v", r.Score)
	}
	if r.Confidence <= 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence must be in range (0, 1], got %v", r.Confidence)
	}
	return nil
}

// Match reports whether every condition of the rule holds for c.
func (r Rule) Match(c signal.Candidate) bool {
	for _, cp := range r.AllOf {
		if !c.HasCapability(cp) {
			return false
		}
	}
	if len(r.AnyOf) > 0 {
		found := false
		for _, cp := range r.AnyOf {
			if c.HasCapability(cp) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.Markers) > 0 {
		return r.matchMarkers(c.Markers)
	}
	return true
}

func (r Rule) matchMarkers(markers []string) bool {
	for _, re := range r.Markers {
		for _, m := range markers {
			if re.MatchString(m) {
				return true
			}
		}
	}
	return false
}

// SortByID orders rules by ID so evaluation output is deterministic.
func SortByID(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}

func ByCategory(rules []Rule, category RuleCategory) []Rule {
	var filtered []Rule
	for _, r := range rules {
		if r.Category == category {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// ByTechnique returns the rules mapped to an ATT&CK technique ID.
func ByTechnique(rules []Rule, technique string) []Rule {
	var filtered []Rule
	for _, r := range rules {
		for _, t := range r.ATTACK {
			if t == technique {
				filtered = append(filtered, r)
				break
			}
		}
	}
	return filtered
}
