package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// DefaultRules returns the built-in detection rules.
func DefaultRules() ([]Rule, error) {
	rf, err := ParseRuleFile(defaultRulesYAML)
	if err != nil {
		return nil, err
	}
	return rf.Rules, nil
}

// Layer is a directory of rule files applied over the defaults. A rule in a
// later layer replaces the rule with the same ID; a rule marked disabled
// removes it.
type Layer struct {
	Name string
	Dir  string
}

// LoadRules layers the user and project rule directories over the defaults.
func LoadRules(userDir, projectDir string) ([]Rule, error) {
	return LoadLayers(
		Layer{Name: "user", Dir: userDir},
		Layer{Name: "project", Dir: projectDir},
	)
}

// LoadLayers applies layers in order over the embedded defaults and returns
// the surviving rules sorted by ID.
func LoadLayers(layers ...Layer) ([]Rule, error) {
	defaults, err := DefaultRules()
	if err != nil {
		return nil, fmt.Errorf("loading default rules: %w", err)
	}

	active := make(map[string]Rule, len(defaults))
	for _, r := range defaults {
		active[r.ID] = r
	}

	for _, l := range layers {
		overrides, err := readLayer(l.Dir)
		if err != nil {
			return nil, fmt.Errorf("loading %s rules from %s: %w", l.Name, l.Dir, err)
		}
		for _, r := range overrides {
			if r.Disabled {
				delete(active, r.ID)
				continue
			}
			active[r.ID] = r
		}
	}

	out := make([]Rule, 0, len(active))
	for _, r := range active {
		out = append(out, r)
	}
	SortByID(out)
	return out, nil
}

// readLayer parses every YAML file in dir in name order. A missing or unset
// directory contributes nothing.
func readLayer(dir string) ([]Rule, error) {
	if dir == "" {
		return nil, nil
	}
	paths, err := ruleFiles(dir)
	if err != nil {
		return nil, err
	}

	var out []Rule
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		rf, err := ParseRuleFile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, rf.Rules...)
	}
	return out, nil
}

func ruleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}
