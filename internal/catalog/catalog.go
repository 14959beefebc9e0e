// Package catalog decodes the declarative rule and bundle catalogs. The
// built-in catalogs are compiled into the binary; RULES_FILE and BUNDLES_FILE
// replace them at startup.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/matrix"
)

//go:embed rules.yaml
var embeddedRules []byte

//go:embed bundles.yaml
var embeddedBundles []byte

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type bundleFile struct {
	Bundles []core.Bundle `yaml:"bundles"`
}

// ruleEntry decodes a rule with active defaulting to true.
type ruleEntry core.Rule

func (e *ruleEntry) UnmarshalYAML(value *yaml.Node) error {
	type plain core.Rule
	rule := plain{Active: true}
	if err := value.Decode(&rule); err != nil {
		return err
	}
	*e = ruleEntry(rule)
	return nil
}

// LoadRules reads the rule catalog at path, or the embedded catalog when path
// is empty.
func LoadRules(path string) ([]core.Rule, error) {
	data, err := read(path, embeddedRules)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// LoadBundles reads the bundle catalog at path, or the embedded catalog when
// path is empty.
func LoadBundles(path string) ([]core.Bundle, error) {
	data, err := read(path, embeddedBundles)
	if err != nil {
		return nil, err
	}
	return ParseBundles(data)
}

// ParseRules decodes and normalizes a rule catalog. Every invalid entry is
// reported in the returned error; the valid entries are still returned.
func ParseRules(data []byte) ([]core.Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode rule catalog: %w", err)
	}

	var errs error
	rules := make([]core.Rule, 0, len(file.Rules))
	for i, entry := range file.Rules {
		normalized, err := matrix.FromRule(core.Rule(entry)).Build()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rules[%d]: %w", i, err))
			continue
		}
		rules = append(rules, normalized)
	}
	return rules, errs
}

// ParseBundles decodes a bundle catalog, rejecting invalid and duplicate
// bundles.
func ParseBundles(data []byte) ([]core.Bundle, error) {
	var file bundleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode bundle catalog: %w", err)
	}

	var errs error
	seen := make(map[string]struct{}, len(file.Bundles))
	bundles := make([]core.Bundle, 0, len(file.Bundles))
	for i, bundle := range file.Bundles {
		if err := bundle.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("bundles[%d]: %w", i, err))
			continue
		}
		if _, ok := seen[bundle.ID]; ok {
			errs = multierr.Append(errs, fmt.Errorf("bundles[%d]: %w: duplicate id %q", i, core.ErrInvalidBundle, bundle.ID))
			continue
		}
		seen[bundle.ID] = struct{}{}
		bundles = append(bundles, bundle)
	}
	return bundles, errs
}

func read(path string, embedded []byte) ([]byte, error) {
	if path == "" {
		return embedded, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return data, nil
}
