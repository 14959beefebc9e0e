package core

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/blang/semver/v4"
)

// Wildcard matches any service type or provider when used on the pattern side.
const Wildcard = "*"

type ServiceIdentifier struct {
	Type              string   `json:"type" yaml:"type" validate:"required"`
	Provider          string   `json:"provider" yaml:"provider" validate:"required"`
	Tags              []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Environment       []string `json:"environment,omitempty" yaml:"environment,omitempty"`
	VersionConstraint string   `json:"version_constraint,omitempty" yaml:"version_constraint,omitempty"`
	Version           string   `json:"version,omitempty" yaml:"version,omitempty"`
}

func (s ServiceIdentifier) Key() string {
	return strings.ToLower(s.Type) + ":" + strings.ToLower(s.Provider)
}

func (s ServiceIdentifier) String() string {
	if s.Version != "" {
		return s.Key() + "@" + s.Version
	}
	return s.Key()
}

func (s ServiceIdentifier) HasTag(tag string) bool {
	return slices.ContainsFunc(s.Tags, func(candidate string) bool {
		return strings.EqualFold(candidate, tag)
	})
}

// WithEnvironment returns a copy carrying env when the service has no
// environment of its own.
func (s ServiceIdentifier) WithEnvironment(env string) ServiceIdentifier {
	if env == "" || len(s.Environment) > 0 {
		return s
	}
	s.Environment = []string{env}
	return s
}

type RuleType string

const (
	RuleRequire   RuleType = "require"
	RuleConflict  RuleType = "conflict"
	RuleRecommend RuleType = "recommend"
	RuleExclude   RuleType = "exclude"
	RuleReplace   RuleType = "replace"
	RuleEnhance   RuleType = "enhance"
	RuleDepend    RuleType = "depend"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleRequire, RuleConflict, RuleRecommend, RuleExclude, RuleReplace, RuleEnhance, RuleDepend:
		return true
	default:
		return false
	}
}

func ParseRuleType(value string) (RuleType, error) {
	ruleType := RuleType(strings.ToLower(strings.TrimSpace(value)))
	if !ruleType.Valid() {
		return "", fmt.Errorf("unknown rule type %q", value)
	}
	return ruleType, nil
}

type Severity string

const (
	SeverityCritical   Severity = "critical"
	SeverityError      Severity = "error"
	SeverityWarning    Severity = "warning"
	SeverityInfo       Severity = "info"
	SeveritySuggestion Severity = "suggestion"
)

// Rank orders severities from suggestion (1) to critical (5). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityError:
		return 4
	case SeverityWarning:
		return 3
	case SeverityInfo:
		return 2
	case SeveritySuggestion:
		return 1
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

func ParseSeverity(value string) (Severity, error) {
	severity := Severity(strings.ToLower(strings.TrimSpace(value)))
	if !severity.Valid() {
		return "", fmt.Errorf("unknown severity %q", value)
	}
	return severity, nil
}

type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
	OperatorRegex       Operator = "regex"
	OperatorVersion     Operator = "version"
	OperatorSemver      Operator = "semver"
)

func (o Operator) Valid() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorContains, OperatorNotContains,
		OperatorRegex, OperatorVersion, OperatorSemver:
		return true
	default:
		return false
	}
}

type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

// Valid reports whether l is a known logic. The empty value means AND.
func (l ConditionLogic) Valid() bool {
	switch l {
	case "", LogicAnd, LogicOr:
		return true
	default:
		return false
	}
}

type Comparator string

const (
	ComparatorGreater      Comparator = "gt"
	ComparatorGreaterEqual Comparator = "gte"
	ComparatorLess         Comparator = "lt"
	ComparatorLessEqual    Comparator = "lte"
	ComparatorEqual        Comparator = "eq"
)

func (c Comparator) Valid() bool {
	switch c {
	case ComparatorGreater, ComparatorGreaterEqual, ComparatorLess, ComparatorLessEqual, ComparatorEqual:
		return true
	default:
		return false
	}
}

// NumericConstraint is a comparator applied to a numeric threshold, e.g. ">= 14".
type NumericConstraint struct {
	Comparator Comparator `json:"comparator" yaml:"comparator" validate:"comparator"`
	Threshold  float64    `json:"threshold" yaml:"threshold"`
}

func (c NumericConstraint) Satisfied(value float64) bool {
	switch c.Comparator {
	case ComparatorGreater:
		return value > c.Threshold
	case ComparatorGreaterEqual:
		return value >= c.Threshold
	case ComparatorLess:
		return value < c.Threshold
	case ComparatorLessEqual:
		return value <= c.Threshold
	case ComparatorEqual:
		return value == c.Threshold
	default:
		return false
	}
}

func (c NumericConstraint) String() string {
	symbol := "="
	switch c.Comparator {
	case ComparatorGreater:
		symbol = ">"
	case ComparatorGreaterEqual:
		symbol = ">="
	case ComparatorLess:
		symbol = "<"
	case ComparatorLessEqual:
		symbol = "<="
	}
	return fmt.Sprintf("%s%g", symbol, c.Threshold)
}

// ParseNumericConstraint parses the textual catalog form (">100", "<=14.5", "16")
// into a typed constraint. A missing comparator prefix means equality.
func ParseNumericConstraint(value string) (NumericConstraint, error) {
	text := strings.TrimSpace(value)
	comparator := ComparatorEqual

	for _, prefix := range []struct {
		symbol     string
		comparator Comparator
	}{
		{">=", ComparatorGreaterEqual},
		{"<=", ComparatorLessEqual},
		{"==", ComparatorEqual},
		{">", ComparatorGreater},
		{"<", ComparatorLess},
		{"=", ComparatorEqual},
	} {
		if strings.HasPrefix(text, prefix.symbol) {
			comparator = prefix.comparator
			text = text[len(prefix.symbol):]
			break
		}
	}

	threshold, ok := leadingNumber(text)
	if !ok {
		return NumericConstraint{}, fmt.Errorf("constraint %q has no numeric threshold", value)
	}

	return NumericConstraint{Comparator: comparator, Threshold: threshold}, nil
}

type Condition struct {
	Key        string             `json:"key" yaml:"key" validate:"required"`
	Operator   Operator           `json:"operator" yaml:"operator" validate:"operator"`
	Value      any                `json:"value,omitempty" yaml:"value,omitempty"`
	Constraint *NumericConstraint `json:"constraint,omitempty" yaml:"constraint,omitempty"`

	// Compiled operands, set by Rule.Normalize.
	pattern      *regexp.Regexp
	versionRange semver.Range
}

type Resolution struct {
	Steps        []string            `json:"steps,omitempty" yaml:"steps,omitempty"`
	Alternatives []ServiceIdentifier `json:"alternatives,omitempty" yaml:"alternatives,omitempty"`
	Cost         string              `json:"cost,omitempty" yaml:"cost,omitempty"`
}

type Rule struct {
	ID             string             `json:"id" yaml:"id" validate:"required"`
	Name           string             `json:"name" yaml:"name" validate:"required"`
	Description    string             `json:"description,omitempty" yaml:"description,omitempty"`
	Type           RuleType           `json:"type" yaml:"type" validate:"ruletype"`
	Severity       Severity           `json:"severity" yaml:"severity" validate:"severity"`
	Source         ServiceIdentifier  `json:"source" yaml:"source"`
	Target         *ServiceIdentifier `json:"target,omitempty" yaml:"target,omitempty"`
	Conditions     []Condition        `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`
	ConditionLogic ConditionLogic     `json:"condition_logic,omitempty" yaml:"condition_logic,omitempty" validate:"logic"`
	Priority       int                `json:"priority" yaml:"priority" validate:"min=0,max=100"`
	Weight         float64            `json:"weight" yaml:"weight" validate:"min=0,max=1"`
	Active         bool               `json:"active" yaml:"active"`
	Deprecated     bool               `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	Tags           []string           `json:"tags,omitempty" yaml:"tags,omitempty"`
	Message        string             `json:"message,omitempty" yaml:"message,omitempty"`
	Resolution     *Resolution        `json:"resolution,omitempty" yaml:"resolution,omitempty"`
}

// Applies reports whether the rule's conditions hold against ctx.
func (r Rule) Applies(ctx Context) bool {
	return EvaluateConditions(r.Conditions, r.ConditionLogic, ctx)
}

func (r Rule) HasTag(tag string) bool {
	return slices.ContainsFunc(r.Tags, func(candidate string) bool {
		return strings.EqualFold(candidate, tag)
	})
}

// Normalize returns a copy of the rule with textual version constraints parsed
// into typed constraints and an explicit condition logic.
func (r Rule) Normalize() (Rule, error) {
	if r.ConditionLogic == "" {
		r.ConditionLogic = LogicAnd
	}
	if len(r.Conditions) == 0 {
		return r, nil
	}

	conditions := make([]Condition, len(r.Conditions))
	copy(conditions, r.Conditions)

	for i, condition := range conditions {
		switch condition.Operator {
		case OperatorVersion:
			if condition.Constraint != nil {
				continue
			}
			constraint, err := ParseNumericConstraint(fmt.Sprint(condition.Value))
			if err != nil {
				return Rule{}, fmt.Errorf("%w: rule %q condition %q: %v", ErrInvalidRule, r.ID, condition.Key, err)
			}
			conditions[i].Constraint = &constraint
		case OperatorRegex:
			pattern, _ := condition.Value.(string)
			compiled, ok := compilePattern(pattern)
			if !ok {
				return Rule{}, fmt.Errorf("%w: rule %q condition %q: regex %q does not compile", ErrInvalidRule, r.ID, condition.Key, pattern)
			}
			conditions[i].pattern = compiled
		case OperatorSemver:
			expression, _ := condition.Value.(string)
			versionRange, ok := ParseVersionRange(expression)
			if !ok {
				return Rule{}, fmt.Errorf("%w: rule %q condition %q: semver range %q does not parse", ErrInvalidRule, r.ID, condition.Key, expression)
			}
			conditions[i].versionRange = versionRange
		}
	}
	r.Conditions = conditions

	return r, nil
}
