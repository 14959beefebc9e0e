package matrix

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

var ErrSourceTypeDomain = errors.New("rule source type outside constructor domain")

var (
	databaseDomain = []string{"database", "cache", "auth", "rbac"}
	paymentDomain  = []string{"payment", "database", "auth"}
)

// Builder assembles a rule fluently. Build validates the result.
type Builder struct {
	rule   core.Rule
	domain []string
	kind   string
}

// NewRule starts an active warning-level recommend rule with mid priority.
func NewRule(id string, name string) *Builder {
	return &Builder{rule: core.Rule{
		ID:             id,
		Name:           name,
		Type:           core.RuleRecommend,
		Severity:       core.SeverityWarning,
		ConditionLogic: core.LogicAnd,
		Priority:       50,
		Weight:         0.5,
		Active:         true,
	}}
}

// DatabaseRule restricts the source type to storage-adjacent services.
func DatabaseRule(id string, name string, source core.ServiceIdentifier) *Builder {
	b := NewRule(id, name).Source(source)
	b.domain = databaseDomain
	b.kind = "database"
	return b
}

// PaymentRule restricts the source type to payment-adjacent services.
func PaymentRule(id string, name string, source core.ServiceIdentifier) *Builder {
	b := NewRule(id, name).Source(source)
	b.domain = paymentDomain
	b.kind = "payment"
	return b
}

// FromRule starts a builder from an existing rule. Rules tagged "payment" or
// "database" get the PaymentRule or DatabaseRule source-type domain.
func FromRule(rule core.Rule) *Builder {
	var b *Builder
	switch {
	case rule.HasTag("payment"):
		b = PaymentRule(rule.ID, rule.Name, rule.Source)
	case rule.HasTag("database"):
		b = DatabaseRule(rule.ID, rule.Name, rule.Source)
	default:
		b = NewRule(rule.ID, rule.Name)
	}
	b.rule = rule
	return b
}

func (b *Builder) Type(ruleType core.RuleType) *Builder {
	b.rule.Type = ruleType
	return b
}

func (b *Builder) Severity(severity core.Severity) *Builder {
	b.rule.Severity = severity
	return b
}

func (b *Builder) Description(description string) *Builder {
	b.rule.Description = description
	return b
}

func (b *Builder) Source(source core.ServiceIdentifier) *Builder {
	b.rule.Source = source
	return b
}

func (b *Builder) Target(target core.ServiceIdentifier) *Builder {
	b.rule.Target = &target
	return b
}

func (b *Builder) When(key string, operator core.Operator, value any) *Builder {
	b.rule.Conditions = append(b.rule.Conditions, core.Condition{Key: key, Operator: operator, Value: value})
	return b
}

func (b *Builder) WhenVersion(key string, comparator core.Comparator, threshold float64) *Builder {
	b.rule.Conditions = append(b.rule.Conditions, core.Condition{
		Key:        key,
		Operator:   core.OperatorVersion,
		Constraint: &core.NumericConstraint{Comparator: comparator, Threshold: threshold},
	})
	return b
}

func (b *Builder) Logic(logic core.ConditionLogic) *Builder {
	b.rule.ConditionLogic = logic
	return b
}

func (b *Builder) Priority(priority int) *Builder {
	b.rule.Priority = priority
	return b
}

func (b *Builder) Weight(weight float64) *Builder {
	b.rule.Weight = weight
	return b
}

func (b *Builder) Tags(tags ...string) *Builder {
	b.rule.Tags = append(b.rule.Tags, tags...)
	return b
}

func (b *Builder) Message(message string) *Builder {
	b.rule.Message = message
	return b
}

func (b *Builder) Resolution(resolution core.Resolution) *Builder {
	b.rule.Resolution = &resolution
	return b
}

func (b *Builder) Inactive() *Builder {
	b.rule.Active = false
	return b
}

func (b *Builder) Deprecated() *Builder {
	b.rule.Deprecated = true
	return b
}

func (b *Builder) Build() (core.Rule, error) {
	if b.domain != nil && !slices.ContainsFunc(b.domain, func(allowed string) bool {
		return strings.EqualFold(allowed, b.rule.Source.Type)
	}) {
		return core.Rule{}, fmt.Errorf("%w %q: %w: %s rule has source type %q, want one of %s",
			core.ErrInvalidRule, b.rule.ID, ErrSourceTypeDomain, b.kind, b.rule.Source.Type, strings.Join(b.domain, ", "))
	}

	if err := b.rule.Validate(); err != nil {
		return core.Rule{}, err
	}
	return b.rule.Normalize()
}

// MustBuild is Build for rule sets known to be valid at compile time.
func (b *Builder) MustBuild() core.Rule {
	rule, err := b.Build()
	if err != nil {
		panic(err)
	}
	return rule
}
