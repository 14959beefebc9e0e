package matrix

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

// Matrix holds the compatibility rule catalog. Mutations take the exclusive
// lock; checks work on a Snapshot taken under the shared lock.
type Matrix struct {
	mu         sync.RWMutex
	rules      []core.Rule
	byProvider map[string][]int
	byTag      map[string][]int
	logger     *slog.Logger
}

type Option func(*Matrix)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Matrix) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func New(opts ...Option) *Matrix {
	m := &Matrix{
		byProvider: make(map[string][]int),
		byTag:      make(map[string][]int),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load replaces the matrix contents. Invalid rules are skipped and reported
// together in the returned error; valid ones are still loaded.
func (m *Matrix) Load(rules []core.Rule) error {
	loaded := make([]core.Rule, 0, len(rules))
	var errs error
	for _, rule := range rules {
		normalized, err := prepare(rule)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		loaded = append(loaded, normalized)
	}

	m.mu.Lock()
	m.rules = loaded
	m.reindexLocked()
	m.mu.Unlock()

	if errs != nil {
		m.logger.Warn("skipped invalid rules", "skipped", len(multierr.Errors(errs)), "loaded", len(loaded))
	}
	return errs
}

// AddRule validates and stores rule. A rule reusing an existing ID is still
// stored so Validate can report the duplicate.
func (m *Matrix) AddRule(rule core.Rule) error {
	normalized, err := prepare(rule)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = append(m.rules, normalized)
	m.indexLocked(len(m.rules) - 1)
	return nil
}

// RemoveRule deletes every rule carrying id and reports whether any existed.
func (m *Matrix) RemoveRule(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.rules)
	m.rules = slices.DeleteFunc(m.rules, func(rule core.Rule) bool {
		return rule.ID == id
	})
	if len(m.rules) == before {
		return false
	}
	m.reindexLocked()
	return true
}

func (m *Matrix) Rule(id string) (core.Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rule := range m.rules {
		if rule.ID == id {
			return rule, true
		}
	}
	return core.Rule{}, false
}

// Rules returns every stored rule, inactive ones included, in insertion order.
func (m *Matrix) Rules() []core.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.rules)
}

func (m *Matrix) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.rules)
}

// RulesFor returns active rules whose source type matches sourceType and, when
// targetType is set, whose target type matches it. Wildcards match any type.
func (m *Matrix) RulesFor(sourceType string, targetType string) []core.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []core.Rule
	for _, rule := range m.rules {
		if !rule.Active || !typeMatches(rule.Source.Type, sourceType) {
			continue
		}
		if targetType != "" && (rule.Target == nil || !typeMatches(rule.Target.Type, targetType)) {
			continue
		}
		matched = append(matched, rule)
	}
	return matched
}

// RulesForProvider returns active rules naming provider as source or target,
// including rules whose provider is the wildcard, in matrix order.
func (m *Matrix) RulesForProvider(provider string) []core.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := strings.ToLower(provider)
	indexes := m.byProvider[key]
	if key != core.Wildcard {
		indexes = mergeIndexes(indexes, m.byProvider[core.Wildcard])
	}
	return m.activeAtLocked(indexes)
}

func mergeIndexes(left []int, right []int) []int {
	if len(right) == 0 {
		return left
	}
	merged := make([]int, 0, len(left)+len(right))
	merged = append(merged, left...)
	merged = append(merged, right...)
	slices.Sort(merged)
	return slices.Compact(merged)
}

func (m *Matrix) RulesForTag(tag string) []core.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.activeAtLocked(m.byTag[strings.ToLower(tag)])
}

// Snapshot returns a copy of the active rules. Later mutations of the matrix
// do not affect it.
func (m *Matrix) Snapshot() []core.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make([]core.Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		if rule.Active {
			snapshot = append(snapshot, rule)
		}
	}
	return snapshot
}

func (m *Matrix) activeAtLocked(indexes []int) []core.Rule {
	rules := make([]core.Rule, 0, len(indexes))
	for _, index := range indexes {
		if m.rules[index].Active {
			rules = append(rules, m.rules[index])
		}
	}
	return rules
}

func (m *Matrix) reindexLocked() {
	m.byProvider = make(map[string][]int)
	m.byTag = make(map[string][]int)
	for i := range m.rules {
		m.indexLocked(i)
	}
}

func (m *Matrix) indexLocked(index int) {
	rule := m.rules[index]

	providers := []string{strings.ToLower(rule.Source.Provider)}
	if rule.Target != nil {
		if provider := strings.ToLower(rule.Target.Provider); provider != providers[0] {
			providers = append(providers, provider)
		}
	}
	for _, provider := range providers {
		m.byProvider[provider] = append(m.byProvider[provider], index)
	}

	seen := make(map[string]struct{}, len(rule.Tags))
	for _, tag := range rule.Tags {
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		m.byTag[key] = append(m.byTag[key], index)
	}
}

func prepare(rule core.Rule) (core.Rule, error) {
	return FromRule(rule).Build()
}

func typeMatches(pattern string, value string) bool {
	return pattern == core.Wildcard || value == core.Wildcard || strings.EqualFold(pattern, value)
}
