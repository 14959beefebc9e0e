package matrix

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

const MultiTenantTag = "multi-tenant"

type FindingCode string

const (
	FindingDuplicateID     FindingCode = "duplicate_rule_id"
	FindingDependencyCycle FindingCode = "dependency_cycle"
	FindingMissingCoverage FindingCode = "missing_multi_tenant_coverage"
)

type Finding struct {
	Code    FindingCode `json:"code"`
	Message string      `json:"message"`
	RuleIDs []string    `json:"rule_ids,omitempty"`
	Nodes   []string    `json:"nodes,omitempty"`
}

type ValidationReport struct {
	Valid    bool      `json:"valid"`
	Issues   []Finding `json:"issues"`
	Warnings []Finding `json:"warnings"`
}

type Stats struct {
	Total      int                   `json:"total"`
	Active     int                   `json:"active"`
	Inactive   int                   `json:"inactive"`
	Deprecated int                   `json:"deprecated"`
	ByType     map[core.RuleType]int `json:"by_type"`
	BySeverity map[core.Severity]int `json:"by_severity"`
	Providers  int                   `json:"providers"`
	Tags       int                   `json:"tags"`
}

func (m *Matrix) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Total:      len(m.rules),
		ByType:     make(map[core.RuleType]int),
		BySeverity: make(map[core.Severity]int),
		Providers:  len(m.byProvider),
		Tags:       len(m.byTag),
	}
	for _, rule := range m.rules {
		if rule.Active {
			stats.Active++
		} else {
			stats.Inactive++
		}
		if rule.Deprecated {
			stats.Deprecated++
		}
		stats.ByType[rule.Type]++
		stats.BySeverity[rule.Severity]++
	}
	return stats
}

// Validate checks catalog integrity: duplicate rule IDs and require/depend
// cycles are issues, database providers without multi-tenant coverage are
// warnings.
func (m *Matrix) Validate() ValidationReport {
	rules := m.Rules()

	report := ValidationReport{
		Issues:   append(duplicateFindings(rules), cycleFindings(rules)...),
		Warnings: coverageFindings(rules),
	}
	if report.Issues == nil {
		report.Issues = []Finding{}
	}
	if report.Warnings == nil {
		report.Warnings = []Finding{}
	}
	report.Valid = len(report.Issues) == 0
	return report
}

func duplicateFindings(rules []core.Rule) []Finding {
	counts := make(map[string]int, len(rules))
	var order []string
	for _, rule := range rules {
		if counts[rule.ID] == 0 {
			order = append(order, rule.ID)
		}
		counts[rule.ID]++
	}

	var findings []Finding
	for _, id := range order {
		if counts[id] < 2 {
			continue
		}
		findings = append(findings, Finding{
			Code:    FindingDuplicateID,
			Message: fmt.Sprintf("duplicate rule ID %q appears %d times", id, counts[id]),
			RuleIDs: []string{id},
		})
	}
	return findings
}

// cycleFindings walks the require/depend graph keyed by "type:provider" with a
// three-colour depth-first search and reports every distinct cycle once.
func cycleFindings(rules []core.Rule) []Finding {
	edges := make(map[string]map[string][]string)
	for _, rule := range rules {
		if rule.Target == nil || (rule.Type != core.RuleRequire && rule.Type != core.RuleDepend) {
			continue
		}
		from, to := rule.Source.Key(), rule.Target.Key()
		if edges[from] == nil {
			edges[from] = make(map[string][]string)
		}
		edges[from][to] = append(edges[from][to], rule.ID)
	}

	nodes := make([]string, 0, len(edges))
	for node := range edges {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)

	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(nodes))
	var stack []string
	seen := make(map[string]struct{})
	var findings []Finding

	var visit func(node string)
	visit = func(node string) {
		colour[node] = grey
		stack = append(stack, node)

		targets := make([]string, 0, len(edges[node]))
		for target := range edges[node] {
			targets = append(targets, target)
		}
		slices.Sort(targets)

		for _, target := range targets {
			switch colour[target] {
			case white:
				visit(target)
			case grey:
				start := slices.Index(stack, target)
				cycle := canonicalCycle(stack[start:])
				key := strings.Join(cycle, "->")
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				findings = append(findings, Finding{
					Code:    FindingDependencyCycle,
					Message: "circular dependency: " + key + "->" + cycle[0],
					RuleIDs: cycleRuleIDs(edges, cycle),
					Nodes:   cycle,
				})
			}
		}

		stack = stack[:len(stack)-1]
		colour[node] = black
	}

	for _, node := range nodes {
		if colour[node] == white {
			visit(node)
		}
	}
	return findings
}

// canonicalCycle rotates cycle so that its smallest node comes first.
func canonicalCycle(cycle []string) []string {
	smallest := 0
	for i, node := range cycle {
		if node < cycle[smallest] {
			smallest = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[smallest:]...)
	return append(rotated, cycle[:smallest]...)
}

func cycleRuleIDs(edges map[string]map[string][]string, cycle []string) []string {
	var ids []string
	for i, node := range cycle {
		next := cycle[(i+1)%len(cycle)]
		ids = append(ids, edges[node][next]...)
	}
	return ids
}

func coverageFindings(rules []core.Rule) []Finding {
	databaseProviders := make(map[string]struct{})
	covered := make(map[string]struct{})
	for _, rule := range rules {
		if strings.EqualFold(rule.Source.Type, "database") && rule.Source.Provider != core.Wildcard {
			databaseProviders[strings.ToLower(rule.Source.Provider)] = struct{}{}
		}
		if rule.HasTag(MultiTenantTag) {
			covered[strings.ToLower(rule.Source.Provider)] = struct{}{}
			if rule.Target != nil {
				covered[strings.ToLower(rule.Target.Provider)] = struct{}{}
			}
		}
	}

	providers := make([]string, 0, len(databaseProviders))
	for provider := range databaseProviders {
		if _, ok := covered[provider]; !ok {
			providers = append(providers, provider)
		}
	}
	slices.Sort(providers)

	findings := make([]Finding, 0, len(providers))
	for _, provider := range providers {
		findings = append(findings, Finding{
			Code:    FindingMissingCoverage,
			Message: fmt.Sprintf("database provider %q has no rule tagged %s", provider, MultiTenantTag),
			Nodes:   []string{provider},
		})
	}
	return findings
}
