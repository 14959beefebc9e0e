package compat

import (
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

type staticRules []core.Rule

func (r staticRules) Snapshot() []core.Rule { return r }

type panickingRules struct{}

func (panickingRules) Snapshot() []core.Rule { panic("rule store corrupted") }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newChecker(rules ...core.Rule) *Checker {
	return NewChecker(staticRules(rules), WithLogger(quietLogger()), WithClock(func() time.Time {
		return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	}))
}

func svc(serviceType string, provider string, tags ...string) core.ServiceIdentifier {
	return core.ServiceIdentifier{Type: serviceType, Provider: provider, Tags: tags}
}

func rule(id string, ruleType core.RuleType, severity core.Severity, source core.ServiceIdentifier, target *core.ServiceIdentifier) core.Rule {
	return core.Rule{
		ID:             id,
		Name:           id,
		Type:           ruleType,
		Severity:       severity,
		Source:         source,
		Target:         target,
		ConditionLogic: core.LogicAnd,
		Priority:       50,
		Weight:         0.5,
		Active:         true,
	}
}

func ptr(service core.ServiceIdentifier) *core.ServiceIdentifier {
	return &service
}

func TestCheckInfersMissingDatabase(t *testing.T) {
	result := newChecker().Check([]core.ServiceIdentifier{svc("auth", "p")}, DefaultOptions())

	if len(result.MissingDependencies) != 1 || result.MissingDependencies[0].Type != "database" {
		t.Fatalf("expected missing database dependency, got %+v", result.MissingDependencies)
	}
	if result.OverallScore != 85 {
		t.Fatalf("expected score 85, got %d", result.OverallScore)
	}
	if !result.Compatible {
		t.Fatal("a missing dependency is an error, not a critical issue")
	}
	if result.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %v", result.Confidence)
	}
	if result.CheckID == "" || !result.CheckedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected identity %q %v", result.CheckID, result.CheckedAt)
	}
}

func TestCheckRBACImpliesAuthAndDatabase(t *testing.T) {
	result := newChecker().Check([]core.ServiceIdentifier{svc("rbac", "casbin"), svc("payment", "stripe")}, DefaultOptions())

	types := make([]string, 0, len(result.MissingDependencies))
	for _, dependency := range result.MissingDependencies {
		types = append(types, dependency.Type)
	}
	if strings.Join(types, ",") != "auth,database" {
		t.Fatalf("expected auth and database once each, got %v", types)
	}
	if result.OverallScore != 70 {
		t.Fatalf("expected two error penalties, got %d", result.OverallScore)
	}
}

func TestCheckConflictIsCritical(t *testing.T) {
	checker := newChecker(rule("sqlite-auth", core.RuleConflict, core.SeverityCritical, svc("database", "sqlite"), ptr(svc("auth", core.Wildcard))))
	result := checker.Check([]core.ServiceIdentifier{svc("database", "sqlite"), svc("auth", "keycloak")}, DefaultOptions())

	if result.Compatible {
		t.Fatal("expected incompatible result")
	}
	if len(result.CriticalIssues) != 1 || result.CriticalIssues[0].RuleID != "sqlite-auth" {
		t.Fatalf("unexpected critical issues %+v", result.CriticalIssues)
	}
	issue := result.CriticalIssues[0]
	if issue.SourceService.Provider != "sqlite" || issue.TargetService == nil || issue.TargetService.Provider != "keycloak" {
		t.Fatalf("expected issue oriented sqlite -> keycloak, got %+v", issue)
	}
	if result.OverallScore != 75 {
		t.Fatalf("expected score 75, got %d", result.OverallScore)
	}
	if result.RulesApplied != 1 || result.Confidence != 0.9 {
		t.Fatalf("unexpected rules applied %d / confidence %v", result.RulesApplied, result.Confidence)
	}
}

func TestCheckTargetlessRecommendConfiguresSource(t *testing.T) {
	pooling := rule("pg-pooling", core.RuleRecommend, core.SeverityInfo, svc("database", core.Wildcard), nil)
	pooling.Message = "enable connection pooling"

	result := newChecker(pooling).Check([]core.ServiceIdentifier{svc("database", "postgresql"), svc("cache", "redis")}, DefaultOptions())

	if len(result.Recommendations) != 1 {
		t.Fatalf("recommendations = %+v, want one", result.Recommendations)
	}
	recommendation := result.Recommendations[0]
	if recommendation.Type != core.RecommendConfigure {
		t.Fatalf("Type = %q, want %q", recommendation.Type, core.RecommendConfigure)
	}
	if recommendation.Service.Provider != "postgresql" {
		t.Fatalf("Service = %+v, want the selected postgresql service", recommendation.Service)
	}
	if recommendation.RuleID != "pg-pooling" {
		t.Fatalf("RuleID = %q, want pg-pooling", recommendation.RuleID)
	}
}

func TestCheckClassification(t *testing.T) {
	database, cache := svc("database", "postgresql"), svc("cache", "redis")
	recommend := rule("pg-redis", core.RuleRecommend, core.SeverityInfo, svc("database", "postgresql"), ptr(svc("cache", "redis")))
	warning := rule("pg-redis-memory", core.RuleEnhance, core.SeverityWarning, svc("cache", "redis"), nil)
	silent := rule("pg-redis-info", core.RuleRequire, core.SeverityInfo, svc("database", "postgresql"), ptr(svc("cache", core.Wildcard)))

	result := newChecker(recommend, warning, silent).Check([]core.ServiceIdentifier{database, cache}, DefaultOptions())

	if len(result.Recommendations) != 1 || result.Recommendations[0].Type != core.RecommendAdd || result.Recommendations[0].Service.Provider != "redis" {
		t.Fatalf("unexpected recommendations %+v", result.Recommendations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Type != core.IssueConfiguration {
		t.Fatalf("unexpected warnings %+v", result.Warnings)
	}
	if len(result.Issues) != 0 {
		t.Fatalf("info-severity require rule must stay silent, got %+v", result.Issues)
	}
	if result.RulesApplied != 3 {
		t.Fatalf("expected all three rules applied, got %d", result.RulesApplied)
	}
	if result.OverallScore != 97 {
		t.Fatalf("expected 100 - 5 + 2 = 97, got %d", result.OverallScore)
	}
	if result.Confidence != 1.0 {
		t.Fatalf("expected full confidence, got %v", result.Confidence)
	}
}

func TestCheckFilteringDoesNotChangeScore(t *testing.T) {
	warning := rule("w", core.RuleEnhance, core.SeverityWarning, svc("cache", "redis"), nil)
	recommend := rule("r", core.RuleRecommend, core.SeverityInfo, svc("cache", "redis"), ptr(svc("monitoring", "grafana")))
	services := []core.ServiceIdentifier{svc("database", "postgresql"), svc("cache", "redis")}
	checker := newChecker(warning, recommend)

	full := checker.Check(services, DefaultOptions())
	filtered := checker.Check(services, Options{MaxSuggestions: 10})

	if len(filtered.Warnings) != 0 || len(filtered.Recommendations) != 0 {
		t.Fatalf("expected filtered output, got %d warnings %d recommendations", len(filtered.Warnings), len(filtered.Recommendations))
	}
	if full.OverallScore != filtered.OverallScore {
		t.Fatalf("filtering changed score: %d vs %d", full.OverallScore, filtered.OverallScore)
	}
}

func TestCheckRecommendationsSortedAndCapped(t *testing.T) {
	var rules []core.Rule
	for i, priority := range []int{10, 90, 50, 90, 70} {
		r := rule(string(rune('a'+i)), core.RuleRecommend, core.SeveritySuggestion, svc("database", core.Wildcard), ptr(svc("cache", core.Wildcard)))
		r.Priority = priority
		rules = append(rules, r)
	}

	opts := DefaultOptions()
	opts.MaxSuggestions = 3
	result := newChecker(rules...).Check([]core.ServiceIdentifier{svc("database", "postgresql"), svc("cache", "redis")}, opts)

	var got []string
	for _, recommendation := range result.Recommendations {
		got = append(got, recommendation.RuleID)
	}
	if strings.Join(got, ",") != "b,d,e" {
		t.Fatalf("expected stable priority order b,d,e got %v", got)
	}
	if result.OverallScore != 100 {
		t.Fatalf("expected recommendation bonus capped at 100, got %d", result.OverallScore)
	}
}

func TestCheckConditionsUseContext(t *testing.T) {
	conflict := rule("rls", core.RuleConflict, core.SeverityCritical, svc("database", "mysql"), nil)
	conflict.Conditions = []core.Condition{
		{Key: "multi_tenancy.strategy", Operator: core.OperatorEquals, Value: "row-level"},
	}
	services := []core.ServiceIdentifier{svc("database", "mysql"), svc("cache", "redis")}
	checker := newChecker(conflict)

	opts := DefaultOptions()
	opts.Context = core.Context{"multi_tenancy": map[string]any{"strategy": "row-level"}}
	if result := checker.Check(services, opts); result.Compatible {
		t.Fatal("expected conflict when strategy is row-level")
	}

	opts.Context = core.Context{"multi_tenancy": map[string]any{"strategy": "schema-per-tenant"}}
	if result := checker.Check(services, opts); !result.Compatible {
		t.Fatal("expected no conflict for other strategies")
	}
}

func TestCheckEnvironmentInheritance(t *testing.T) {
	conflict := rule("prod-only", core.RuleConflict, core.SeverityError, core.ServiceIdentifier{Type: "cache", Provider: "memory", Environment: []string{"production"}}, nil)
	services := []core.ServiceIdentifier{svc("database", "postgresql"), svc("cache", "memory")}
	checker := newChecker(conflict)

	if result := checker.Check(services, DefaultOptions()); len(result.Issues) != 0 {
		t.Fatalf("expected no match without an environment, got %+v", result.Issues)
	}

	opts := DefaultOptions()
	opts.Environment = "production"
	result := checker.Check(services, opts)
	if len(result.Issues) != 1 {
		t.Fatalf("expected inherited environment to match, got %+v", result.Issues)
	}
	if len(services[1].Environment) != 0 {
		t.Fatal("Check mutated the caller's services")
	}
}

func TestCheckCatalogRequireRule(t *testing.T) {
	requireCache := rule("queue-cache", core.RuleRequire, core.SeverityCritical, svc("queue", core.Wildcard), ptr(svc("cache", core.Wildcard)))
	requireCache.Message = "queues need a cache for deduplication"

	result := newChecker(requireCache).Check([]core.ServiceIdentifier{svc("queue", "nats")}, DefaultOptions())

	if len(result.MissingDependencies) != 1 || result.MissingDependencies[0].Type != "cache" {
		t.Fatalf("expected missing cache, got %+v", result.MissingDependencies)
	}
	if len(result.Issues) != 1 || result.Issues[0].Severity != core.SeverityError || result.Issues[0].RuleID != "queue-cache" {
		t.Fatalf("unexpected issues %+v", result.Issues)
	}
	if result.RulesApplied != 1 {
		t.Fatalf("expected inference rule counted, got %d", result.RulesApplied)
	}
}

func TestCheckCoverageConfidence(t *testing.T) {
	covering := rule("db-cache", core.RuleEnhance, core.SeverityInfo, svc("database", core.Wildcard), ptr(svc("cache", core.Wildcard)))
	services := []core.ServiceIdentifier{svc("database", "postgresql"), svc("cache", "redis"), svc("monitoring", "grafana")}

	result := newChecker(covering).Check(services, DefaultOptions())

	// two of three pairs uncovered, one rule for three services
	want := 1.0 - 0.3*2.0/3.0 - 0.1
	if diff := result.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected confidence %v, got %v", want, result.Confidence)
	}
}

func TestCheckRecoversFromPanics(t *testing.T) {
	checker := NewChecker(panickingRules{}, WithLogger(quietLogger()))
	result := checker.Check([]core.ServiceIdentifier{svc("database", "postgresql"), svc("cache", "redis")}, DefaultOptions())

	if result.Compatible || result.OverallScore != 0 || result.Confidence != core.MinConfidence {
		t.Fatalf("expected degraded result, got %+v", result)
	}
	if len(result.CriticalIssues) != 1 || !strings.Contains(result.CriticalIssues[0].Message, "rule store corrupted") {
		t.Fatalf("expected synthetic critical issue, got %+v", result.CriticalIssues)
	}
}

func TestCheckIsIdempotent(t *testing.T) {
	rules := []core.Rule{
		rule("c", core.RuleConflict, core.SeverityError, svc("database", "sqlite"), nil),
		rule("r", core.RuleRecommend, core.SeverityInfo, svc("database", core.Wildcard), ptr(svc("cache", core.Wildcard))),
	}
	services := []core.ServiceIdentifier{svc("database", "sqlite"), svc("cache", "redis"), svc("auth", "keycloak")}
	checker := newChecker(rules...)

	first := checker.Check(services, DefaultOptions())
	second := checker.Check(services, DefaultOptions())

	if first.OverallScore != second.OverallScore || first.Compatible != second.Compatible ||
		len(first.Issues) != len(second.Issues) || len(first.Recommendations) != len(second.Recommendations) {
		t.Fatalf("results differ: %+v vs %+v", first, second)
	}
	if first.CheckID == second.CheckID {
		t.Fatal("expected distinct check IDs")
	}
}

func TestCheckBoundsHoldForRandomCatalogs(t *testing.T) {
	types := []string{"database", "cache", "auth", "rbac", "payment", "search", "monitoring"}
	ruleTypes := []core.RuleType{core.RuleConflict, core.RuleRecommend, core.RuleRequire, core.RuleEnhance, core.RuleDepend}
	severities := []core.Severity{core.SeverityCritical, core.SeverityError, core.SeverityWarning, core.SeverityInfo, core.SeveritySuggestion}
	random := rand.New(rand.NewPCG(7, 11))

	for iteration := range 200 {
		var rules []core.Rule
		for i := range random.IntN(30) {
			var target *core.ServiceIdentifier
			if random.IntN(2) == 0 {
				target = ptr(svc(types[random.IntN(len(types))], core.Wildcard))
			}
			rules = append(rules, rule(
				string(rune('a'+i)),
				ruleTypes[random.IntN(len(ruleTypes))],
				severities[random.IntN(len(severities))],
				svc(types[random.IntN(len(types))], core.Wildcard),
				target,
			))
		}
		var services []core.ServiceIdentifier
		for range random.IntN(6) {
			services = append(services, svc(types[random.IntN(len(types))], "p"))
		}

		result := newChecker(rules...).Check(services, DefaultOptions())
		if result.OverallScore < 0 || result.OverallScore > 100 {
			t.Fatalf("iteration %d: score %d out of range", iteration, result.OverallScore)
		}
		if result.Confidence < 0.5 || result.Confidence > 1.0 {
			t.Fatalf("iteration %d: confidence %v out of range", iteration, result.Confidence)
		}
	}
}
