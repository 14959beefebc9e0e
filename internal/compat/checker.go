package compat

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

const DefaultMaxSuggestions = 10

const (
	criticalPenalty       = 25
	errorPenalty          = 15
	warningPenalty        = 5
	recommendationBonus   = 2
	maxRecommendationGain = 10
	uncoveredPairWeight   = 0.3
	sparseRulePenalty     = 0.1
)

// impliedDependencies lists service types that cannot work without another
// service type being present.
var impliedDependencies = map[string][]string{
	"auth":    {"database"},
	"rbac":    {"auth", "database"},
	"payment": {"database"},
	"search":  {"database"},
}

type Options struct {
	Environment            string       `json:"environment,omitempty"`
	IncludeRecommendations bool         `json:"include_recommendations"`
	IncludeWarnings        bool         `json:"include_warnings"`
	MaxSuggestions         int          `json:"max_suggestions"`
	Context                core.Context `json:"context,omitempty"`
}

func DefaultOptions() Options {
	return Options{
		IncludeRecommendations: true,
		IncludeWarnings:        true,
		MaxSuggestions:         DefaultMaxSuggestions,
	}
}

// RuleSource supplies the rules a single check runs against.
type RuleSource interface {
	Snapshot() []core.Rule
}

type Checker struct {
	rules  RuleSource
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Checker)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

func NewChecker(rules RuleSource, opts ...Option) *Checker {
	c := &Checker{
		rules:  rules,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type evaluation struct {
	issues          []core.Issue
	warnings        []core.Issue
	recommendations []core.Recommendation
	missing         []core.ServiceIdentifier
	applied         map[string]struct{}
	totalPairs      int
	uncoveredPairs  int
}

// Check evaluates every unordered pair of services against the active rules.
// It never panics: an unexpected failure degrades the result to incompatible
// with a score of zero.
func (c *Checker) Check(services []core.ServiceIdentifier, opts Options) (result core.CheckResult) {
	result = core.CheckResult{
		CheckID:             c.newID(),
		CheckedAt:           c.now().UTC(),
		Issues:              []core.Issue{},
		CriticalIssues:      []core.Issue{},
		Warnings:            []core.Issue{},
		Recommendations:     []core.Recommendation{},
		MissingDependencies: []core.ServiceIdentifier{},
	}

	resolved := make([]core.ServiceIdentifier, len(services))
	for i, service := range services {
		resolved[i] = service.WithEnvironment(opts.Environment)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("compatibility check failed", "check_id", result.CheckID, "panic", recovered, "services", len(services))
			result = degraded(result, recovered)
		}
	}()

	outcome := evaluate(c.rules.Snapshot(), resolved, opts.Context)
	finish(&result, outcome, len(resolved), opts)

	c.logger.Debug("compatibility check completed",
		"check_id", result.CheckID,
		"services", len(resolved),
		"score", result.OverallScore,
		"compatible", result.Compatible,
		"rules_applied", result.RulesApplied,
	)
	return result
}

func evaluate(rules []core.Rule, services []core.ServiceIdentifier, ctx core.Context) evaluation {
	outcome := evaluation{applied: make(map[string]struct{})}

	for i := 0; i < len(services); i++ {
		for j := i + 1; j < len(services); j++ {
			outcome.totalPairs++
			matched := false
			for _, rule := range rules {
				if !pairMatches(rule, services[i], services[j]) || !rule.Applies(ctx) {
					continue
				}
				matched = true
				outcome.applied[rule.ID] = struct{}{}
				outcome.classify(rule, services[i], services[j])
			}
			if !matched {
				outcome.uncoveredPairs++
			}
		}
	}

	outcome.inferDependencies(rules, services, ctx)
	return outcome
}

func pairMatches(rule core.Rule, left core.ServiceIdentifier, right core.ServiceIdentifier) bool {
	if !core.MatchesAny(rule.Source, left, right) {
		return false
	}
	return rule.Target == nil || core.MatchesAny(*rule.Target, left, right)
}

// orient picks which member of the pair plays the rule's source and target.
func orient(rule core.Rule, left core.ServiceIdentifier, right core.ServiceIdentifier) (core.ServiceIdentifier, *core.ServiceIdentifier) {
	source, other := left, right
	if !core.Matches(rule.Source, left) {
		source, other = right, left
	}
	if rule.Target == nil {
		return source, nil
	}
	if core.Matches(*rule.Target, other) {
		return source, &other
	}
	return source, &source
}

func (e *evaluation) classify(rule core.Rule, left core.ServiceIdentifier, right core.ServiceIdentifier) {
	source, target := orient(rule, left, right)

	switch {
	case rule.Type == core.RuleConflict:
		e.issues = append(e.issues, issueFor(rule, core.IssueConflict, source, target))
	case rule.Type == core.RuleRecommend:
		// A rule without a target matched a selected service, so it advises
		// configuring that service rather than adding one.
		recommendationType, recommended := core.RecommendConfigure, source
		if rule.Target != nil {
			recommendationType, recommended = core.RecommendAdd, *rule.Target
		}
		e.recommendations = append(e.recommendations, core.Recommendation{
			Type:     recommendationType,
			Service:  recommended,
			Reason:   ruleMessage(rule),
			Benefits: benefits(rule),
			Effort:   core.LevelLow,
			Impact:   impactFor(rule.Severity),
			Priority: rule.Priority,
			RuleID:   rule.ID,
		})
	case rule.Severity == core.SeverityWarning:
		e.warnings = append(e.warnings, issueFor(rule, warningIssueType(rule.Type), source, target))
	}
}

func (e *evaluation) inferDependencies(rules []core.Rule, services []core.ServiceIdentifier, ctx core.Context) {
	present := make(map[string]struct{}, len(services))
	for _, service := range services {
		present[strings.ToLower(service.Type)] = struct{}{}
	}
	reported := make(map[string]struct{})

	for _, service := range services {
		for _, dependency := range impliedDependencies[strings.ToLower(service.Type)] {
			if _, ok := present[dependency]; ok {
				continue
			}
			if _, ok := reported[dependency]; ok {
				continue
			}
			reported[dependency] = struct{}{}
			missing := core.ServiceIdentifier{Type: dependency, Provider: core.Wildcard}
			e.missing = append(e.missing, missing)
			e.issues = append(e.issues, core.Issue{
				Type:          core.IssueMissingDependency,
				Severity:      core.SeverityError,
				Message:       fmt.Sprintf("%s requires a %s service", service.Type, dependency),
				SourceService: service,
				TargetService: &missing,
			})
		}
	}

	for _, rule := range rules {
		if rule.Target == nil || (rule.Type != core.RuleRequire && rule.Type != core.RuleDepend) {
			continue
		}
		dependency := strings.ToLower(rule.Target.Type)
		if _, ok := reported[dependency]; ok {
			continue
		}
		source := slices.IndexFunc(services, func(service core.ServiceIdentifier) bool {
			return core.Matches(rule.Source, service)
		})
		if source < 0 || core.MatchesAny(*rule.Target, services...) || !rule.Applies(ctx) {
			continue
		}

		reported[dependency] = struct{}{}
		e.applied[rule.ID] = struct{}{}
		missing := *rule.Target
		e.missing = append(e.missing, missing)
		e.issues = append(e.issues, core.Issue{
			Type:          core.IssueMissingDependency,
			Severity:      core.SeverityError,
			Message:       ruleMessage(rule),
			SourceService: services[source],
			TargetService: &missing,
			RuleID:        rule.ID,
			Resolution:    rule.Resolution,
		})
	}
}

func finish(result *core.CheckResult, outcome evaluation, serviceCount int, opts Options) {
	result.Issues = append(result.Issues, outcome.issues...)
	result.MissingDependencies = append(result.MissingDependencies, outcome.missing...)
	result.RulesApplied = len(outcome.applied)

	result.OverallScore = Score(outcome.issues, len(outcome.warnings), len(outcome.recommendations))

	confidence := 1.0
	if outcome.totalPairs > 0 {
		confidence -= uncoveredPairWeight * float64(outcome.uncoveredPairs) / float64(outcome.totalPairs)
	}
	if result.RulesApplied < serviceCount {
		confidence -= sparseRulePenalty
	}
	result.Confidence = core.ClampConfidence(confidence)

	if opts.IncludeWarnings {
		result.Warnings = append(result.Warnings, outcome.warnings...)
	}
	if opts.IncludeRecommendations {
		result.Recommendations = append(result.Recommendations, SortRecommendations(outcome.recommendations, opts.MaxSuggestions)...)
	}

	Finalize(result)
}

// Score applies the severity penalties and the capped recommendation bonus.
func Score(issues []core.Issue, warnings int, recommendations int) int {
	score := core.MaxScore
	for _, issue := range issues {
		score -= SeverityPenalty(issue.Severity)
	}
	score -= warningPenalty * warnings
	score += min(recommendationBonus*recommendations, maxRecommendationGain)
	return core.ClampScore(score)
}

func SeverityPenalty(severity core.Severity) int {
	switch severity {
	case core.SeverityCritical:
		return criticalPenalty
	case core.SeverityError:
		return errorPenalty
	case core.SeverityWarning:
		return warningPenalty
	default:
		return 0
	}
}

// SortRecommendations orders by priority, highest first, keeping input order
// for ties, and caps the list at limit (DefaultMaxSuggestions when limit <= 0).
func SortRecommendations(recommendations []core.Recommendation, limit int) []core.Recommendation {
	if limit <= 0 {
		limit = DefaultMaxSuggestions
	}
	sorted := slices.Clone(recommendations)
	slices.SortStableFunc(sorted, func(a, b core.Recommendation) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// Finalize re-derives the critical issue list, compatibility and summary from
// the result's issues.
func Finalize(result *core.CheckResult) {
	result.CriticalIssues = make([]core.Issue, 0)
	for _, issue := range result.Issues {
		if issue.Severity == core.SeverityCritical {
			result.CriticalIssues = append(result.CriticalIssues, issue)
		}
	}
	result.Compatible = len(result.CriticalIssues) == 0
	result.OverallScore = core.ClampScore(result.OverallScore)
	result.Confidence = core.ClampConfidence(result.Confidence)
	result.Summary = Summarize(*result)
}

func Summarize(result core.CheckResult) string {
	verdict := "compatible"
	if !result.Compatible {
		verdict = "incompatible"
	}
	summary := fmt.Sprintf("%s: score %d/100, %d critical, %d issue(s), %d warning(s), %d recommendation(s)",
		verdict, result.OverallScore, len(result.CriticalIssues), len(result.Issues), len(result.Warnings), len(result.Recommendations))
	if len(result.MissingDependencies) > 0 {
		missing := make([]string, 0, len(result.MissingDependencies))
		for _, dependency := range result.MissingDependencies {
			missing = append(missing, dependency.Type)
		}
		summary += "; missing " + strings.Join(missing, ", ")
	}
	return summary
}

func degraded(result core.CheckResult, recovered any) core.CheckResult {
	issue := core.Issue{
		Type:     core.IssueInternal,
		Severity: core.SeverityCritical,
		Message:  fmt.Sprintf("compatibility check failed: %v", recovered),
	}
	result.Compatible = false
	result.OverallScore = 0
	result.Confidence = core.MinConfidence
	result.Issues = []core.Issue{issue}
	result.CriticalIssues = []core.Issue{issue}
	result.Warnings = []core.Issue{}
	result.Recommendations = []core.Recommendation{}
	result.MissingDependencies = []core.ServiceIdentifier{}
	result.RulesApplied = 0
	result.Summary = Summarize(result)
	return result
}

func issueFor(rule core.Rule, issueType core.IssueType, source core.ServiceIdentifier, target *core.ServiceIdentifier) core.Issue {
	return core.Issue{
		Type:          issueType,
		Severity:      rule.Severity,
		Message:       ruleMessage(rule),
		SourceService: source,
		TargetService: target,
		RuleID:        rule.ID,
		Resolution:    rule.Resolution,
	}
}

func warningIssueType(ruleType core.RuleType) core.IssueType {
	switch ruleType {
	case core.RuleExclude, core.RuleReplace:
		return core.IssueConflict
	case core.RuleRequire, core.RuleDepend:
		return core.IssueMissingDependency
	default:
		return core.IssueConfiguration
	}
}

func ruleMessage(rule core.Rule) string {
	if rule.Message != "" {
		return rule.Message
	}
	return rule.Name
}

func benefits(rule core.Rule) []string {
	if rule.Description == "" {
		return nil
	}
	return []string{rule.Description}
}

func impactFor(severity core.Severity) core.Level {
	switch severity {
	case core.SeverityCritical, core.SeverityError:
		return core.LevelHigh
	case core.SeverityWarning:
		return core.LevelMedium
	default:
		return core.LevelLow
	}
}
