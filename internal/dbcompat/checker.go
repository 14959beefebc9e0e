package dbcompat

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/compat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

// Checker runs the generic compatibility check followed by the database
// domain pass and merges the two.
type Checker struct {
	compat    *compat.Checker
	validator *Validator
	options   compat.Options
	logger    *slog.Logger
}

type Option func(*Checker)

// WithOptions sets the base options for the generic pass. The database
// context is layered over Options.Context.
func WithOptions(options compat.Options) Option {
	return func(c *Checker) {
		c.options = options
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewChecker(checker *compat.Checker, validator *Validator, opts ...Option) *Checker {
	c := &Checker{
		compat:    checker,
		validator: validator,
		options:   compat.DefaultOptions(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checker) Check(services []core.ServiceIdentifier, ctx DatabaseContext) core.CheckResult {
	options := c.options
	options.Context = MergeContext(options.Context, ctx.Context())
	if options.Environment != "" {
		resolved := make([]core.ServiceIdentifier, len(services))
		for i, service := range services {
			resolved[i] = service.WithEnvironment(options.Environment)
		}
		services = resolved
	}

	base := c.compat.Check(services, options)

	database, ok := findDatabase(services)
	if !ok {
		result := base
		if options.IncludeWarnings {
			result.Warnings = append(slices.Clone(base.Warnings), core.Issue{
				Type:          core.IssueConfiguration,
				Severity:      core.SeverityWarning,
				Message:       "no database service selected; database checks skipped",
				SourceService: core.ServiceIdentifier{Type: "database", Provider: core.Wildcard},
			})
		}
		compat.Finalize(&result)
		return result
	}

	findings := c.validator.Validate(database, services, ctx)
	domain := core.CheckResult{
		Issues:          findings.Issues,
		Warnings:        findings.Warnings,
		Recommendations: findings.Recommendations,
		OverallScore:    base.OverallScore - findings.Penalty,
		Confidence:      base.Confidence,
		RulesApplied:    base.RulesApplied,
	}
	if findings.Replacement != nil {
		to := core.ServiceIdentifier{Type: database.Type, Provider: findings.Replacement.Provider}
		plan := BuildMigrationPlan(database, to, ctx)
		domain.MigrationPlan = &plan
	}

	result := compat.Merge(base, domain)
	if !options.IncludeWarnings {
		result.Warnings = []core.Issue{}
	}
	if options.IncludeRecommendations {
		result.Recommendations = compat.SortRecommendations(result.Recommendations, options.MaxSuggestions)
	} else {
		result.Recommendations = []core.Recommendation{}
	}
	compat.Finalize(&result)

	c.logger.Debug("database compatibility check completed",
		"check_id", result.CheckID,
		"database", database.Key(),
		"penalty", findings.Penalty,
		"score", result.OverallScore,
		"compatible", result.Compatible,
		"migration_plan", result.MigrationPlan != nil,
	)
	return result
}

func findDatabase(services []core.ServiceIdentifier) (core.ServiceIdentifier, bool) {
	for _, service := range services {
		if strings.EqualFold(service.Type, "database") {
			return service, true
		}
	}
	return core.ServiceIdentifier{}, false
}
