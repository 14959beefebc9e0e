package dbcompat

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

const (
	embeddedStrategyPenalty = 40
	embeddedScalePenalty    = 50
	strictRLSPenalty        = 30
	relaxedRLSPenalty       = 20
	schemaPenalty           = 20
	replicaPenalty          = 30
	shardingPenalty         = 50
	compliancePenalty       = 15

	// EmbeddedTenantLimit is the tenant count above which an embedded engine
	// cannot serve even a database-per-tenant layout.
	EmbeddedTenantLimit = 100
)

// Findings is the outcome of the domain pass over one database service.
type Findings struct {
	Database        core.ServiceIdentifier `json:"database"`
	Issues          []core.Issue           `json:"issues"`
	Warnings        []core.Issue           `json:"warnings"`
	Recommendations []core.Recommendation  `json:"recommendations"`
	Penalty         int                    `json:"penalty"`
	Replacement     *Profile               `json:"replacement,omitempty"`
}

// Incompatible reports whether the domain pass raised a critical issue.
func (f Findings) Incompatible() bool {
	for _, issue := range f.Issues {
		if issue.Severity == core.SeverityCritical {
			return true
		}
	}
	return false
}

type Validator struct {
	strictIsolation bool
	logger          *slog.Logger
}

type ValidatorOption func(*Validator)

// WithStrictIsolation escalates missing native row-level security from an
// error to a critical issue.
func WithStrictIsolation(strict bool) ValidatorOption {
	return func(v *Validator) {
		v.strictIsolation = strict
	}
}

func WithValidatorLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type requirement struct {
	networked        bool
	rowLevelSecurity bool
	schemas          bool
	readReplicas     bool
	sharding         bool
	encryption       bool
	audit            bool
	standards        []string
}

func (r requirement) satisfiedBy(profile Profile) bool {
	switch {
	case r.networked && profile.Embedded,
		r.rowLevelSecurity && !profile.RowLevelSecurity,
		r.schemas && !profile.Schemas,
		r.readReplicas && !profile.ReadReplicas,
		r.sharding && !profile.Sharding,
		r.encryption && !profile.EncryptionAtRest,
		r.audit && !profile.AuditLogging:
		return false
	}
	for _, standard := range r.standards {
		if !profile.Attests(standard) {
			return false
		}
	}
	return true
}

func requirementsFor(ctx DatabaseContext) requirement {
	strategy := ctx.MultiTenancy.Strategy
	return requirement{
		networked:        (strategy != "" && strategy != core.TenancyDatabasePerTenant) || ctx.MultiTenancy.MaxTenants > EmbeddedTenantLimit,
		rowLevelSecurity: strategy == core.TenancyRowLevel,
		schemas:          strategy == core.TenancySchemaPerTenant,
		readReplicas:     ctx.Scaling.ReadReplicas,
		sharding:         ctx.Scaling.Sharding,
		encryption:       ctx.Compliance.EncryptionAtRest,
		audit:            ctx.Compliance.AuditLogging,
		standards:        ctx.Compliance.Standards,
	}
}

// Validate applies the structural engine facts to database in the presence of
// the other selected services.
func (v *Validator) Validate(database core.ServiceIdentifier, services []core.ServiceIdentifier, ctx DatabaseContext) Findings {
	findings := Findings{
		Database:        database,
		Issues:          []core.Issue{},
		Warnings:        []core.Issue{},
		Recommendations: []core.Recommendation{},
	}

	profile, ok := Lookup(database.Provider)
	if !ok {
		findings.Warnings = append(findings.Warnings, core.Issue{
			Type:          core.IssueConfiguration,
			Severity:      core.SeverityWarning,
			Message:       fmt.Sprintf("no engine profile for %q; structural checks skipped", database.Provider),
			SourceService: database,
		})
		return findings
	}

	strategy := ctx.MultiTenancy.Strategy
	if profile.Embedded && strategy != "" && strategy != core.TenancyDatabasePerTenant {
		findings.add(core.IssueConflict, core.SeverityCritical, embeddedStrategyPenalty,
			fmt.Sprintf("%s is an embedded single-file engine and cannot isolate tenants with the %s strategy", profile.Provider, strategy))
	}
	if profile.Embedded && ctx.MultiTenancy.MaxTenants > EmbeddedTenantLimit {
		findings.add(core.IssueConflict, core.SeverityCritical, embeddedScalePenalty,
			fmt.Sprintf("%s cannot serve %d tenants; embedded engines top out at %d", profile.Provider, ctx.MultiTenancy.MaxTenants, EmbeddedTenantLimit))
	}
	if strategy == core.TenancyRowLevel && !profile.RowLevelSecurity {
		severity, penalty := core.SeverityError, relaxedRLSPenalty
		if v.strictIsolation {
			severity, penalty = core.SeverityCritical, strictRLSPenalty
		}
		findings.add(core.IssueConflict, severity, penalty,
			fmt.Sprintf("%s has no native row-level security for the row-level tenancy strategy", profile.Provider))
	}
	if strategy == core.TenancySchemaPerTenant && !profile.Schemas {
		findings.add(core.IssueConflict, core.SeverityError, schemaPenalty,
			fmt.Sprintf("%s does not support schemas for the schema-per-tenant strategy", profile.Provider))
	}
	if ctx.Scaling.ReadReplicas && !profile.ReadReplicas {
		findings.add(core.IssuePerformance, core.SeverityCritical, replicaPenalty,
			fmt.Sprintf("%s cannot provide read replicas", profile.Provider))
	}
	if ctx.Scaling.Sharding && !profile.Sharding {
		findings.add(core.IssuePerformance, core.SeverityCritical, shardingPenalty,
			fmt.Sprintf("%s does not support sharding", profile.Provider))
	}
	if ctx.Compliance.EncryptionAtRest && !profile.EncryptionAtRest {
		findings.add(core.IssueCompliance, core.SeverityError, compliancePenalty,
			fmt.Sprintf("%s does not offer encryption at rest", profile.Provider))
	}
	if ctx.Compliance.AuditLogging && !profile.AuditLogging {
		findings.add(core.IssueCompliance, core.SeverityError, compliancePenalty,
			fmt.Sprintf("%s does not offer audit logging", profile.Provider))
	}

	for _, standard := range ctx.Compliance.Standards {
		if profile.Attests(standard) {
			continue
		}
		findings.Warnings = append(findings.Warnings, core.Issue{
			Type:          core.IssueCompliance,
			Severity:      core.SeverityWarning,
			Message:       fmt.Sprintf("%s cannot attest %s compliance", profile.Provider, strings.ToUpper(standard)),
			SourceService: database,
		})
		findings.Recommendations = append(findings.Recommendations, core.Recommendation{
			Type:     core.RecommendConfigure,
			Service:  database,
			Reason:   fmt.Sprintf("document compensating controls for %s", strings.ToUpper(standard)),
			Benefits: []string{"audit readiness"},
			Effort:   core.LevelMedium,
			Impact:   core.LevelMedium,
			Priority: 60,
		})
	}

	if ctx.StrictLatency() && !hasType(services, "cache") {
		findings.Recommendations = append(findings.Recommendations, core.Recommendation{
			Type:     core.RecommendAdd,
			Service:  core.ServiceIdentifier{Type: "cache", Provider: "redis"},
			Reason:   fmt.Sprintf("a %dms latency budget needs a caching layer in front of %s", ctx.Performance.MaxLatencyMs, profile.Provider),
			Benefits: []string{"lower read latency", "reduced database load"},
			Effort:   core.LevelLow,
			Impact:   core.LevelHigh,
			Priority: 70,
		})
	}

	if ctx.Scaling.ExpectedLoad.Heavy() && !profile.ConnectionPooling {
		findings.Recommendations = append(findings.Recommendations, core.Recommendation{
			Type:     core.RecommendConfigure,
			Service:  database,
			Reason:   fmt.Sprintf("put a connection pooler in front of %s for %s load", profile.Provider, ctx.Scaling.ExpectedLoad),
			Benefits: []string{"bounded connection count"},
			Effort:   core.LevelLow,
			Impact:   core.LevelLow,
			Priority: 30,
		})
	}

	if findings.Incompatible() {
		if replacement, ok := replacementFor(profile.Provider, requirementsFor(ctx)); ok {
			findings.Replacement = &replacement
			findings.Recommendations = append(findings.Recommendations, core.Recommendation{
				Type:     core.RecommendReplace,
				Service:  core.ServiceIdentifier{Type: database.Type, Provider: replacement.Provider},
				Reason:   fmt.Sprintf("%s satisfies every tenancy, scaling and compliance requirement that %s misses", replacement.Provider, profile.Provider),
				Benefits: []string{"removes critical structural conflicts"},
				Effort:   core.LevelHigh,
				Impact:   core.LevelHigh,
				Priority: 95,
			})
		} else {
			v.logger.Warn("no engine satisfies database requirements", "provider", profile.Provider)
		}
	}

	return findings
}

func (f *Findings) add(issueType core.IssueType, severity core.Severity, penalty int, message string) {
	f.Penalty += penalty
	f.Issues = append(f.Issues, core.Issue{
		Type:          issueType,
		Severity:      severity,
		Message:       message,
		SourceService: f.Database,
	})
}

func replacementFor(current string, required requirement) (Profile, bool) {
	for _, profile := range Profiles() {
		if strings.EqualFold(profile.Provider, current) {
			continue
		}
		if required.satisfiedBy(profile) {
			return profile, true
		}
	}
	return Profile{}, false
}

func hasType(services []core.ServiceIdentifier, serviceType string) bool {
	for _, service := range services {
		if strings.EqualFold(service.Type, serviceType) {
			return true
		}
	}
	return false
}
