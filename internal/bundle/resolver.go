package bundle

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/compat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/dbcompat"
)

var ErrEmptyCatalog = errors.New("bundle catalog is empty")

const maxAlternatives = 2

var baseSetupHours = map[core.Complexity]float64{
	core.ComplexitySimple:   4,
	core.ComplexityModerate: 16,
	core.ComplexityComplex:  40,
}

var teamMultiplier = map[core.TeamSize]float64{
	core.TeamSolo:   1.5,
	core.TeamSmall:  1.0,
	core.TeamMedium: 0.8,
	core.TeamLarge:  0.6,
}

// ServiceChecker runs the generic pairwise compatibility check.
type ServiceChecker interface {
	Check(services []core.ServiceIdentifier, options compat.Options) core.CheckResult
}

// DatabaseChecker runs the database-aware compatibility check.
type DatabaseChecker interface {
	Check(services []core.ServiceIdentifier, ctx dbcompat.DatabaseContext) core.CheckResult
}

type Resolver struct {
	bundles  []core.Bundle
	checker  ServiceChecker
	database DatabaseChecker
	options  compat.Options
	logger   *slog.Logger
}

type Option func(*Resolver)

// WithDatabaseChecker enables the database-aware check for requests that name
// a tenancy strategy.
func WithDatabaseChecker(checker DatabaseChecker) Option {
	return func(r *Resolver) {
		r.database = checker
	}
}

func WithOptions(options compat.Options) Option {
	return func(r *Resolver) {
		r.options = options
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewResolver(bundles []core.Bundle, checker ServiceChecker, opts ...Option) *Resolver {
	r := &Resolver{
		bundles: slices.Clone(bundles),
		checker: checker,
		options: compat.DefaultOptions(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Bundles() []core.Bundle {
	return slices.Clone(r.bundles)
}

// Recommend scores every bundle against request and returns the best fit, up
// to two alternatives, and a compatibility check of the recommended bundle.
func (r *Resolver) Recommend(request core.BundleRequest) (core.BundleRecommendation, error) {
	if len(r.bundles) == 0 {
		return core.BundleRecommendation{}, ErrEmptyCatalog
	}
	if err := request.Validate(); err != nil {
		return core.BundleRecommendation{}, err
	}

	scores := make([]core.BundleScore, len(r.bundles))
	for i, bundle := range r.bundles {
		breakdown := Score(bundle, request)
		scores[i] = core.BundleScore{
			BundleID:  bundle.ID,
			Score:     core.ClampScore(breakdown.Total()),
			Breakdown: breakdown,
		}
	}

	order := make([]int, len(r.bundles))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(scores[b].Score, scores[a].Score)
	})

	sortedScores := make([]core.BundleScore, 0, len(order))
	for _, index := range order {
		sortedScores = append(sortedScores, scores[index])
	}

	recommended := r.bundles[order[0]]
	alternatives := make([]core.Bundle, 0, maxAlternatives)
	for _, index := range order[1:min(len(order), maxAlternatives+1)] {
		alternatives = append(alternatives, r.bundles[index])
	}

	recommendation := core.BundleRecommendation{
		Recommended:    recommended,
		Alternatives:   alternatives,
		Scores:         sortedScores,
		Reasoning:      reasoning(recommended, scores[order[0]].Breakdown, request),
		MigrationPath:  migrationPath(recommended, request.ExistingInfrastructure),
		Compatibility:  r.checkBundle(recommended, request),
		EstimatedSetup: estimateSetup(recommended, request),
	}

	r.logger.Debug("bundle recommended",
		"bundle", recommended.ID,
		"score", scores[order[0]].Score,
		"alternatives", len(alternatives),
		"compatible", recommendation.Compatibility.Compatible,
	)
	return recommendation, nil
}

func (r *Resolver) checkBundle(bundle core.Bundle, request core.BundleRequest) core.CheckResult {
	services := bundle.Services.All()
	if _, hasDatabase := bundle.Service("database"); hasDatabase && request.TenancyStrategy != "" && request.TenancyStrategy.Valid() && r.database != nil {
		return r.database.Check(services, DatabaseContextFor(request))
	}

	options := r.options
	options.Context = dbcompat.MergeContext(options.Context, RequestContext(request))
	return r.checker.Check(services, options)
}

// RequestContext exposes the request profile to catalog rule conditions.
func RequestContext(request core.BundleRequest) core.Context {
	compliance := make(map[string]any, len(request.Compliance))
	for _, standard := range request.Compliance {
		compliance[strings.ToLower(standard)] = true
	}
	return core.Context{
		"tenancy": map[string]any{
			"strategy": string(request.TenancyStrategy),
			"tenants":  request.ExpectedTenants,
		},
		"multi_tenancy": map[string]any{
			"strategy":    string(request.TenancyStrategy),
			"max_tenants": request.ExpectedTenants,
		},
		"expected_load":  string(request.ExpectedLoad),
		"expected_users": request.ExpectedUsers,
		"business_model": string(request.BusinessModel),
		"compliance":     compliance,
	}
}

// DatabaseContextFor derives the database domain context from a request.
func DatabaseContextFor(request core.BundleRequest) dbcompat.DatabaseContext {
	return dbcompat.DatabaseContext{
		MultiTenancy: dbcompat.MultiTenancy{Strategy: request.TenancyStrategy, MaxTenants: request.ExpectedTenants},
		Scaling:      dbcompat.Scaling{ExpectedLoad: request.ExpectedLoad},
		Compliance:   dbcompat.Compliance{Standards: request.Compliance},
		Performance:  dbcompat.Performance{MaxLatencyMs: request.MaxLatencyMs},
	}
}

func reasoning(bundle core.Bundle, breakdown core.ScoreBreakdown, request core.BundleRequest) []string {
	var reasons []string
	if request.BusinessModel.Valid() {
		reasons = append(reasons, fmt.Sprintf("%s category scores %d/%d for a %s business model", bundle.Category, breakdown.BusinessModel, maxBusinessScore, request.BusinessModel))
	} else {
		reasons = append(reasons, fmt.Sprintf("business model %q is not recognised; category fit not scored", request.BusinessModel))
	}

	requirements := bundle.Requirements
	switch {
	case request.ExpectedTenants > requirements.MaxTenants:
		reasons = append(reasons, fmt.Sprintf("%d tenants exceed the bundle maximum of %d", request.ExpectedTenants, requirements.MaxTenants))
	case request.ExpectedTenants >= requirements.MinTenants:
		reasons = append(reasons, fmt.Sprintf("%d tenants fit the supported range %d-%d", request.ExpectedTenants, requirements.MinTenants, requirements.MaxTenants))
	}

	var matched []string
	for _, feature := range request.Features {
		if containsFold(bundle.Features, feature) {
			matched = append(matched, feature)
		}
	}
	if len(matched) > 0 {
		reasons = append(reasons, "covers requested features: "+strings.Join(matched, ", "))
	}
	if breakdown.Budget >= budgetFit[0] {
		reasons = append(reasons, fmt.Sprintf("matches the %s budget", request.Budget))
	}
	if breakdown.Team >= maxTeamScore {
		reasons = append(reasons, fmt.Sprintf("%s deployment suits a %s team", bundle.Deployment.Complexity, request.TeamSize))
	}
	if breakdown.Compliance > 0 {
		reasons = append(reasons, fmt.Sprintf("supports %s compliance", strings.Join(requirements.Compliance, ", ")))
	}
	return reasons
}

func migrationPath(bundle core.Bundle, existing []core.ServiceIdentifier) *core.MigrationPath {
	path := core.MigrationPath{}
	for _, current := range existing {
		target, ok := bundle.Service(current.Type)
		if !ok || strings.EqualFold(target.Provider, current.Provider) {
			continue
		}
		path.Replacements = append(path.Replacements, core.ServiceReplacement{From: current, To: target})

		path.Steps = append(path.Steps,
			fmt.Sprintf("audit integrations that depend on %s", current.Key()),
			fmt.Sprintf("provision %s", target.Key()),
		)
		if strings.EqualFold(current.Type, "database") {
			path.Steps = append(path.Steps,
				fmt.Sprintf("export data from %s", current.Provider),
				fmt.Sprintf("import data into %s and verify row counts", target.Provider),
			)
			if dbcompat.IsEmbedded(current.Provider) && !dbcompat.IsEmbedded(target.Provider) {
				path.Warnings = append(path.Warnings, fmt.Sprintf(
					"%s is an embedded engine; %s runs as a networked server and needs connection management and credentials",
					current.Provider, target.Provider))
			}
		}
		path.Steps = append(path.Steps,
			fmt.Sprintf("update configuration and secrets for %s", target.Key()),
			fmt.Sprintf("cut over to %s and monitor", target.Key()),
		)
	}

	if len(path.Replacements) == 0 {
		return nil
	}
	return &path
}

func estimateSetup(bundle core.Bundle, request core.BundleRequest) core.SetupEstimate {
	base, ok := baseSetupHours[bundle.Deployment.Complexity]
	if !ok {
		base = baseSetupHours[core.ComplexityModerate]
	}
	multiplier, ok := teamMultiplier[request.TeamSize]
	if !ok {
		multiplier = teamMultiplier[core.TeamSmall]
	}

	return core.SetupEstimate{
		Hours:         int(math.Round(base * multiplier)),
		Prerequisites: prerequisites(bundle),
	}
}

func prerequisites(bundle core.Bundle) []string {
	seen := make(map[string]struct{})
	var items []string
	add := func(item string) {
		if _, ok := seen[item]; ok {
			return
		}
		seen[item] = struct{}{}
		items = append(items, item)
	}

	for _, service := range bundle.Services.Core {
		switch strings.ToLower(service.Type) {
		case "database":
			add(fmt.Sprintf("provision a %s database", service.Provider))
		case "auth":
			add(fmt.Sprintf("register an application with %s", service.Provider))
		case "payment":
			add(fmt.Sprintf("open a %s merchant account", service.Provider))
		case "cache":
			add(fmt.Sprintf("provision a %s instance", service.Provider))
		case "monitoring":
			add(fmt.Sprintf("create %s dashboards and alerts", service.Provider))
		default:
			add(fmt.Sprintf("set up %s for %s", service.Provider, service.Type))
		}
	}
	for _, standard := range bundle.Requirements.Compliance {
		add(fmt.Sprintf("complete a %s compliance review", strings.ToUpper(standard)))
	}
	return items
}
