package bundle

import (
	"math"
	"strings"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

const (
	maxBusinessScore   = 25
	maxScaleScore      = 25
	maxFeatureScore    = 20
	maxBudgetScore     = 15
	maxTeamScore       = 10
	maxComplianceScore = 5

	inRangeScore        = 15
	overCapacityPenalty = 10
	maxUserScore        = 10
	compliancePerMatch  = 2
	neutralBudgetScore  = 8
	neutralTeamScore    = 5
)

var businessAlignment = map[core.BusinessModel]map[core.BundleCategory]int{
	core.BusinessMVP:         {core.CategoryStarter: 25, core.CategoryDevelopment: 15, core.CategoryProfessional: 5, core.CategoryEnterprise: 0},
	core.BusinessStartup:     {core.CategoryStarter: 20, core.CategoryProfessional: 20, core.CategoryDevelopment: 10, core.CategoryEnterprise: 0},
	core.BusinessSaaS:        {core.CategoryProfessional: 25, core.CategoryEnterprise: 15, core.CategoryStarter: 10, core.CategoryDevelopment: 5},
	core.BusinessB2B:         {core.CategoryEnterprise: 25, core.CategoryProfessional: 20, core.CategoryStarter: 5, core.CategoryDevelopment: 0},
	core.BusinessB2C:         {core.CategoryProfessional: 25, core.CategoryStarter: 15, core.CategoryEnterprise: 10, core.CategoryDevelopment: 0},
	core.BusinessMarketplace: {core.CategoryProfessional: 25, core.CategoryEnterprise: 20, core.CategoryStarter: 10, core.CategoryDevelopment: 0},
	core.BusinessEnterprise:  {core.CategoryEnterprise: 25, core.CategoryProfessional: 10, core.CategoryStarter: 0, core.CategoryDevelopment: 0},
	core.BusinessInternal:    {core.CategoryDevelopment: 25, core.CategoryStarter: 15, core.CategoryProfessional: 10, core.CategoryEnterprise: 5},
}

// userCapacity is the user count each expected-load tier is sized for.
var userCapacity = map[core.Load]int{
	core.LoadLow:        1_000,
	core.LoadMedium:     10_000,
	core.LoadHigh:       100_000,
	core.LoadEnterprise: 1_000_000,
}

// featureWeights sum to maxFeatureScore. Unlisted features are worth one point.
var featureWeights = map[string]int{
	"multi-tenancy":  4,
	"authentication": 3,
	"payments":       3,
	"rbac":           3,
	"analytics":      2,
	"monitoring":     2,
	"search":         1,
	"realtime":       1,
	"file-storage":   1,
}

var budgetRank = map[core.Budget]int{
	core.BudgetLow:        0,
	core.BudgetMedium:     1,
	core.BudgetHigh:       2,
	core.BudgetEnterprise: 3,
}

// budgetFit is indexed by how many tiers the bundle sits below (or at) the
// requested budget.
var budgetFit = []int{15, 10, 5, 0}

const budgetOverrunOneTier = 5

var teamFit = map[core.TeamSize]map[core.Complexity]int{
	core.TeamSolo:   {core.ComplexitySimple: 10, core.ComplexityModerate: 4, core.ComplexityComplex: 0},
	core.TeamSmall:  {core.ComplexitySimple: 8, core.ComplexityModerate: 10, core.ComplexityComplex: 3},
	core.TeamMedium: {core.ComplexitySimple: 6, core.ComplexityModerate: 10, core.ComplexityComplex: 7},
	core.TeamLarge:  {core.ComplexitySimple: 4, core.ComplexityModerate: 7, core.ComplexityComplex: 10},
}

// Score rates how well bundle fits request across the six weighted axes.
func Score(bundle core.Bundle, request core.BundleRequest) core.ScoreBreakdown {
	return core.ScoreBreakdown{
		BusinessModel: businessScore(bundle, request),
		Scale:         scaleScore(bundle, request),
		Features:      featureScore(bundle, request),
		Budget:        budgetScore(bundle, request),
		Team:          teamScore(bundle, request),
		Compliance:    complianceScore(bundle, request),
	}
}

func businessScore(bundle core.Bundle, request core.BundleRequest) int {
	return min(businessAlignment[request.BusinessModel][bundle.Category], maxBusinessScore)
}

func scaleScore(bundle core.Bundle, request core.BundleRequest) int {
	requirements := bundle.Requirements
	score := 0
	switch {
	case request.ExpectedTenants > requirements.MaxTenants:
		score -= overCapacityPenalty
	case request.ExpectedTenants >= requirements.MinTenants:
		score += inRangeScore
	}

	capacity := userCapacity[requirements.ExpectedLoad]
	if capacity > 0 && request.ExpectedUsers > 0 && request.ExpectedUsers <= capacity {
		score += int(math.Round(maxUserScore * float64(request.ExpectedUsers) / float64(capacity)))
	}

	return min(score, maxScaleScore)
}

func featureScore(bundle core.Bundle, request core.BundleRequest) int {
	score := 0
	for _, feature := range request.Features {
		if !containsFold(bundle.Features, feature) {
			continue
		}
		weight, ok := featureWeights[strings.ToLower(feature)]
		if !ok {
			weight = 1
		}
		score += weight
	}
	return min(score, maxFeatureScore)
}

func budgetScore(bundle core.Bundle, request core.BundleRequest) int {
	requested, ok := budgetRank[request.Budget]
	if !ok {
		return neutralBudgetScore
	}
	offered, ok := budgetRank[bundle.Requirements.Budget]
	if !ok {
		return neutralBudgetScore
	}

	if offered > requested {
		if offered-requested == 1 {
			return budgetOverrunOneTier
		}
		return 0
	}
	return min(budgetFit[requested-offered], maxBudgetScore)
}

func teamScore(bundle core.Bundle, request core.BundleRequest) int {
	fit, ok := teamFit[request.TeamSize]
	if !ok {
		return neutralTeamScore
	}
	return min(fit[bundle.Deployment.Complexity], maxTeamScore)
}

func complianceScore(bundle core.Bundle, request core.BundleRequest) int {
	matched := 0
	for _, standard := range request.Compliance {
		if containsFold(bundle.Requirements.Compliance, standard) {
			matched++
		}
	}
	return min(compliancePerMatch*matched, maxComplianceScore)
}

func containsFold(values []string, value string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, value) {
			return true
		}
	}
	return false
}
