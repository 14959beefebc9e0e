package compat

import (
	"strings"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
)

// Merge combines check results into one, dropping duplicate issues, warnings,
// recommendations and missing dependencies. The merged score and confidence
// are the lowest of the inputs; identity comes from the first result.
func Merge(results ...core.CheckResult) core.CheckResult {
	merged := core.CheckResult{
		Issues:              []core.Issue{},
		Warnings:            []core.Issue{},
		Recommendations:     []core.Recommendation{},
		MissingDependencies: []core.ServiceIdentifier{},
		OverallScore:        core.MaxScore,
		Confidence:          core.MaxConfidence,
	}
	if len(results) == 0 {
		Finalize(&merged)
		return merged
	}

	merged.CheckID = results[0].CheckID
	merged.CheckedAt = results[0].CheckedAt

	issues := make(map[string]struct{})
	warnings := make(map[string]struct{})
	recommendations := make(map[string]struct{})
	missing := make(map[string]struct{})

	for _, result := range results {
		merged.OverallScore = min(merged.OverallScore, result.OverallScore)
		merged.Confidence = min(merged.Confidence, result.Confidence)
		merged.RulesApplied = max(merged.RulesApplied, result.RulesApplied)
		if merged.MigrationPlan == nil {
			merged.MigrationPlan = result.MigrationPlan
		}

		for _, issue := range result.Issues {
			if addKey(issues, IssueKey(issue)) {
				merged.Issues = append(merged.Issues, issue)
			}
		}
		for _, warning := range result.Warnings {
			if addKey(warnings, IssueKey(warning)) {
				merged.Warnings = append(merged.Warnings, warning)
			}
		}
		for _, recommendation := range result.Recommendations {
			if addKey(recommendations, recommendationKey(recommendation)) {
				merged.Recommendations = append(merged.Recommendations, recommendation)
			}
		}
		for _, dependency := range result.MissingDependencies {
			if addKey(missing, dependency.Key()) {
				merged.MissingDependencies = append(merged.MissingDependencies, dependency)
			}
		}
	}

	Finalize(&merged)
	return merged
}

// IssueKey identifies an issue for de-duplication.
func IssueKey(issue core.Issue) string {
	target := ""
	if issue.TargetService != nil {
		target = issue.TargetService.Key()
	}
	return strings.Join([]string{
		string(issue.Type),
		string(issue.Severity),
		issue.Message,
		issue.SourceService.Key(),
		target,
		issue.RuleID,
	}, "|")
}

func recommendationKey(recommendation core.Recommendation) string {
	return strings.Join([]string{
		string(recommendation.Type),
		recommendation.Service.Key(),
		recommendation.Reason,
	}, "|")
}

func addKey(seen map[string]struct{}, key string) bool {
	if _, ok := seen[key]; ok {
		return false
	}
	seen[key] = struct{}{}
	return true
}
