package core

import "time"

const (
	MaxScore      = 100
	MinConfidence = 0.5
	MaxConfidence = 1.0
)

type IssueType string

const (
	IssueConflict          IssueType = "conflict"
	IssueMissingDependency IssueType = "missing_dependency"
	IssueConfiguration     IssueType = "configuration"
	IssuePerformance       IssueType = "performance"
	IssueCompliance        IssueType = "compliance"
	IssueInternal          IssueType = "internal"
)

type Issue struct {
	Type          IssueType          `json:"type"`
	Severity      Severity           `json:"severity"`
	Message       string             `json:"message"`
	SourceService ServiceIdentifier  `json:"source_service"`
	TargetService *ServiceIdentifier `json:"target_service,omitempty"`
	RuleID        string             `json:"rule_id,omitempty"`
	Resolution    *Resolution        `json:"resolution,omitempty"`
}

type RecommendationType string

const (
	RecommendAdd       RecommendationType = "add"
	RecommendRemove    RecommendationType = "remove"
	RecommendReplace   RecommendationType = "replace"
	RecommendConfigure RecommendationType = "configure"
	RecommendUpgrade   RecommendationType = "upgrade"
)

type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

type Recommendation struct {
	Type     RecommendationType `json:"type"`
	Service  ServiceIdentifier  `json:"service"`
	Reason   string             `json:"reason"`
	Benefits []string           `json:"benefits,omitempty"`
	Effort   Level              `json:"effort"`
	Impact   Level              `json:"impact"`
	Priority int                `json:"priority"`
	RuleID   string             `json:"rule_id,omitempty"`
}

type CheckResult struct {
	CheckID             string              `json:"check_id"`
	CheckedAt           time.Time           `json:"checked_at"`
	Compatible          bool                `json:"compatible"`
	OverallScore        int                 `json:"overall_score"`
	Issues              []Issue             `json:"issues"`
	CriticalIssues      []Issue             `json:"critical_issues"`
	Warnings            []Issue             `json:"warnings"`
	Recommendations     []Recommendation    `json:"recommendations"`
	MissingDependencies []ServiceIdentifier `json:"missing_dependencies"`
	Confidence          float64             `json:"confidence"`
	RulesApplied        int                 `json:"rules_applied"`
	Summary             string              `json:"summary"`
	MigrationPlan       *MigrationPlan      `json:"migration_plan,omitempty"`
}

type MigrationType string

const (
	MigrationMaintenanceWindow MigrationType = "maintenance-window"
	MigrationBlueGreen         MigrationType = "blue-green"
	MigrationZeroDowntime      MigrationType = "zero-downtime"
)

type MigrationStep struct {
	ID            string `json:"id"`
	Description   string `json:"description"`
	EstimatedTime string `json:"estimated_time"`
	Reversible    bool   `json:"reversible"`
	RiskLevel     Level  `json:"risk_level"`
}

type MigrationChecks struct {
	PreChecks      []string `json:"pre_checks"`
	PostChecks     []string `json:"post_checks"`
	RollbackChecks []string `json:"rollback_checks"`
}

type MigrationPlan struct {
	Type                     MigrationType     `json:"type"`
	From                     ServiceIdentifier `json:"from"`
	To                       ServiceIdentifier `json:"to"`
	EstimatedDowntimeMinutes int               `json:"estimated_downtime_minutes"`
	Steps                    []MigrationStep   `json:"steps"`
	Prerequisites            []string          `json:"prerequisites"`
	Validation               MigrationChecks   `json:"validation"`
}

func ClampScore(score int) int {
	return max(0, min(MaxScore, score))
}

func ClampConfidence(confidence float64) float64 {
	return max(MinConfidence, min(MaxConfidence, confidence))
}
