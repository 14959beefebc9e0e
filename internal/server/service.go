package server

import (
	"context"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/compat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/dbcompat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/matrix"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/repository"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/service"
)

type Service interface {
	CheckCompatibility(ctx context.Context, services []core.ServiceIdentifier, options compat.Options) (core.CheckResult, error)
	CheckDatabaseCompatibility(ctx context.Context, services []core.ServiceIdentifier, dbContext dbcompat.DatabaseContext) (core.CheckResult, error)
	RecommendBundle(ctx context.Context, request core.BundleRequest) (core.BundleRecommendation, error)
	ListBundles(ctx context.Context) []core.Bundle
	CreateRule(ctx context.Context, rule core.Rule) (core.Rule, error)
	GetRule(ctx context.Context, id string) (core.Rule, error)
	ListRules(ctx context.Context) []core.Rule
	RulesForProvider(ctx context.Context, provider string) []core.Rule
	RulesFor(ctx context.Context, sourceType string, targetType string) []core.Rule
	RulesForTag(ctx context.Context, tag string) []core.Rule
	DeleteRule(ctx context.Context, id string) error
	ValidateMatrix(ctx context.Context) matrix.ValidationReport
	MatrixStats(ctx context.Context) matrix.Stats
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
}

var _ Service = (*service.Service)(nil)
