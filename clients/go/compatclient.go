// Package compatclient provides client interfaces and event types for the
// compatibility service.
//
// Use the transport sub-package to create a client:
//
//	import compathttp "github.com/Xala-Technologies/Xaheen-platform-sub003/clients/go/http"
package compatclient

import (
	"context"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/compat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/dbcompat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/matrix"
)

// Checker runs compatibility checks over a service selection.
type Checker interface {
	Check(ctx context.Context, services []core.ServiceIdentifier, opts compat.Options) (core.CheckResult, error)
	CheckDatabase(ctx context.Context, services []core.ServiceIdentifier, dbContext dbcompat.DatabaseContext) (core.CheckResult, error)
}

// BundleAdvisor recommends and lists curated bundles.
type BundleAdvisor interface {
	RecommendBundle(ctx context.Context, request core.BundleRequest) (core.BundleRecommendation, error)
	ListBundles(ctx context.Context) ([]core.Bundle, error)
}

// RuleManager covers custom rule administration and matrix inspection.
type RuleManager interface {
	CreateRule(ctx context.Context, rule core.Rule) (core.Rule, error)
	GetRule(ctx context.Context, id string) (core.Rule, error)
	ListRules(ctx context.Context, provider string) ([]core.Rule, error)
	RulesFor(ctx context.Context, sourceType string, targetType string) ([]core.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	ValidateMatrix(ctx context.Context) (matrix.ValidationReport, error)
	MatrixStats(ctx context.Context) (matrix.Stats, error)
}

// Streamer delivers rule change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan RuleEvent, error)
}

// RuleEvent is a notification that a custom rule changed.
type RuleEvent struct {
	Type    string // "update" | "delete" | "error"
	RuleID  string
	Rule    *core.Rule // nil when the payload is not a rule
	EventID int64
}
