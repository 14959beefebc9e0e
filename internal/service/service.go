package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/bundle"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/compat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/dbcompat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/matrix"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/repository"
)

const (
	EventTypeUpdated           = "updated"
	EventTypeDeleted           = "deleted"
	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
	maxMemoryEvents            = 10_000
	tracerName                 = "github.com/Xala-Technologies/Xaheen-platform-sub003/internal/service"
)

var (
	ErrRuleNotFound   = errors.New("rule not found")
	ErrDuplicateRule  = errors.New("rule already exists")
	ErrCatalogRule    = errors.New("built-in rules cannot be deleted")
	ErrInvalidContext = errors.New("invalid database context")
	ErrInvalidRule    = core.ErrInvalidRule
)

type Repository interface {
	CreateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	ListRules(ctx context.Context) ([]repository.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
	PublishRuleEvent(ctx context.Context, event repository.RuleEvent) (repository.RuleEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Recorder receives service-level measurements. [metrics.Metrics] implements
// it; the default discards everything.
type Recorder interface {
	IncCacheLoads()
	IncCacheInvalidations()
	SetRulesLoaded(count int)
	RecordCheck(kind string, result core.CheckResult)
	RecordRecommendation(bundleID string)
}

type nopRecorder struct{}

func (nopRecorder) IncCacheLoads()                       {}
func (nopRecorder) IncCacheInvalidations()               {}
func (nopRecorder) SetRulesLoaded(int)                   {}
func (nopRecorder) RecordCheck(string, core.CheckResult) {}
func (nopRecorder) RecordRecommendation(string)          {}

// Catalog is the built-in content the service starts from.
type Catalog struct {
	Rules   []core.Rule
	Bundles []core.Bundle
}

// Service owns the process-wide rule matrix and runs every engine operation
// against it. Custom rules live in the repository when one is configured and
// in memory otherwise.
type Service struct {
	repo       Repository
	catalog    []core.Rule
	catalogIDs map[string]struct{}

	// writeMu serializes rule mutations so the duplicate check and the insert
	// are atomic with respect to each other.
	writeMu sync.Mutex
	mu      sync.RWMutex
	custom  []core.Rule
	events  []repository.RuleEvent
	eventID int64

	matrix   *matrix.Matrix
	checker  *compat.Checker
	database *dbcompat.Checker
	resolver *bundle.Resolver

	logger          *slog.Logger
	recorder        Recorder
	tracer          trace.Tracer
	resyncInterval  time.Duration
	maxSuggestions  int
	strictIsolation bool
}

type actorContextKey struct{}

// ContextWithActor records who is making the request. CreateRule stores it as
// the rule's author.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func actorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}

type Option func(*Service)

// WithRepository persists custom rules and rule events in repo.
func WithRepository(repo Repository) Option {
	return func(s *Service) {
		s.repo = repo
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithMaxSuggestions sets the recommendation cap applied when a request does
// not carry its own.
func WithMaxSuggestions(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.maxSuggestions = limit
		}
	}
}

// WithStrictIsolation reports row-level tenancy on engines without native
// row-level security as critical instead of error.
func WithStrictIsolation(strict bool) Option {
	return func(s *Service) {
		s.strictIsolation = strict
	}
}

// New builds the engine from catalog, loads custom rules, and, when the
// repository supports it, starts the cache invalidation listener. The
// listener stops when ctx is cancelled.
func New(ctx context.Context, catalog Catalog, opts ...Option) (*Service, error) {
	svc := &Service{
		catalogIDs:     make(map[string]struct{}, len(catalog.Rules)),
		logger:         slog.Default(),
		recorder:       nopRecorder{},
		tracer:         otel.Tracer(tracerName),
		resyncInterval: defaultCacheResyncInterval,
		maxSuggestions: compat.DefaultMaxSuggestions,
	}
	for _, opt := range opts {
		opt(svc)
	}

	svc.catalog = slices.Clone(catalog.Rules)
	for _, rule := range svc.catalog {
		svc.catalogIDs[rule.ID] = struct{}{}
	}

	svc.matrix = matrix.New(matrix.WithLogger(svc.logger))
	svc.checker = compat.NewChecker(svc.matrix, compat.WithLogger(svc.logger))
	svc.database = dbcompat.NewChecker(
		svc.checker,
		dbcompat.NewValidator(
			dbcompat.WithStrictIsolation(svc.strictIsolation),
			dbcompat.WithValidatorLogger(svc.logger),
		),
		dbcompat.WithOptions(svc.defaultOptions()),
		dbcompat.WithLogger(svc.logger),
	)
	svc.resolver = bundle.NewResolver(catalog.Bundles, svc.checker,
		bundle.WithDatabaseChecker(svc.database),
		bundle.WithOptions(svc.defaultOptions()),
		bundle.WithLogger(svc.logger),
	)

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := svc.repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache rebuilds the matrix from the catalog plus every custom rule.
// Stored rules that no longer validate are skipped and logged.
func (s *Service) LoadCache(ctx context.Context) error {
	custom, err := s.loadCustomRules(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.custom = custom
	s.mu.Unlock()

	rules := make([]core.Rule, 0, len(s.catalog)+len(custom))
	rules = append(rules, s.catalog...)
	rules = append(rules, custom...)
	if err := s.matrix.Load(rules); err != nil {
		s.logger.Warn("rule matrix loaded with invalid rules", "error", err)
	}

	s.recorder.IncCacheLoads()
	s.recorder.SetRulesLoaded(s.matrix.Len())
	s.logger.Debug("rule matrix loaded", "catalog", len(s.catalog), "custom", len(custom))

	return nil
}

func (s *Service) loadCustomRules(ctx context.Context) ([]core.Rule, error) {
	if s.repo == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return slices.Clone(s.custom), nil
	}

	records, err := s.repo.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	var errs error
	rules := make([]core.Rule, 0, len(records))
	for _, record := range records {
		rule, err := decodeRule(record)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		rules = append(rules, rule)
	}
	if errs != nil {
		s.logger.Warn("skipped stored rules", "count", len(multierr.Errors(errs)), "error", errs)
	}

	return rules, nil
}

// CheckCompatibility runs the pairwise compatibility check. Options without a
// suggestion cap use the service default.
func (s *Service) CheckCompatibility(ctx context.Context, services []core.ServiceIdentifier, options compat.Options) (result core.CheckResult, err error) {
	_, span := s.tracer.Start(ctx, "service.CheckCompatibility", trace.WithAttributes(
		attribute.Int("compat.services", len(services)),
	))
	defer func() { endSpan(span, err) }()

	if err := core.ValidateServices(services); err != nil {
		return core.CheckResult{}, err
	}
	if options.MaxSuggestions <= 0 {
		options.MaxSuggestions = s.maxSuggestions
	}

	result = s.checker.Check(services, options)
	span.SetAttributes(
		attribute.Bool("compat.compatible", result.Compatible),
		attribute.Int("compat.score", result.OverallScore),
	)
	s.recorder.RecordCheck("generic", result)

	return result, nil
}

// CheckDatabaseCompatibility runs the generic check followed by the database
// domain pass.
func (s *Service) CheckDatabaseCompatibility(ctx context.Context, services []core.ServiceIdentifier, dbContext dbcompat.DatabaseContext) (result core.CheckResult, err error) {
	_, span := s.tracer.Start(ctx, "service.CheckDatabaseCompatibility", trace.WithAttributes(
		attribute.Int("compat.services", len(services)),
		attribute.String("compat.tenancy_strategy", string(dbContext.MultiTenancy.Strategy)),
	))
	defer func() { endSpan(span, err) }()

	if err := core.ValidateServices(services); err != nil {
		return core.CheckResult{}, err
	}
	if !dbContext.MultiTenancy.Strategy.Valid() {
		return core.CheckResult{}, fmt.Errorf("%w: unknown tenancy strategy %q", ErrInvalidContext, dbContext.MultiTenancy.Strategy)
	}

	result = s.database.Check(services, dbContext)
	span.SetAttributes(
		attribute.Bool("compat.compatible", result.Compatible),
		attribute.Int("compat.score", result.OverallScore),
	)
	s.recorder.RecordCheck("database", result)

	return result, nil
}

func (s *Service) RecommendBundle(ctx context.Context, request core.BundleRequest) (recommendation core.BundleRecommendation, err error) {
	_, span := s.tracer.Start(ctx, "service.RecommendBundle", trace.WithAttributes(
		attribute.String("bundle.business_model", string(request.BusinessModel)),
		attribute.Int("bundle.expected_tenants", request.ExpectedTenants),
	))
	defer func() { endSpan(span, err) }()

	recommendation, err = s.resolver.Recommend(request)
	if err != nil {
		return core.BundleRecommendation{}, err
	}

	span.SetAttributes(attribute.String("bundle.recommended", recommendation.Recommended.ID))
	s.recorder.RecordRecommendation(recommendation.Recommended.ID)

	return recommendation, nil
}

func (s *Service) ListBundles(_ context.Context) []core.Bundle {
	return s.resolver.Bundles()
}

// CreateRule validates and stores a custom rule. IDs already used by the
// catalog or another custom rule are rejected with [ErrDuplicateRule].
func (s *Service) CreateRule(ctx context.Context, rule core.Rule) (created core.Rule, err error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateRule", trace.WithAttributes(
		attribute.String("rule.id", rule.ID),
	))
	defer func() { endSpan(span, err) }()

	normalized, err := matrix.FromRule(rule).Build()
	if err != nil {
		return core.Rule{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, exists := s.matrix.Rule(normalized.ID); exists {
		return core.Rule{}, fmt.Errorf("%w: %q", ErrDuplicateRule, normalized.ID)
	}

	if s.repo != nil {
		definition, err := json.Marshal(normalized)
		if err != nil {
			return core.Rule{}, fmt.Errorf("marshal rule: %w", err)
		}
		if _, err := s.repo.CreateRule(ctx, repository.Rule{
			ID:         normalized.ID,
			Definition: definition,
			CreatedBy:  actorFromContext(ctx),
		}); err != nil {
			if repository.IsUniqueViolation(err) {
				return core.Rule{}, fmt.Errorf("%w: %q", ErrDuplicateRule, normalized.ID)
			}
			return core.Rule{}, fmt.Errorf("create rule: %w", err)
		}
	}

	s.mu.Lock()
	s.custom = append(s.custom, normalized)
	s.mu.Unlock()

	if err := s.matrix.AddRule(normalized); err != nil {
		return core.Rule{}, err
	}
	s.recorder.SetRulesLoaded(s.matrix.Len())
	s.publishRuleEventBestEffort(ctx, EventTypeUpdated, normalized)

	return normalized, nil
}

func (s *Service) GetRule(_ context.Context, id string) (core.Rule, error) {
	if strings.TrimSpace(id) == "" {
		return core.Rule{}, errors.New("rule id is required")
	}

	rule, ok := s.matrix.Rule(id)
	if !ok {
		return core.Rule{}, ErrRuleNotFound
	}
	return rule, nil
}

// ListRules returns every rule in the matrix, inactive ones included.
func (s *Service) ListRules(_ context.Context) []core.Rule {
	return s.matrix.Rules()
}

// RulesForProvider returns the active rules that mention provider on either
// side.
func (s *Service) RulesForProvider(_ context.Context, provider string) []core.Rule {
	return s.matrix.RulesForProvider(provider)
}

// RulesFor returns the active rules whose source type matches sourceType and,
// when targetType is set, whose target type matches it.
func (s *Service) RulesFor(_ context.Context, sourceType string, targetType string) []core.Rule {
	return s.matrix.RulesFor(sourceType, targetType)
}

func (s *Service) RulesForTag(_ context.Context, tag string) []core.Rule {
	return s.matrix.RulesForTag(tag)
}

// DeleteRule removes a custom rule. Catalog rules are immutable.
func (s *Service) DeleteRule(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "service.DeleteRule", trace.WithAttributes(
		attribute.String("rule.id", id),
	))
	defer func() { endSpan(span, err) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	index := slices.IndexFunc(s.custom, func(rule core.Rule) bool { return rule.ID == id })
	var existing core.Rule
	if index >= 0 {
		existing = s.custom[index]
	}
	s.mu.RUnlock()

	if index < 0 {
		if _, builtIn := s.catalogIDs[id]; builtIn {
			return fmt.Errorf("%w: %q", ErrCatalogRule, id)
		}
		return ErrRuleNotFound
	}

	if s.repo != nil {
		if err := s.repo.DeleteRule(ctx, id); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("delete rule: %w", err)
		}
	}

	s.mu.Lock()
	s.custom = slices.DeleteFunc(s.custom, func(rule core.Rule) bool { return rule.ID == id })
	s.mu.Unlock()

	s.matrix.RemoveRule(id)
	s.recorder.SetRulesLoaded(s.matrix.Len())
	s.publishRuleEventBestEffort(ctx, EventTypeDeleted, existing)

	return nil
}

func (s *Service) ValidateMatrix(_ context.Context) matrix.ValidationReport {
	return s.matrix.Validate()
}

func (s *Service) MatrixStats(_ context.Context) matrix.Stats {
	return s.matrix.Stats()
}

// ListEventsSince returns rule events with IDs greater than eventID.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error) {
	if s.repo == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		start, _ := slices.BinarySearchFunc(s.events, eventID+1, func(event repository.RuleEvent, target int64) int {
			switch {
			case event.EventID < target:
				return -1
			case event.EventID > target:
				return 1
			default:
				return 0
			}
		})
		return slices.Clone(s.events[start:]), nil
	}

	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) defaultOptions() compat.Options {
	options := compat.DefaultOptions()
	options.MaxSuggestions = s.maxSuggestions
	return options
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.recorder.IncCacheInvalidations()
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil {
		s.logger.Warn("rule cache reload failed", "error", err)
	}
}

func (s *Service) publishRuleEventBestEffort(ctx context.Context, eventType string, rule core.Rule) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.publishRuleEvent(publishCtx, eventType, rule); err != nil {
		s.logger.Warn("rule event not published", "rule_id", rule.ID, "event_type", eventType, "error", err)
	}
}

func (s *Service) publishRuleEvent(ctx context.Context, eventType string, rule core.Rule) error {
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	event := repository.RuleEvent{
		RuleID:    rule.ID,
		EventType: eventType,
		Payload:   payload,
	}

	if s.repo == nil {
		s.mu.Lock()
		s.eventID++
		event.EventID = s.eventID
		event.CreatedAt = time.Now().UTC()
		s.events = append(s.events, event)
		if overflow := len(s.events) - maxMemoryEvents; overflow > 0 {
			s.events = slices.Delete(s.events, 0, overflow)
		}
		s.mu.Unlock()
		return nil
	}

	if _, err := s.repo.PublishRuleEvent(ctx, event); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func decodeRule(record repository.Rule) (core.Rule, error) {
	var rule core.Rule
	if err := json.Unmarshal(record.Definition, &rule); err != nil {
		return core.Rule{}, fmt.Errorf("%w %q: decode definition: %v", ErrInvalidRule, record.ID, err)
	}
	rule.ID = record.ID
	return matrix.FromRule(rule).Build()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
