//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/catalog"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/compat"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/core"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/matrix"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/middleware"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/repository"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/internal/service"
	"github.com/Xala-Technologies/Xaheen-platform-sub003/migrations"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "compat_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/compat_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/compat_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, "."); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

func newRepo(opts ...repository.Option) *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool, opts...)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRule(id string) core.Rule {
	return matrix.NewRule(id, "Postgres with Meilisearch").
		Type(core.RuleRecommend).
		Severity(core.SeverityInfo).
		Source(core.ServiceIdentifier{Type: "database", Provider: "postgresql"}).
		Target(core.ServiceIdentifier{Type: "search", Provider: "meilisearch"}).
		Priority(100).
		Message("Meilisearch pairs well with PostgreSQL full-text fallbacks").
		MustBuild()
}

func loadCatalog(t *testing.T) service.Catalog {
	t.Helper()
	rules, err := catalog.LoadRules("")
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	bundles, err := catalog.LoadBundles("")
	if err != nil {
		t.Fatalf("load bundles: %v", err)
	}
	return service.Catalog{Rules: rules, Bundles: bundles}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// ---------------------------------------------------------------------------
// Rule persistence
// ---------------------------------------------------------------------------

func TestRuleCRUD(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("create get and delete", func(t *testing.T) {
		id := "rule-" + randID()
		definition, err := json.Marshal(testRule(id))
		if err != nil {
			t.Fatalf("marshal rule: %v", err)
		}

		created, err := repo.CreateRule(ctx, repository.Rule{ID: id, Definition: definition, CreatedBy: "integration"})
		if err != nil {
			t.Fatalf("CreateRule: %v", err)
		}
		if created.ID != id || created.CreatedBy != "integration" {
			t.Fatalf("created = %+v", created)
		}
		if created.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}

		got, err := repo.GetRule(ctx, id)
		if err != nil {
			t.Fatalf("GetRule: %v", err)
		}
		var decoded core.Rule
		if err := json.Unmarshal(got.Definition, &decoded); err != nil {
			t.Fatalf("decode definition: %v", err)
		}
		if decoded.Target == nil || decoded.Target.Provider != "meilisearch" {
			t.Errorf("decoded target = %+v", decoded.Target)
		}

		if err := repo.DeleteRule(ctx, id); err != nil {
			t.Fatalf("DeleteRule: %v", err)
		}
		if _, err := repo.GetRule(ctx, id); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("GetRule after delete error = %v, want pgx.ErrNoRows", err)
		}
		if err := repo.DeleteRule(ctx, id); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("DeleteRule twice error = %v, want pgx.ErrNoRows", err)
		}
	})

	t.Run("duplicate id is a unique violation", func(t *testing.T) {
		id := "rule-" + randID()
		if _, err := repo.CreateRule(ctx, repository.Rule{ID: id}); err != nil {
			t.Fatalf("CreateRule: %v", err)
		}
		_, err := repo.CreateRule(ctx, repository.Rule{ID: id})
		if !repository.IsUniqueViolation(err) {
			t.Fatalf("CreateRule duplicate error = %v, want unique violation", err)
		}
	})

	t.Run("list preserves creation order", func(t *testing.T) {
		prefix := "order-" + randID()
		for _, suffix := range []string{"c", "a", "b"} {
			if _, err := repo.CreateRule(ctx, repository.Rule{ID: prefix + "-" + suffix}); err != nil {
				t.Fatalf("CreateRule %s: %v", suffix, err)
			}
		}

		rules, err := repo.ListRules(ctx)
		if err != nil {
			t.Fatalf("ListRules: %v", err)
		}
		var got []string
		for _, rule := range rules {
			if len(rule.ID) > len(prefix) && rule.ID[:len(prefix)] == prefix {
				got = append(got, rule.ID[len(prefix)+1:])
			}
		}
		if fmt.Sprint(got) != "[c a b]" {
			t.Fatalf("order = %v, want [c a b]", got)
		}
	})
}

// ---------------------------------------------------------------------------
// Rule events
// ---------------------------------------------------------------------------

func TestRuleEvents(t *testing.T) {
	repo := newRepo(repository.WithEventBatchSize(2))
	ctx := context.Background()

	latest, err := repo.ListEventsSince(ctx, 0)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	var since int64
	for len(latest) > 0 {
		since = latest[len(latest)-1].EventID
		if latest, err = repo.ListEventsSince(ctx, since); err != nil {
			t.Fatalf("ListEventsSince: %v", err)
		}
	}

	var published []repository.RuleEvent
	for i := range 3 {
		event, err := repo.PublishRuleEvent(ctx, repository.RuleEvent{
			RuleID:    fmt.Sprintf("event-rule-%d", i),
			EventType: service.EventTypeUpdated,
			Payload:   json.RawMessage(`{"id":"x"}`),
		})
		if err != nil {
			t.Fatalf("PublishRuleEvent: %v", err)
		}
		published = append(published, event)
	}

	first, err := repo.ListEventsSince(ctx, since)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first batch = %d events, want 2 (batch size)", len(first))
	}
	if first[0].EventID != published[0].EventID || first[1].EventID != published[1].EventID {
		t.Fatalf("first batch ids = %d,%d", first[0].EventID, first[1].EventID)
	}

	rest, err := repo.ListEventsSince(ctx, first[1].EventID)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(rest) != 1 || rest[0].RuleID != "event-rule-2" {
		t.Fatalf("rest = %+v", rest)
	}

	_, err = repo.PublishRuleEvent(ctx, repository.RuleEvent{RuleID: "bad", EventType: "archived"})
	if err == nil {
		t.Fatal("PublishRuleEvent with unknown event type succeeded, want check constraint error")
	}
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestAPIKeyLifecycle(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	name := "ci-" + randID()
	keyID, secret, err := repo.CreateAPIKey(ctx, name)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	keyHash, gotName, err := repo.ValidateAPIKey(ctx, keyID)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if gotName != name {
		t.Errorf("name = %q, want %q", gotName, name)
	}
	if !middleware.APIKeyMatchesHash(keyHash, secret) {
		t.Error("stored hash does not match the returned secret")
	}

	token := middleware.FormatAPIKeyToken(keyID, secret)
	parsedID, parsedSecret, ok := middleware.ParseAPIKeyToken(token)
	if !ok || parsedID != keyID || parsedSecret != secret {
		t.Fatalf("ParseAPIKeyToken(%q) = %q, %q, %v", token, parsedID, parsedSecret, ok)
	}

	keys, err := repo.ListAPIKeys(ctx)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	found := false
	for _, key := range keys {
		if key.ID == keyID {
			found = true
		}
	}
	if !found {
		t.Fatalf("ListAPIKeys missing %q", keyID)
	}

	if err := repo.RevokeAPIKey(ctx, keyID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	if _, _, err := repo.ValidateAPIKey(ctx, keyID); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("ValidateAPIKey after revoke error = %v, want pgx.ErrNoRows", err)
	}
	if err := repo.RevokeAPIKey(ctx, keyID); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("RevokeAPIKey twice error = %v, want pgx.ErrNoRows", err)
	}
}

// ---------------------------------------------------------------------------
// Service round trip across replicas
// ---------------------------------------------------------------------------

func TestServiceReplicasShareCustomRules(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := "rule_events_" + randID()
	cat := loadCatalog(t)

	newReplica := func() *service.Service {
		svc, err := service.New(ctx, cat,
			service.WithRepository(newRepo(repository.WithNotifyChannel(channel))),
			service.WithLogger(quietLogger()),
			service.WithCacheResyncInterval(time.Hour),
		)
		if err != nil {
			t.Fatalf("service.New: %v", err)
		}
		return svc
	}
	writer := newReplica()
	reader := newReplica()

	id := "custom-" + randID()
	actorCtx := service.ContextWithActor(ctx, "integration")
	if _, err := writer.CreateRule(actorCtx, testRule(id)); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		_, err := reader.GetRule(ctx, id)
		return err == nil
	})

	stored, err := newRepo().GetRule(ctx, id)
	if err != nil {
		t.Fatalf("GetRule from database: %v", err)
	}
	if stored.CreatedBy != "integration" {
		t.Errorf("CreatedBy = %q, want integration", stored.CreatedBy)
	}

	services := []core.ServiceIdentifier{
		{Type: "database", Provider: "postgresql"},
		{Type: "search", Provider: "meilisearch"},
	}
	result, err := reader.CheckCompatibility(ctx, services, compat.DefaultOptions())
	if err != nil {
		t.Fatalf("CheckCompatibility: %v", err)
	}
	matched := false
	for _, rec := range result.Recommendations {
		if rec.RuleID == id && rec.Service.Provider == "meilisearch" {
			matched = true
		}
	}
	if !matched {
		t.Fatalf("recommendations = %+v, want custom meilisearch recommendation", result.Recommendations)
	}

	if _, err := reader.CreateRule(ctx, testRule(id)); !errors.Is(err, service.ErrDuplicateRule) {
		t.Fatalf("CreateRule on second replica error = %v, want %v", err, service.ErrDuplicateRule)
	}

	if err := writer.DeleteRule(ctx, id); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		_, err := reader.GetRule(ctx, id)
		return errors.Is(err, service.ErrRuleNotFound)
	})

	events, err := reader.ListEventsSince(ctx, 0)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	var kinds []string
	for _, event := range events {
		if event.RuleID == id {
			kinds = append(kinds, event.EventType)
		}
	}
	if fmt.Sprint(kinds) != "[updated deleted]" {
		t.Fatalf("events for %s = %v, want [updated deleted]", id, kinds)
	}
}
