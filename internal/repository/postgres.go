// Package repository provides PostgreSQL-backed persistence for custom
// compatibility rules, API keys, and rule events. It also handles
// LISTEN/NOTIFY-based cache invalidation so every replica's rule matrix stays
// fresh without polling.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultNotifyChannel  = "rule_events"
	defaultEventBatchSize = 1000
)

// Rule is the repository-level representation of a custom rule row. The
// definition holds the JSON-encoded rule; the service layer decodes and
// validates it.
type Rule struct {
	ID         string          `json:"id"`
	Definition json.RawMessage `json:"definition"`
	CreatedBy  string          `json:"created_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleEvent represents a change to a custom rule, stored in the rule_events
// table and used to drive the SSE stream.
type RuleEvent struct {
	EventID   int64           `json:"event_id"`
	RuleID    string          `json:"rule_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements rule, API key, and event persistence backed by
// a pgxpool connection pool.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

type Option func(*PostgresRepository)

// WithNotifyChannel sets the LISTEN/NOTIFY channel used for rule events.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize caps the number of events returned by one
// [PostgresRepository.ListEventsSince] call.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.eventBatchSize = size
		}
	}
}

func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRule inserts a custom rule. A primary key violation is returned
// wrapped; callers detect it with [IsUniqueViolation].
func (r *PostgresRepository) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	var created Rule
	err := r.pool.QueryRow(ctx, `
		INSERT INTO rules (id, definition, created_by)
		VALUES ($1, $2, $3)
		RETURNING id, definition, created_by, created_at, updated_at
	`,
		rule.ID,
		ensureJSON(rule.Definition, "{}"),
		rule.CreatedBy,
	).Scan(
		&created.ID,
		&created.Definition,
		&created.CreatedBy,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("create rule: %w", err)
	}

	return created, nil
}

// GetRule retrieves a custom rule by ID. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetRule(ctx context.Context, id string) (Rule, error) {
	var rule Rule
	err := r.pool.QueryRow(ctx, `
		SELECT id, definition, created_by, created_at, updated_at
		FROM rules
		WHERE id = $1
	`, id).Scan(
		&rule.ID,
		&rule.Definition,
		&rule.CreatedBy,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return Rule{}, fmt.Errorf("get rule: %w", err)
	}

	return rule, nil
}

// ListRules returns every custom rule ordered by creation time, so later rules
// keep their position relative to earlier ones on reload.
func (r *PostgresRepository) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, definition, created_by, created_at, updated_at
		FROM rules
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]Rule, 0)
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(
			&rule.ID,
			&rule.Definition,
			&rule.CreatedBy,
			&rule.CreatedAt,
			&rule.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}

		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules rows: %w", err)
	}

	return rules, nil
}

// DeleteRule removes a custom rule. Returns pgx.ErrNoRows (wrapped) if the
// rule does not exist.
func (r *PostgresRepository) DeleteRule(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}

	return deleteRuleNoRows(commandTag)
}

// ValidateAPIKey returns the stored hash and key name for a non-revoked key
// ID. Callers compare the secret outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var name string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, name
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &name); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, name, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}
	return nil
}

// ListEventsSince returns up to the configured batch size of rule events with
// IDs greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]RuleEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, rule_id, event_type, payload, created_at
		FROM rule_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]RuleEvent, 0)
	for rows.Next() {
		var event RuleEvent
		if err := rows.Scan(
			&event.EventID,
			&event.RuleID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// PublishRuleEvent inserts a rule event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishRuleEvent(ctx context.Context, event RuleEvent) (RuleEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created RuleEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO rule_events (rule_id, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, rule_id, event_type, payload, created_at
	`,
		event.RuleID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.RuleID,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return RuleEvent{}, fmt.Errorf("insert rule event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return RuleEvent{}, fmt.Errorf("notify rule event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RuleEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// SubscribeRuleInvalidation returns a channel that receives a signal whenever
// a rule event notification arrives on the LISTEN channel. The channel is
// closed when ctx is cancelled.
func (r *PostgresRepository) SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runRuleInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runRuleInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForRuleInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForRuleInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for rule event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

// IsUniqueViolation reports whether err carries a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func deleteRuleNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete rule: %w", pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event RuleEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		RuleID    string `json:"rule_id"`
		EventType string `json:"event_type"`
	}{
		RuleID:    event.RuleID,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
