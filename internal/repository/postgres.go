// Package repository provides PostgreSQL-backed persistence for trigger sets,
// firing history, API keys, and trigger change events. It also handles
// LISTEN/NOTIFY-based cache invalidation so evaluator replicas stay fresh
// without polling the database into submission.
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

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/waflowhq/triggerd/internal/history"
)

const (
	defaultNotifyChannel  = "trigger_events"
	defaultEventBatchSize = 1000
)

// TriggerSet is the repository-level representation of one flow's trigger
// document. Document holds the raw JSON array of trigger groups exactly as
// the editor saved it; the service layer decodes it into core types.
type TriggerSet struct {
	FlowID    string          `json:"flow_id"`
	Document  json.RawMessage `json:"document"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TriggerEvent represents a change to a flow's trigger set, stored in the
// trigger_events table and used to drive SSE streaming and cache
// invalidation.
type TriggerEvent struct {
	EventID   int64           `json:"event_id"`
	FlowID    string          `json:"flow_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DecisionLogEntry records one evaluation outcome for diagnostics. Details
// carries the per-group gate reasons as JSON.
type DecisionLogEntry struct {
	ID             int64           `json:"id"`
	FlowID         string          `json:"flow_id"`
	ContactID      string          `json:"contact_id"`
	TriggerGroupID string          `json:"trigger_group_id,omitempty"`
	Fired          bool            `json:"fired"`
	Reason         string          `json:"reason"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PostgresRepository implements trigger set, firing history, API key, and
// event persistence backed by a pgxpool connection pool. It also supports
// LISTEN/NOTIFY for real-time cache invalidation and satisfies
// [history.Store] so deployments without Redis keep the same race
// discipline.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures optional repository parameters.
type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name used for trigger
// event notifications.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize overrides the maximum number of events returned per
// [PostgresRepository.ListEventsSince] call.
func WithEventBatchSize(n int) Option {
	return func(r *PostgresRepository) {
		if n > 0 {
			r.eventBatchSize = n
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "trigger_events" notification channel.
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

// Pool exposes the underlying pool for health checks and stats collection.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// UpsertTriggerSet stores a flow's trigger document with whole-document
// replace semantics, bumping the version on every write.
func (r *PostgresRepository) UpsertTriggerSet(ctx context.Context, flowID string, document json.RawMessage) (TriggerSet, error) {
	var saved TriggerSet
	err := r.pool.QueryRow(ctx, `
		INSERT INTO trigger_sets (flow_id, document)
		VALUES ($1, $2)
		ON CONFLICT (flow_id) DO UPDATE
		SET document = EXCLUDED.document,
		    version = trigger_sets.version + 1,
		    updated_at = NOW()
		RETURNING flow_id, document, version, created_at, updated_at
	`,
		flowID,
		ensureJSON(document, "[]"),
	).Scan(
		&saved.FlowID,
		&saved.Document,
		&saved.Version,
		&saved.CreatedAt,
		&saved.UpdatedAt,
	)
	if err != nil {
		return TriggerSet{}, fmt.Errorf("upsert trigger set: %w", err)
	}

	return saved, nil
}

// GetTriggerSet retrieves a single flow's trigger document. Returns
// pgx.ErrNoRows (wrapped) if the flow has no stored triggers.
func (r *PostgresRepository) GetTriggerSet(ctx context.Context, flowID string) (TriggerSet, error) {
	var set TriggerSet
	err := r.pool.QueryRow(ctx, `
		SELECT flow_id, document, version, created_at, updated_at
		FROM trigger_sets
		WHERE flow_id = $1
	`, flowID).Scan(
		&set.FlowID,
		&set.Document,
		&set.Version,
		&set.CreatedAt,
		&set.UpdatedAt,
	)
	if err != nil {
		return TriggerSet{}, fmt.Errorf("get trigger set: %w", err)
	}

	return set, nil
}

// ListTriggerSets returns all stored trigger sets ordered by flow ID.
func (r *PostgresRepository) ListTriggerSets(ctx context.Context) ([]TriggerSet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT flow_id, document, version, created_at, updated_at
		FROM trigger_sets
		ORDER BY flow_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list trigger sets: %w", err)
	}
	defer rows.Close()

	sets := make([]TriggerSet, 0)
	for rows.Next() {
		var set TriggerSet
		if err := rows.Scan(
			&set.FlowID,
			&set.Document,
			&set.Version,
			&set.CreatedAt,
			&set.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trigger set: %w", err)
		}

		sets = append(sets, set)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trigger sets rows: %w", err)
	}

	return sets, nil
}

// DeleteTriggerSet removes a flow's trigger document. Returns pgx.ErrNoRows
// (wrapped) if the flow has no stored triggers.
func (r *PostgresRepository) DeleteTriggerSet(ctx context.Context, flowID string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM trigger_sets WHERE flow_id = $1`, flowID)
	if err != nil {
		return fmt.Errorf("delete trigger set: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete trigger set: %w", pgx.ErrNoRows)
	}

	return nil
}

// Get returns the firing record for a (trigger group, contact) pair. Part of
// [history.Store]; never-fired pairs return the zero record.
func (r *PostgresRepository) Get(ctx context.Context, groupID, contactID string) (history.Record, error) {
	var record history.Record
	err := r.pool.QueryRow(ctx, `
		SELECT last_fired_at, fire_count
		FROM firing_history
		WHERE trigger_group_id = $1 AND contact_id = $2
	`, groupID, contactID).Scan(&record.LastFiredAt, &record.FireCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.Record{}, nil
	}
	if err != nil {
		return history.Record{}, fmt.Errorf("get firing record: %w", err)
	}

	return record, nil
}

// RecordFiring commits a firing through a single conditional UPSERT. The
// once-per-user and cooldown constraints are re-applied inside the statement,
// so two replicas racing on the same event resolve the winner in the
// database: the loser's UPDATE is filtered out by the WHERE clause and no row
// comes back. Part of [history.Store].
func (r *PostgresRepository) RecordFiring(ctx context.Context, groupID, contactID string, at time.Time, oncePerUser bool, cooldown time.Duration) (bool, error) {
	var fireCount int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO firing_history (trigger_group_id, contact_id, last_fired_at, fire_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (trigger_group_id, contact_id) DO UPDATE
		SET last_fired_at = EXCLUDED.last_fired_at,
		    fire_count = firing_history.fire_count + 1
		WHERE NOT $4::boolean
		  AND firing_history.last_fired_at <= EXCLUDED.last_fired_at - make_interval(secs => $5)
		RETURNING fire_count
	`, groupID, contactID, at.UTC(), oncePerUser, cooldown.Seconds()).Scan(&fireCount)
	if errors.Is(err, pgx.ErrNoRows) {
		// The guarded UPDATE matched nothing: another firing already holds
		// the once-per-user or cooldown claim.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record firing: %w", err)
	}

	return true, nil
}

// LastInboundAt returns when the contact last sent an inbound message. Part
// of [history.Store].
func (r *PostgresRepository) LastInboundAt(ctx context.Context, contactID string) (time.Time, error) {
	var at time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT last_inbound_at FROM contact_inbound WHERE contact_id = $1
	`, contactID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last inbound: %w", err)
	}

	return at, nil
}

// TouchInbound records inbound activity for a contact. GREATEST keeps the
// newest timestamp when deliveries arrive out of order. Part of
// [history.Store].
func (r *PostgresRepository) TouchInbound(ctx context.Context, contactID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO contact_inbound (contact_id, last_inbound_at)
		VALUES ($1, $2)
		ON CONFLICT (contact_id) DO UPDATE
		SET last_inbound_at = GREATEST(contact_inbound.last_inbound_at, EXCLUDED.last_inbound_at)
	`, contactID, at.UTC())
	if err != nil {
		return fmt.Errorf("touch inbound: %w", err)
	}

	return nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// compare the presented secret against the hash outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once; it cannot be retrieved later.
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

	if name == "" {
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

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
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

// ListEventsSince returns up to the configured batch size of trigger events with IDs
// greater than eventID, ordered by event ID. An empty flowID returns events
// for all flows.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, flowID string, eventID int64) ([]TriggerEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, flow_id, event_type, payload, created_at
		FROM trigger_events
		WHERE event_id > $1
		  AND ($2 = '' OR flow_id = $2)
		ORDER BY event_id
		LIMIT $3
	`, eventID, flowID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]TriggerEvent, 0)
	for rows.Next() {
		var event TriggerEvent
		if err := rows.Scan(
			&event.EventID,
			&event.FlowID,
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

// PublishTriggerEvent inserts a trigger event and sends a PostgreSQL NOTIFY
// on the configured channel within a single transaction.
func (r *PostgresRepository) PublishTriggerEvent(ctx context.Context, event TriggerEvent) (TriggerEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return TriggerEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created TriggerEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO trigger_events (flow_id, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, flow_id, event_type, payload, created_at
	`,
		event.FlowID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.FlowID,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return TriggerEvent{}, fmt.Errorf("insert trigger event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return TriggerEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return TriggerEvent{}, fmt.Errorf("notify trigger event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return TriggerEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// SubscribeInvalidation returns a channel that receives a signal whenever a
// trigger event notification arrives on the PostgreSQL LISTEN channel. The
// channel is closed when the context is cancelled.
func (r *PostgresRepository) SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		// A session that stayed up for a while earns a fresh backoff; only
		// rapid connect/fail loops keep escalating the wait.
		if time.Since(started) > time.Minute {
			policy.Reset()
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		retryTimer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
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
			return fmt.Errorf("wait for trigger event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

// InsertDecisionLog writes a single evaluation outcome.
func (r *PostgresRepository) InsertDecisionLog(ctx context.Context, entry DecisionLogEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO decision_log (flow_id, contact_id, trigger_group_id, fired, reason, details)
 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.FlowID, entry.ContactID, entry.TriggerGroupID, entry.Fired, entry.Reason, entry.Details,
	)
	return err
}

// ListDecisionLog returns evaluation outcomes for a flow, newest first.
func (r *PostgresRepository) ListDecisionLog(ctx context.Context, flowID string, limit, offset int) ([]DecisionLogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, flow_id, contact_id, trigger_group_id, fired, reason, details, created_at
 FROM decision_log
 WHERE flow_id = $1
 ORDER BY id DESC
 LIMIT $2 OFFSET $3`,
		flowID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing decision log: %w", err)
	}
	defer rows.Close()

	var entries []DecisionLogEntry
	for rows.Next() {
		var e DecisionLogEntry
		if err := rows.Scan(&e.ID, &e.FlowID, &e.ContactID, &e.TriggerGroupID, &e.Fired, &e.Reason, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning decision log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating decision log rows: %w", err)
	}
	return entries, nil
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

func marshalNotifyPayload(event TriggerEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		FlowID    string `json:"flow_id"`
		EventType string `json:"event_type"`
	}{
		FlowID:    event.FlowID,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
