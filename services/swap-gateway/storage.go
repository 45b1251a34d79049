package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"swapvault/gateway/auth"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different
// request payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// ErrWebhookNotFound is returned when a subscription id does not exist.
var ErrWebhookNotFound = errors.New("webhook subscription not found")

// Store is the gateway's durable state: idempotency cache, audit trail,
// mirrored node events, webhook subscriptions, and the partner nonce window.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id TEXT PRIMARY KEY,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            escrow_id TEXT,
            attributes TEXT NOT NULL,
            commit_time TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id TEXT PRIMARY KEY,
            api_key TEXT NOT NULL,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            rate_limit INTEGER NOT NULL DEFAULT 60,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            webhook_id TEXT NOT NULL,
            event_sequence INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS nonces (
            api_key TEXT NOT NULL,
            timestamp TEXT NOT NULL,
            nonce TEXT NOT NULL,
            observed_at TIMESTAMP NOT NULL,
            PRIMARY KEY(api_key, timestamp, nonce)
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StoredResponse is a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *Store) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *Store) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry is one audit log row.
type AuditEntry struct {
	ID             string
	APIKey         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *Store) InsertAudit(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(id, api_key, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.ID, entry.APIKey, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// StoredEvent mirrors one journal entry pulled from the node.
type StoredEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	EscrowID   string            `json:"escrowId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	CommitTime time.Time         `json:"commitTime"`
}

func (s *Store) InsertEvent(ctx context.Context, evt StoredEvent) error {
	const stmt = `INSERT OR REPLACE INTO events(sequence, type, escrow_id, attributes, commit_time) VALUES (?, ?, ?, ?, ?)`
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, stmt, int64(evt.Sequence), evt.Type, evt.EscrowID, string(attrs), evt.CommitTime.UTC())
	return err
}

// EventsAfter returns up to limit mirrored events with sequence > after.
func (s *Store) EventsAfter(ctx context.Context, after uint64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT sequence, type, escrow_id, attributes, commit_time FROM events WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, int64(after), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsBetween returns mirrored events with commit_time in [start, end).
func (s *Store) EventsBetween(ctx context.Context, start, end time.Time) ([]StoredEvent, error) {
	const query = `SELECT sequence, type, escrow_id, attributes, commit_time FROM events WHERE commit_time >= ? AND commit_time < ? ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var events []StoredEvent
	for rows.Next() {
		var evt StoredEvent
		var seq int64
		var attrs string
		if err := rows.Scan(&seq, &evt.Type, &evt.EscrowID, &attrs, &evt.CommitTime); err != nil {
			return nil, err
		}
		evt.Sequence = uint64(seq)
		if err := json.Unmarshal([]byte(attrs), &evt.Attributes); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// LastEventSequence returns the watcher's persisted cursor.
func (s *Store) LastEventSequence(ctx context.Context) (uint64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = 'events'`
	row := s.db.QueryRowContext(ctx, query)
	var value int64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(value), nil
}

func (s *Store) UpdateEventSequence(ctx context.Context, sequence uint64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES('events', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, int64(sequence))
	return err
}

// WebhookSubscription is a stored webhook endpoint.
type WebhookSubscription struct {
	ID        string    `json:"id"`
	APIKey    string    `json:"apiKey"`
	EventType string    `json:"eventType"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	RateLimit int       `json:"rateLimit"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Store) InsertWebhook(ctx context.Context, sub WebhookSubscription) error {
	const stmt = `INSERT INTO webhooks(id, api_key, event_type, url, secret, rate_limit, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	active := 0
	if sub.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, stmt, sub.ID, sub.APIKey, sub.EventType, sub.URL, sub.Secret, sub.RateLimit, active, sub.CreatedAt.UTC())
	return err
}

// ListWebhooks returns every subscription, newest first.
func (s *Store) ListWebhooks(ctx context.Context) ([]WebhookSubscription, error) {
	const query = `SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhooks ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

// ListWebhooksForEvent returns active-or-not subscriptions for an event type.
func (s *Store) ListWebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	const query = `SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhooks WHERE event_type = ? OR event_type = '*'`
	rows, err := s.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWebhooks(rows)
}

func scanWebhooks(rows *sql.Rows) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		var active int
		if err := rows.Scan(&sub.ID, &sub.APIKey, &sub.EventType, &sub.URL, &sub.Secret, &sub.RateLimit, &active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Active = active == 1
		if sub.RateLimit <= 0 {
			sub.RateLimit = 60
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

// DeactivateWebhook disables a subscription without deleting its history.
func (s *Store) DeactivateWebhook(ctx context.Context, id string) error {
	const stmt = `UPDATE webhooks SET active = 0 WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

// WebhookAttempt captures one delivery attempt.
type WebhookAttempt struct {
	WebhookID     string    `json:"webhookId"`
	EventSequence uint64    `json:"eventSequence"`
	Attempt       int       `json:"attempt"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	NextAttempt   time.Time `json:"nextAttempt,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (s *Store) InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	const stmt = `INSERT INTO webhook_attempts(webhook_id, event_sequence, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, attempt.WebhookID, int64(attempt.EventSequence), attempt.Attempt, attempt.Status, attempt.Error, nullTime(attempt.NextAttempt), attempt.CreatedAt.UTC())
	return err
}

// ListWebhookAttempts returns the most recent delivery attempts for a
// subscription, newest first.
func (s *Store) ListWebhookAttempts(ctx context.Context, webhookID string, limit int) ([]WebhookAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT webhook_id, event_sequence, attempt, status, error, next_attempt, created_at FROM webhook_attempts WHERE webhook_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []WebhookAttempt
	for rows.Next() {
		var attempt WebhookAttempt
		var sequence int64
		var next sql.NullTime
		if err := rows.Scan(&attempt.WebhookID, &sequence, &attempt.Attempt, &attempt.Status, &attempt.Error, &next, &attempt.CreatedAt); err != nil {
			return nil, err
		}
		attempt.EventSequence = uint64(sequence)
		if next.Valid {
			attempt.NextAttempt = next.Time
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attempts, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// EnsureNonce implements auth.NoncePersistence. The insert is the
// check-and-set: a conflicting row means the nonce was already seen.
func (s *Store) EnsureNonce(ctx context.Context, record auth.NonceRecord) (bool, error) {
	const stmt = `INSERT INTO nonces(api_key, timestamp, nonce, observed_at) VALUES (?, ?, ?, ?) ON CONFLICT(api_key, timestamp, nonce) DO NOTHING`
	res, err := s.db.ExecContext(ctx, stmt, record.APIKey, record.Timestamp, record.Nonce, record.ObservedAt.UTC())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 0, nil
}

// RecentNonces implements auth.NoncePersistence.
func (s *Store) RecentNonces(ctx context.Context, cutoff time.Time) ([]auth.NonceRecord, error) {
	const query = `SELECT api_key, timestamp, nonce, observed_at FROM nonces WHERE observed_at > ?`
	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []auth.NonceRecord
	for rows.Next() {
		var rec auth.NonceRecord
		if err := rows.Scan(&rec.APIKey, &rec.Timestamp, &rec.Nonce, &rec.ObservedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// PruneNonces implements auth.NoncePersistence.
func (s *Store) PruneNonces(ctx context.Context, cutoff time.Time) error {
	const stmt = `DELETE FROM nonces WHERE observed_at <= ?`
	if _, err := s.db.ExecContext(ctx, stmt, cutoff.UTC()); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

var _ auth.NoncePersistence = (*Store)(nil)
