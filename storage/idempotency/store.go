// Package idempotency persists HTTP idempotency keys, the API audit log and
// webhook delivery attempts in SQLite.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"btcescrow/services/webhook"
)

// ErrMismatch is returned when a key is reused with a different request.
var ErrMismatch = errors.New("idempotency key reuse with different request body")

// Store manages idempotency keys, audit rows and webhook attempts.
type Store struct {
	db    *sql.DB
	ttl   time.Duration
	nowFn func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithTTL bounds how long a cached response is replayed.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Open opens the SQLite database at path and creates the schema.
func Open(path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("idempotency: path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, ttl: 24 * time.Hour, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            user_id TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY(user_id, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            user_id TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event_id TEXT NOT NULL,
            invoice_id TEXT NOT NULL,
            url TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS webhook_attempts_invoice ON webhook_attempts(invoice_id);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("idempotency: schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// StoredResponse is a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// HashRequest fingerprints a request so key reuse with a different body is
// detected.
func HashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached response for (userID, key), nil when absent or
// expired, and ErrMismatch when the key was used for a different request.
func (s *Store) Lookup(ctx context.Context, userID, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash, created_at FROM idempotency_keys WHERE user_id = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, userID, key)
	var (
		status     int
		body       []byte
		storedHash string
		createdAt  time.Time
	)
	err := row.Scan(&status, &body, &storedHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.nowFn().Sub(createdAt) > s.ttl {
		return nil, nil
	}
	if storedHash != requestHash {
		return nil, ErrMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// Save caches a response for (userID, key).
func (s *Store) Save(ctx context.Context, userID, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(user_id, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, userID, key, requestHash, status, body, s.nowFn().UTC())
	return err
}

// Prune removes cached responses older than the TTL.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, s.nowFn().UTC().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AuditEntry is one API audit row.
type AuditEntry struct {
	UserID         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

// InsertAudit appends an audit row.
func (s *Store) InsertAudit(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(user_id, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.nowFn()
	}
	_, err := s.db.ExecContext(ctx, stmt, entry.UserID, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, ts.UTC())
	return err
}

// CountAudit returns the number of audit rows for userID.
func (s *Store) CountAudit(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// RecordAttempt implements webhook.AttemptRecorder.
func (s *Store) RecordAttempt(ctx context.Context, a webhook.Attempt) error {
	const stmt = `INSERT INTO webhook_attempts(event_id, invoice_id, url, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	created := a.CreatedAt
	if created.IsZero() {
		created = s.nowFn().UTC()
	}
	_, err := s.db.ExecContext(ctx, stmt, a.EventID, a.InvoiceID, a.URL, a.Attempt, a.Status, a.Error, nullTime(a.NextAttempt), created)
	return err
}

// ListAttempts returns the delivery attempts recorded for an invoice, oldest
// first.
func (s *Store) ListAttempts(ctx context.Context, invoiceID string) ([]webhook.Attempt, error) {
	const query = `SELECT event_id, invoice_id, url, attempt, status, COALESCE(error, ''), next_attempt, created_at FROM webhook_attempts WHERE invoice_id = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []webhook.Attempt
	for rows.Next() {
		var (
			a    webhook.Attempt
			next sql.NullTime
		)
		if err := rows.Scan(&a.EventID, &a.InvoiceID, &a.URL, &a.Attempt, &a.Status, &a.Error, &next, &a.CreatedAt); err != nil {
			return nil, err
		}
		if next.Valid {
			a.NextAttempt = next.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
