package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/watchdesk/internal/session"
	"github.com/ashureev/watchdesk/internal/shared"
	_ "modernc.org/sqlite"
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	now   func() time.Time
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the webhook server and workers share the file. Pragmas go in
	// the DSN so every pooled connection gets them.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);

	CREATE TABLE IF NOT EXISTS leases (
		key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		whatsapp_number TEXT NOT NULL UNIQUE,
		owner_phone TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		phone TEXT NOT NULL,
		name TEXT,
		city TEXT,
		interests_json TEXT,
		hobbies_json TEXT,
		style_json TEXT,
		brands_json TEXT,
		budget_range TEXT,
		budget_min INTEGER,
		budget_max INTEGER,
		birthday TEXT,
		last_interest TEXT,
		notes TEXT,
		last_visit TEXT,
		last_interaction INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(tenant_id, phone)
	);
	CREATE INDEX IF NOT EXISTS idx_customers_name ON customers(tenant_id, name COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		fact TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_customer ON memories(customer_id, created_at);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		brand TEXT NOT NULL,
		category TEXT,
		description TEXT,
		price REAL NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		in_stock INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_products_tenant ON products(tenant_id, active, in_stock);

	CREATE TABLE IF NOT EXISTS salespeople (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL,
		max_daily_appointments INTEGER NOT NULL DEFAULT 8,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS availability (
		tenant_id TEXT NOT NULL,
		weekday INTEGER NOT NULL,
		time TEXT NOT NULL,
		max_bookings INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, weekday, time)
	);

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		customer_phone TEXT NOT NULL,
		customer_name TEXT,
		salesperson_id TEXT,
		salesperson_name TEXT,
		date TEXT NOT NULL,
		time TEXT NOT NULL,
		product_interest TEXT,
		status TEXT NOT NULL,
		notes TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_appointments_slot ON appointments(tenant_id, date, time);

	CREATE TABLE IF NOT EXISTS verifications (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		customer_phone TEXT NOT NULL,
		status TEXT NOT NULL,
		cpf_encrypted TEXT,
		record_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_verifications_tenant ON verifications(tenant_id, created_at);

	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		events_json TEXT NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(tenant_id, customer_id)
	);
	CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// sqliteKV adapts the kv table to session.KV.
type sqliteKV struct {
	s *SQLiteStore
}

// KV returns the session backend stored in this database.
func (s *SQLiteStore) KV() session.KV {
	return sqliteKV{s: s}
}

func (k sqliteKV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := k.s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND expires_at > ?`,
		key, k.s.now().UnixMilli(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read kv %s: %w", key, err)
	}
	return value, nil
}

func (k sqliteKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expires := k.s.now().Add(ttl).UnixMilli()
	return shared.RetrySQLite(ctx, "write kv", k.s.retry, func() error {
		_, err := k.s.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				expires_at = excluded.expires_at`,
			key, value, expires)
		return err
	})
}

func (k sqliteKV) Delete(ctx context.Context, key string) error {
	return shared.RetrySQLite(ctx, "delete kv", k.s.retry, func() error {
		_, err := k.s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return err
	})
}

// PurgeExpiredValues deletes expired kv rows.
func (s *SQLiteStore) PurgeExpiredValues(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired kv: %w", err)
	}
	return result.RowsAffected()
}

// TryAcquireLease takes key for owner unless someone else holds a live lease.
// The conditional upsert makes acquisition a single atomic statement.
func (s *SQLiteStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	var affected int64
	err := shared.RetrySQLite(ctx, "acquire lease", s.retry, func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO leases (key, owner, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				owner = excluded.owner,
				expires_at = excluded.expires_at
			WHERE leases.owner = excluded.owner OR leases.expires_at <= ?`,
			key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseLease drops the lease when owner still holds it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, key, owner string) error {
	return shared.RetrySQLite(ctx, "release lease", s.retry, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND owner = ?`, key, owner)
		return err
	})
}

// PurgeExpiredLeases deletes leases whose owner never released them.
func (s *SQLiteStore) PurgeExpiredLeases(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired leases: %w", err)
	}
	return result.RowsAffected()
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func decodeList(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		slog.Warn("failed to decode stored list", "error", err)
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) retrySQLite(ctx context.Context, op string, fn func() error) error {
	return shared.RetrySQLite(ctx, op, s.retry, fn)
}
