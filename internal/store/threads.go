package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/google/uuid"
)

const threadColumns = `id, tenant_id, customer_id, status, events_json, metadata_json, created_at, updated_at`

func scanThread(row rowScanner) (*domain.Thread, error) {
	var t domain.Thread
	var status, events string
	var metadata sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&t.ID, &t.TenantID, &t.CustomerID, &status, &events, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = domain.ThreadStatus(status)
	if err := json.Unmarshal([]byte(events), &t.Events); err != nil {
		return nil, fmt.Errorf("decode thread events: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode thread metadata: %w", err)
		}
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

// GetThreadByCustomer returns the customer's thread, or nil.
func (s *SQLiteStore) GetThreadByCustomer(ctx context.Context, tenantID, customerID string) (*domain.Thread, error) {
	t, err := scanThread(s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE tenant_id = ? AND customer_id = ?`, tenantID, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread row: %w", err)
	}
	return t, nil
}

// SaveThread writes the whole thread including its events.
func (s *SQLiteStore) SaveThread(ctx context.Context, t *domain.Thread) error {
	now := s.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.Status == "" {
		t.Status = domain.ThreadActive
	}
	t.UpdatedAt = now

	events, err := json.Marshal(t.Events)
	if err != nil {
		return fmt.Errorf("encode thread events: %w", err)
	}
	var metadata interface{}
	if len(t.Metadata) > 0 {
		raw, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("encode thread metadata: %w", err)
		}
		metadata = string(raw)
	}

	return s.retrySQLite(ctx, "save thread", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO threads (`+threadColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				events_json = excluded.events_json,
				metadata_json = excluded.metadata_json,
				updated_at = excluded.updated_at`,
			t.ID, t.TenantID, t.CustomerID, string(t.Status), string(events), metadata,
			t.CreatedAt.Unix(), t.UpdatedAt.Unix())
		return err
	})
}

// SetThreadStatus changes status without touching events.
func (s *SQLiteStore) SetThreadStatus(ctx context.Context, threadID string, status domain.ThreadStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, updated_at = ? WHERE id = ?`, string(status), s.now().Unix(), threadID)
	if err != nil {
		return fmt.Errorf("update thread status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	return nil
}

// ListPausedThreads returns threads waiting for a human.
func (s *SQLiteStore) ListPausedThreads(ctx context.Context, tenantID string) ([]*domain.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE tenant_id = ? AND status = ? ORDER BY updated_at DESC`,
		tenantID, string(domain.ThreadPaused))
	if err != nil {
		return nil, fmt.Errorf("query paused threads: %w", err)
	}
	defer closeRows(rows, "list paused threads")

	var out []*domain.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return out, nil
}

// PurgeIdleThreads deletes threads not updated within retention.
func (s *SQLiteStore) PurgeIdleThreads(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := s.now().Add(-retention).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("purge idle threads: %w", err)
	}
	return result.RowsAffected()
}
