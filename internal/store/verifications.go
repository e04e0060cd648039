package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/google/uuid"
)

// SaveVerification writes a completed verification. The encrypted CPF is kept
// in its own column because the record JSON never carries it.
func (s *SQLiteStore) SaveVerification(ctx context.Context, r *domain.VerificationRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode verification: %w", err)
	}
	err = s.retrySQLite(ctx, "save verification", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO verifications (id, tenant_id, customer_phone, status, cpf_encrypted, record_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				record_json = excluded.record_json`,
			r.ID, r.TenantID, r.CustomerPhone, string(r.Status), nullable(r.CPFEncrypted), string(raw), r.CreatedAt.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("save verification: %w", err)
	}
	return nil
}

// GetVerification returns a verification by id or by its short code prefix.
func (s *SQLiteStore) GetVerification(ctx context.Context, id string) (*domain.VerificationRecord, error) {
	var raw string
	var cpf sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT record_json, cpf_encrypted FROM verifications
		WHERE id = ? OR id LIKE ? ESCAPE '\'
		ORDER BY created_at DESC LIMIT 1`, id, escapeLike(id)+"%").Scan(&raw, &cpf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan verification row: %w", err)
	}
	return decodeVerification(raw, cpf)
}

// ListVerifications returns the newest verifications of a tenant.
func (s *SQLiteStore) ListVerifications(ctx context.Context, tenantID string, limit int) ([]*domain.VerificationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_json, cpf_encrypted FROM verifications
		WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query verifications: %w", err)
	}
	defer closeRows(rows, "list verifications")

	var out []*domain.VerificationRecord
	for rows.Next() {
		var raw string
		var cpf sql.NullString
		if err := rows.Scan(&raw, &cpf); err != nil {
			return nil, fmt.Errorf("scan verification row: %w", err)
		}
		r, err := decodeVerification(raw, cpf)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verifications: %w", err)
	}
	return out, nil
}

func decodeVerification(raw string, cpf sql.NullString) (*domain.VerificationRecord, error) {
	var r domain.VerificationRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode verification: %w", err)
	}
	r.CPFEncrypted = cpf.String
	return &r, nil
}
