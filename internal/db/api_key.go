package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type InsertAPIKeyParams struct {
	ID                 uuid.UUID
	KeyHash            string
	Label              string
	IsAdmin            bool
	RateLimitPerMinute sql.NullInt32
	TenantID           sql.NullString
	Credits            float64
}

func scanAPIKey(row *sql.Row) (ApiKey, error) {
	var k ApiKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.Label, &k.IsAdmin, &k.Credits,
		&k.RateLimitPerMinute, &k.TenantID, &k.LastUsedAt, &k.CreatedAt)
	return k, err
}

func (q *Queries) InsertAPIKey(ctx context.Context, arg InsertAPIKeyParams) (ApiKey, error) {
	row := q.db.QueryRowContext(ctx, `
INSERT INTO api_key (id, key_hash, label, is_admin, credits, rate_limit_per_minute, tenant_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
RETURNING id, key_hash, label, is_admin, credits, rate_limit_per_minute, tenant_id, last_used_at, created_at`,
		arg.ID, arg.KeyHash, arg.Label, arg.IsAdmin, arg.Credits, arg.RateLimitPerMinute, arg.TenantID)
	return scanAPIKey(row)
}

func (q *Queries) GetAPIKeyByHash(ctx context.Context, hash string) (ApiKey, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, key_hash, label, is_admin, credits, rate_limit_per_minute, tenant_id, last_used_at, created_at
FROM api_key WHERE key_hash = $1`, hash)
	return scanAPIKey(row)
}

func (q *Queries) GetAPIKeyByID(ctx context.Context, id uuid.UUID) (ApiKey, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, key_hash, label, is_admin, credits, rate_limit_per_minute, tenant_id, last_used_at, created_at
FROM api_key WHERE id = $1`, id)
	return scanAPIKey(row)
}

// GetAPIKeyByIDForUpdate locks the row for the chargeDelta/chargeToUsed
// transaction.
func (q *Queries) GetAPIKeyByIDForUpdate(ctx context.Context, id uuid.UUID) (ApiKey, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, key_hash, label, is_admin, credits, rate_limit_per_minute, tenant_id, last_used_at, created_at
FROM api_key WHERE id = $1 FOR UPDATE`, id)
	return scanAPIKey(row)
}

func (q *Queries) TouchAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `UPDATE api_key SET last_used_at = now() WHERE id = $1`, id)
	return err
}

// APIKeyLabel is the minimal projection GetAPIKeyLabelsByIDs returns for
// attributing a job/download to its owning key without loading the full row.
type APIKeyLabel struct {
	ID    uuid.UUID
	Label string
}

// GetAPIKeyLabelsByIDs looks up labels for a batch of api-key ids.
func (q *Queries) GetAPIKeyLabelsByIDs(ctx context.Context, ids []uuid.UUID) ([]APIKeyLabel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}
	rows, err := q.db.QueryContext(ctx, `SELECT id, label FROM api_key WHERE id = ANY($1)`, pq.StringArray(idStrs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKeyLabel
	for rows.Next() {
		var l APIKeyLabel
		if err := rows.Scan(&l.ID, &l.Label); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DecrementAPIKeyCredits may take credits negative by design.
func (q *Queries) DecrementAPIKeyCredits(ctx context.Context, id uuid.UUID, delta float64) (float64, error) {
	var remaining float64
	err := q.db.QueryRowContext(ctx, `
UPDATE api_key SET credits = credits - $2 WHERE id = $1 RETURNING credits`, id, delta).Scan(&remaining)
	return remaining, err
}
