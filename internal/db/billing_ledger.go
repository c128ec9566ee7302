package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
)

type InsertLedgerEntryParams struct {
	ID             uuid.UUID
	IdempotencyKey string
	JobID          uuid.UUID
	ApiKeyID       uuid.UUID
	Mode           string
	Reason         string
	Charged        float64
	BeforeUsed     float64
	AfterUsed      float64
	BeforeCredits  sql.NullFloat64
	AfterCredits   sql.NullFloat64
	Details        json.RawMessage
}

// InsertLedgerEntryIfAbsent reserves a ledger row via conflict-do-nothing
// on idempotency_key, returning ok=false when another writer already holds
// the key.
func (q *Queries) InsertLedgerEntryIfAbsent(ctx context.Context, arg InsertLedgerEntryParams) (ok bool, err error) {
	res, err := q.db.ExecContext(ctx, `
INSERT INTO billing_ledger (id, idempotency_key, job_id, api_key_id, mode, reason, charged,
                             before_used, after_used, before_credits, after_credits, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
ON CONFLICT (idempotency_key) DO NOTHING`,
		arg.ID, arg.IdempotencyKey, arg.JobID, arg.ApiKeyID, arg.Mode, arg.Reason, arg.Charged,
		arg.BeforeUsed, arg.AfterUsed, arg.BeforeCredits, arg.AfterCredits, arg.Details)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q *Queries) GetLedgerEntryByIdempotencyKey(ctx context.Context, key string) (BillingLedgerEntry, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, idempotency_key, job_id, api_key_id, mode, reason, charged, before_used, after_used,
       before_credits, after_credits, details, created_at
FROM billing_ledger WHERE idempotency_key = $1`, key)
	var e BillingLedgerEntry
	err := row.Scan(&e.ID, &e.IdempotencyKey, &e.JobID, &e.ApiKeyID, &e.Mode, &e.Reason, &e.Charged,
		&e.BeforeUsed, &e.AfterUsed, &e.BeforeCredits, &e.AfterCredits, &e.Details, &e.CreatedAt)
	return e, err
}

func (q *Queries) SumLedgerChargedByJob(ctx context.Context, jobID uuid.UUID) (float64, error) {
	var sum sql.NullFloat64
	err := q.db.QueryRowContext(ctx, `SELECT SUM(charged) FROM billing_ledger WHERE job_id = $1`, jobID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Float64, nil
}

func (q *Queries) ListLedgerEntriesByJob(ctx context.Context, jobID uuid.UUID) ([]BillingLedgerEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, idempotency_key, job_id, api_key_id, mode, reason, charged, before_used, after_used,
       before_credits, after_credits, details, created_at
FROM billing_ledger WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BillingLedgerEntry
	for rows.Next() {
		var e BillingLedgerEntry
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.JobID, &e.ApiKeyID, &e.Mode, &e.Reason, &e.Charged,
			&e.BeforeUsed, &e.AfterUsed, &e.BeforeCredits, &e.AfterCredits, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
