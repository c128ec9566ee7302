package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type InsertJobParams struct {
	ID        uuid.UUID
	Type      string
	Status    string
	Url       string
	Input     json.RawMessage
	Sync      bool
	Priority  int32
	TenantID  uuid.NullUUID
	ApiKeyID  uuid.NullUUID
	QueueName string
}

func (q *Queries) InsertJob(ctx context.Context, arg InsertJobParams) (Job, error) {
	row := q.db.QueryRowContext(ctx, `
INSERT INTO jobs (id, type, status, url, input, sync, priority, tenant_id, api_key_id, queue_name)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id, type, status, url, input, output, error, created_at, updated_at, completed_at,
          priority, sync, tenant_id, api_key_id, queue_name, credits_used, deducted_at,
          cache_hits, total_count, completed_count, failed_count, failure_message`,
		arg.ID, arg.Type, arg.Status, arg.Url, arg.Input, arg.Sync, arg.Priority,
		arg.TenantID, arg.ApiKeyID, arg.QueueName)
	return scanJob(row)
}

func scanJob(row *sql.Row) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Url, &j.Input, &j.Output, &j.Error,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt, &j.Priority, &j.Sync, &j.TenantID,
		&j.ApiKeyID, &j.QueueName, &j.CreditsUsed, &j.DeductedAt, &j.CacheHits,
		&j.TotalCount, &j.CompletedCount, &j.FailedCount, &j.FailureMessage)
	return j, err
}

func (q *Queries) GetJobByID(ctx context.Context, id uuid.UUID) (Job, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, type, status, url, input, output, error, created_at, updated_at, completed_at,
       priority, sync, tenant_id, api_key_id, queue_name, credits_used, deducted_at,
       cache_hits, total_count, completed_count, failed_count, failure_message
FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobByIDForUpdate locks the job row for a CAS-style update.
func (q *Queries) GetJobByIDForUpdate(ctx context.Context, id uuid.UUID) (Job, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, type, status, url, input, output, error, created_at, updated_at, completed_at,
       priority, sync, tenant_id, api_key_id, queue_name, credits_used, deducted_at,
       cache_hits, total_count, completed_count, failed_count, failure_message
FROM jobs WHERE id = $1 FOR UPDATE`, id)
	return scanJob(row)
}

type UpdateJobStatusParams struct {
	ID     uuid.UUID
	Status string
	Error  sql.NullString
}

// UpdateJobStatus sets status unconditionally (the statement matches on id
// only); legal edges are enforced by the caller (internal/store), and the
// status-guarded variant is UpdateJobStatusGuarded.
func (q *Queries) UpdateJobStatus(ctx context.Context, arg UpdateJobStatusParams) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE jobs SET status = $2, error = $3, updated_at = now(),
       completed_at = CASE WHEN $2 IN ('completed','failed','cancelled') THEN now() ELSE completed_at END
WHERE id = $1`, arg.ID, arg.Status, arg.Error)
	return err
}

// UpdateJobStatusGuarded transitions status only if the current status
// matches fromStatus, returning the number of affected rows (0 means the
// transition lost a race or was already applied).
func (q *Queries) UpdateJobStatusGuarded(ctx context.Context, id uuid.UUID, fromStatus, toStatus string, errMsg sql.NullString) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs SET status = $3, error = $4, updated_at = now(),
       completed_at = CASE WHEN $3 IN ('completed','failed','cancelled') THEN now() ELSE completed_at END
WHERE id = $1 AND status = $2`, id, fromStatus, toStatus, errMsg)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type UpdateJobOutputParams struct {
	ID     uuid.UUID
	Output pqtype.NullRawMessage
}

func (q *Queries) UpdateJobOutput(ctx context.Context, arg UpdateJobOutputParams) error {
	_, err := q.db.ExecContext(ctx, `UPDATE jobs SET output = $2, updated_at = now() WHERE id = $1`, arg.ID, arg.Output)
	return err
}

// IncrementJobCounters bumps total/completed/failed additively, bounded by
// total.
type IncrementJobCountersParams struct {
	ID             uuid.UUID
	TotalDelta     int32
	CompletedDelta int32
	FailedDelta    int32
}

func (q *Queries) IncrementJobCounters(ctx context.Context, arg IncrementJobCountersParams) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE jobs SET
  total_count = total_count + $2,
  completed_count = LEAST(completed_count + $3, total_count + $2),
  failed_count = LEAST(failed_count + $4, total_count + $2),
  updated_at = now()
WHERE id = $1`, arg.ID, arg.TotalDelta, arg.CompletedDelta, arg.FailedDelta)
	return err
}

func (q *Queries) UpdateCacheHits(ctx context.Context, id uuid.UUID, delta int32) error {
	_, err := q.db.ExecContext(ctx, `UPDATE jobs SET cache_hits = cache_hits + $2, updated_at = now() WHERE id = $1`, id, delta)
	return err
}

// CASUpdateCreditsUsed implements the chargeToUsed optimistic-CAS primitive:
// it only commits if credits_used still equals currentUsed.
func (q *Queries) CASUpdateCreditsUsed(ctx context.Context, id uuid.UUID, currentUsed, target float64) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs SET credits_used = $3, deducted_at = now(), updated_at = now()
WHERE id = $1 AND credits_used = $2`, id, currentUsed, target)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) IncrementCreditsUsed(ctx context.Context, id uuid.UUID, delta float64) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE jobs SET credits_used = credits_used + $2, deducted_at = now(), updated_at = now()
WHERE id = $1`, id, delta)
	return err
}

func (q *Queries) ListPendingJobs(ctx context.Context, limit int32) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, type, status, url, input, output, error, created_at, updated_at, completed_at,
       priority, sync, tenant_id, api_key_id, queue_name, credits_used, deducted_at,
       cache_hits, total_count, completed_count, failed_count, failure_message
FROM jobs WHERE status = 'pending' ORDER BY priority DESC, created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Type, &j.Status, &j.Url, &j.Input, &j.Output, &j.Error,
			&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt, &j.Priority, &j.Sync, &j.TenantID,
			&j.ApiKeyID, &j.QueueName, &j.CreditsUsed, &j.DeductedAt, &j.CacheHits,
			&j.TotalCount, &j.CompletedCount, &j.FailedCount, &j.FailureMessage); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListStaleRunningJobs returns jobs in status running whose updated_at is
// older than cutoff. The reaper does not use it; it scans task_executions.
func (q *Queries) ListStaleRunningJobs(ctx context.Context, cutoff time.Time) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, type, status, url, input, output, error, created_at, updated_at, completed_at,
       priority, sync, tenant_id, api_key_id, queue_name, credits_used, deducted_at,
       cache_hits, total_count, completed_count, failed_count, failure_message
FROM jobs WHERE status = 'running' AND updated_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Type, &j.Status, &j.Url, &j.Input, &j.Output, &j.Error,
			&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt, &j.Priority, &j.Sync, &j.TenantID,
			&j.ApiKeyID, &j.QueueName, &j.CreditsUsed, &j.DeductedAt, &j.CacheHits,
			&j.TotalCount, &j.CompletedCount, &j.FailedCount, &j.FailureMessage); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
