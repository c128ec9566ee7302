package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type InsertScheduledTaskParams struct {
	ID    uuid.UUID
	JobID uuid.UUID
	Kind  string
}

func (q *Queries) InsertScheduledTask(ctx context.Context, arg InsertScheduledTaskParams) (ScheduledTask, error) {
	row := q.db.QueryRowContext(ctx, `
INSERT INTO scheduled_tasks (id, job_id, kind, total_executions, succeeded_count, failed_count, created_at, updated_at)
VALUES ($1, $2, $3, 0, 0, 0, now(), now())
RETURNING id, job_id, kind, total_executions, succeeded_count, failed_count, created_at, updated_at`,
		arg.ID, arg.JobID, arg.Kind)
	var t ScheduledTask
	err := row.Scan(&t.ID, &t.JobID, &t.Kind, &t.TotalExecutions, &t.SucceededCount, &t.FailedCount, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (q *Queries) BumpScheduledTaskStats(ctx context.Context, id uuid.UUID, succeeded, failed int32) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET
  total_executions = total_executions + 1,
  succeeded_count = succeeded_count + $2,
  failed_count = failed_count + $3,
  updated_at = now()
WHERE id = $1`, id, succeeded, failed)
	return err
}

// --- task_executions (C5 reaper target) ---

type InsertTaskExecutionParams struct {
	ID            uuid.UUID
	ScheduledTask uuid.UUID
	JobID         uuid.UUID
}

func (q *Queries) InsertTaskExecution(ctx context.Context, arg InsertTaskExecutionParams) (TaskExecution, error) {
	row := q.db.QueryRowContext(ctx, `
INSERT INTO task_executions (id, scheduled_task_id, job_id, status, started_at)
VALUES ($1, $2, $3, 'running', now())
RETURNING id, scheduled_task_id, job_id, status, started_at, finished_at, failure_reason`,
		arg.ID, arg.ScheduledTask, arg.JobID)
	var e TaskExecution
	err := row.Scan(&e.ID, &e.ScheduledTask, &e.JobID, &e.Status, &e.StartedAt, &e.FinishedAt, &e.FailureReason)
	return e, err
}

// ListStaleRunningExecutions finds task_executions still running past the
// reaper's max-age cutoff.
func (q *Queries) ListStaleRunningExecutions(ctx context.Context, cutoff time.Time) ([]TaskExecution, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, scheduled_task_id, job_id, status, started_at, finished_at, failure_reason
FROM task_executions WHERE status = 'running' AND started_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskExecution
	for rows.Next() {
		var e TaskExecution
		if err := rows.Scan(&e.ID, &e.ScheduledTask, &e.JobID, &e.Status, &e.StartedAt, &e.FinishedAt, &e.FailureReason); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FinalizeExecutionGuarded atomically transitions an execution row from
// running to the given terminal status, only if it is still running — this
// is the guard that prevents the reaper and a completing worker from both
// finalizing the same execution.
func (q *Queries) FinalizeExecutionGuarded(ctx context.Context, id uuid.UUID, status, reason string) (int64, error) {
	var reasonArg sql.NullString
	if reason != "" {
		reasonArg = sql.NullString{String: reason, Valid: true}
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE task_executions SET status = $2, finished_at = now(), failure_reason = $3
WHERE id = $1 AND status = 'running'`, id, status, reasonArg)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) GetTaskExecutionByJobID(ctx context.Context, jobID uuid.UUID) (TaskExecution, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, scheduled_task_id, job_id, status, started_at, finished_at, failure_reason
FROM task_executions WHERE job_id = $1 ORDER BY started_at DESC LIMIT 1`, jobID)
	var e TaskExecution
	err := row.Scan(&e.ID, &e.ScheduledTask, &e.JobID, &e.Status, &e.StartedAt, &e.FinishedAt, &e.FailureReason)
	return e, err
}
