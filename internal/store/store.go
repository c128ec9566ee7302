// Package store implements the Job Store (C3): persistent job metadata,
// monotonic status transitions, and the per-job billing snapshot that the
// billing ledger reads and writes alongside it.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sqlc-dev/pqtype"

	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/model"
)

// ErrIllegalTransition is returned when a caller requests a status move
// that is not on the legal edges of the job status machine.
var ErrIllegalTransition = errors.New("store: illegal job status transition")

// Store wraps access to the database via the hand-rolled db.Queries layer.
type Store struct {
	DB *sql.DB
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// New creates a new Store that uses a shared *sql.DB with pooling.
func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

func (s *Store) withQueries(ctx context.Context, fn func(ctx context.Context, q *db.Queries) error) error {
	q := db.New(s.DB)
	return fn(ctx, q)
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, q *db.Queries) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	q := db.New(tx)
	if err := fn(ctx, q); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CreateJob inserts a new job row in status pending.
func (s *Store) CreateJob(ctx context.Context, id uuid.UUID, jobType model.JobKind, queueName, url string, input any, sync bool, priority int32, tenantID, apiKeyID *uuid.UUID) (db.Job, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return db.Job{}, err
	}

	var job db.Job
	err = s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var t uuid.NullUUID
		if tenantID != nil {
			t = uuid.NullUUID{UUID: *tenantID, Valid: true}
		}
		var k uuid.NullUUID
		if apiKeyID != nil {
			k = uuid.NullUUID{UUID: *apiKeyID, Valid: true}
		}
		row, err := q.InsertJob(ctx, db.InsertJobParams{
			ID:        id,
			Type:      string(jobType),
			Status:    string(model.JobStatusPending),
			Url:       url,
			Input:     payload,
			Sync:      sync,
			Priority:  priority,
			TenantID:  t,
			ApiKeyID:  k,
			QueueName: queueName,
		})
		job = row
		return err
	})

	return job, err
}

// legalEdges enumerates the job status machine's allowed transitions.
var legalEdges = map[model.JobStatus][]model.JobStatus{
	model.JobStatusPending: {model.JobStatusRunning, model.JobStatusCancelled},
	model.JobStatusRunning: {model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled},
}

func isTerminal(s model.JobStatus) bool {
	return s == model.JobStatusCompleted || s == model.JobStatusFailed || s == model.JobStatusCancelled
}

// transition performs a WHERE-guarded status update, enforcing that only
// legal edges succeed and that repeated terminal writes are no-ops.
func (s *Store) transition(ctx context.Context, id uuid.UUID, to model.JobStatus, errMsg *string) error {
	return s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		job, err := q.GetJobByID(ctx, id)
		if err != nil {
			return err
		}
		from := model.JobStatus(job.Status)
		if isTerminal(from) {
			return nil // terminal writes are no-ops
		}
		allowed := false
		for _, e := range legalEdges[from] {
			if e == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
		var sqlErr sql.NullString
		if errMsg != nil {
			sqlErr = sql.NullString{String: *errMsg, Valid: true}
		}
		n, err := q.UpdateJobStatusGuarded(ctx, id, string(from), string(to), sqlErr)
		if err != nil {
			return err
		}
		if n == 0 {
			// lost the race to a concurrent writer; treat as no-op, matching
			// the "repeated terminal writes are no-ops" rule.
			return nil
		}
		return nil
	})
}

// MarkRunning transitions a job to running and, the first time it does so,
// creates the scheduled_task/task_execution pair that the reaper (C5) scans
// for staleness — without this, a running job has nothing for
// ListStaleRunningExecutions to find, and a crashed/stuck worker's job would
// never be reaped.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID) error {
	if err := s.transition(ctx, id, model.JobStatusRunning, nil); err != nil {
		return err
	}
	return s.ensureTaskExecution(ctx, id)
}

// ensureTaskExecution is idempotent: a job that is already being tracked
// (e.g. a retried MarkRunning call) is left alone rather than given a
// second execution row.
func (s *Store) ensureTaskExecution(ctx context.Context, jobID uuid.UUID) error {
	return s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		if _, err := q.GetTaskExecutionByJobID(ctx, jobID); err == nil {
			return nil
		} else if err != sql.ErrNoRows {
			return err
		}

		job, err := q.GetJobByID(ctx, jobID)
		if err != nil {
			return err
		}
		task, err := q.InsertScheduledTask(ctx, db.InsertScheduledTaskParams{
			ID:    uuid.New(),
			JobID: jobID,
			Kind:  job.Type,
		})
		if err != nil {
			return err
		}
		_, err = q.InsertTaskExecution(ctx, db.InsertTaskExecutionParams{
			ID:            uuid.New(),
			ScheduledTask: task.ID,
			JobID:         jobID,
		})
		return err
	})
}

// MarkCompleted finalizes a job, recording result counters and output.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, totalDelta, completedDelta, failedDelta int32, output json.RawMessage) error {
	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		if totalDelta != 0 || completedDelta != 0 || failedDelta != 0 {
			if err := q.IncrementJobCounters(ctx, db.IncrementJobCountersParams{
				ID: id, TotalDelta: totalDelta, CompletedDelta: completedDelta, FailedDelta: failedDelta,
			}); err != nil {
				return err
			}
		}
		if len(output) > 0 {
			if err := q.UpdateJobOutput(ctx, db.UpdateJobOutputParams{
				ID:     id,
				Output: pqtype.NullRawMessage{RawMessage: output, Valid: true},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.transition(ctx, id, model.JobStatusCompleted, nil); err != nil {
		return err
	}
	return s.finalizeTaskExecution(ctx, id, "completed")
}

// finalizeTaskExecution closes out the job's task_execution row (if any)
// so a normally-finished job is never later picked up by the reaper's
// stale-running scan. Missing rows (jobs whose MarkRunning pre-dates this
// tracking, or synchronous paths that never ran) are not an error.
func (s *Store) finalizeTaskExecution(ctx context.Context, jobID uuid.UUID, status string) error {
	return s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		exec, err := q.GetTaskExecutionByJobID(ctx, jobID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = q.FinalizeExecutionGuarded(ctx, exec.ID, status, "")
		return err
	})
}

// MarkFailed finalizes a job as failed or cancelled with a message.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, message string, cancelled bool, failedDelta int32) error {
	if failedDelta != 0 {
		if err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
			return q.IncrementJobCounters(ctx, db.IncrementJobCountersParams{ID: id, FailedDelta: failedDelta})
		}); err != nil {
			return err
		}
	}
	to := model.JobStatusFailed
	if cancelled {
		to = model.JobStatusCancelled
	}
	if err := s.transition(ctx, id, to, &message); err != nil {
		return err
	}
	return s.finalizeTaskExecution(ctx, id, string(to))
}

func (s *Store) UpdateCacheHits(ctx context.Context, id uuid.UUID, delta int32) error {
	return s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		return q.UpdateCacheHits(ctx, id, delta)
	})
}

// GetCrawlJobAndDocuments fetches a job and all associated documents.
func (s *Store) GetCrawlJobAndDocuments(ctx context.Context, id uuid.UUID) (db.Job, []db.Document, error) {
	var job db.Job
	var docs []db.Document

	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		row, err := q.GetJobByID(ctx, id)
		if err != nil {
			return err
		}
		job = row
		docs, err = q.GetDocumentsByJobID(ctx, id)
		return err
	})

	if err != nil {
		return db.Job{}, nil, err
	}
	return job, docs, nil
}

// AddDocument stores a scraped document row.
func (s *Store) AddDocument(ctx context.Context, jobID uuid.UUID, url string, markdown, html, rawHTML *string, metadata json.RawMessage, statusCode *int32, engine *string) error {
	var m, h, r sql.NullString
	if markdown != nil {
		m = sql.NullString{String: *markdown, Valid: true}
	}
	if html != nil {
		h = sql.NullString{String: *html, Valid: true}
	}
	if rawHTML != nil {
		r = sql.NullString{String: *rawHTML, Valid: true}
	}
	var sc sql.NullInt32
	if statusCode != nil {
		sc = sql.NullInt32{Int32: *statusCode, Valid: true}
	}
	var eng sql.NullString
	if engine != nil {
		eng = sql.NullString{String: *engine, Valid: true}
	}

	return s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		return q.InsertDocument(ctx, db.InsertDocumentParams{
			JobID: jobID, Url: url, Markdown: m, Html: h, RawHtml: r,
			Metadata: metadata, StatusCode: sc, Engine: eng,
		})
	})
}

func (s *Store) ListPendingJobs(ctx context.Context, limit int32) ([]db.Job, error) {
	var jobs []db.Job
	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var err error
		jobs, err = q.ListPendingJobs(ctx, limit)
		return err
	})
	return jobs, err
}

// ListStaleRunningJobs lists jobs in running whose updated_at predates the
// cutoff. The reaper (C5) does not call it; it works from task_executions.
func (s *Store) ListStaleRunningJobs(ctx context.Context, cutoff time.Time) ([]db.Job, error) {
	var jobs []db.Job
	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var err error
		jobs, err = q.ListStaleRunningJobs(ctx, cutoff)
		return err
	})
	return jobs, err
}

// JobListFilter describes optional filters for listing jobs.
type JobListFilter struct {
	Type     string
	Status   string
	Sync     *bool
	TenantID *uuid.UUID
	Limit    int32
	Offset   int32
}

// ListJobs returns jobs matching the given filter, ordered by created_at desc.
func (s *Store) ListJobs(ctx context.Context, filter JobListFilter) ([]db.Job, error) {
	baseQuery := "SELECT id FROM jobs"
	var conditions []string
	var args []any
	argPos := 1

	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argPos))
		args = append(args, filter.Type)
		argPos++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, filter.Status)
		argPos++
	}
	if filter.Sync != nil {
		conditions = append(conditions, fmt.Sprintf("sync = $%d", argPos))
		args = append(args, *filter.Sync)
		argPos++
	}
	if filter.TenantID != nil {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argPos))
		args = append(args, *filter.TenantID)
		argPos++
	}

	if len(conditions) > 0 {
		baseQuery = baseQuery + " WHERE " + strings.Join(conditions, " AND ")
	}
	baseQuery = baseQuery + " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	baseQuery = baseQuery + fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, limit)
	argPos++

	if filter.Offset > 0 {
		baseQuery = baseQuery + fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.DB.QueryContext(ctx, baseQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]db.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJobByID(ctx, id)
		if err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (db.Job, error) {
	var job db.Job
	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var err error
		job, err = q.GetJobByID(ctx, id)
		return err
	})
	return job, err
}

func (s *Store) SetJobOutput(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	return s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		return q.UpdateJobOutput(ctx, db.UpdateJobOutputParams{
			ID:     id,
			Output: pqtype.NullRawMessage{RawMessage: output, Valid: len(output) > 0},
		})
	})
}

func (s *Store) DeleteExpiredDocuments(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM documents WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

func (s *Store) DeleteExpiredJobsByType(ctx context.Context, jobType string, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM jobs WHERE type = $1 AND created_at < $2`, jobType, cutoff)
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// DeleteJobByID removes a job row (and its documents, via cascade)
// outright; it reports whether a row was actually deleted.
func (s *Store) DeleteJobByID(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func (s *Store) GetAPIKeyByRawKey(ctx context.Context, rawKey string) (db.ApiKey, error) {
	hash := hashAPIKey(rawKey)
	var key db.ApiKey
	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var err error
		key, err = q.GetAPIKeyByHash(ctx, hash)
		return err
	})
	return key, err
}

// EnsureAdminAPIKey ensures that there is an admin API key for the given raw key and label.
func (s *Store) EnsureAdminAPIKey(ctx context.Context, rawKey, label string) (db.ApiKey, error) {
	hash := hashAPIKey(rawKey)
	var out db.ApiKey

	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		key, err := q.GetAPIKeyByHash(ctx, hash)
		if err == nil {
			out = key
			return nil
		}
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		id := uuid.New()
		key, err = q.InsertAPIKey(ctx, db.InsertAPIKeyParams{
			ID:      id,
			KeyHash: hash,
			Label:   label,
			IsAdmin: true,
		})
		if err != nil {
			return err
		}
		out = key
		return nil
	})

	return out, err
}

// CreateRandomAPIKey creates a new random API key (anycrawl-prefixed).
// It returns the raw key plus the stored record.
func (s *Store) CreateRandomAPIKey(ctx context.Context, label string, isAdmin bool, rateLimitPerMinute *int, tenantID *string, initialCredits float64) (string, db.ApiKey, error) {
	raw := "ac_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	hash := hashAPIKey(raw)
	var out db.ApiKey

	err := s.withQueries(ctx, func(ctx context.Context, q *db.Queries) error {
		var rl sql.NullInt32
		if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
			rl = sql.NullInt32{Int32: int32(*rateLimitPerMinute), Valid: true}
		}
		var tenant sql.NullString
		if tenantID != nil && *tenantID != "" {
			tenant = sql.NullString{String: *tenantID, Valid: true}
		}

		id := uuid.New()
		key, err := q.InsertAPIKey(ctx, db.InsertAPIKeyParams{
			ID:                 id,
			KeyHash:            hash,
			Label:              label,
			IsAdmin:            isAdmin,
			RateLimitPerMinute: rl,
			TenantID:           tenant,
			Credits:            initialCredits,
		})
		if err != nil {
			return err
		}
		out = key
		return nil
	})

	return raw, out, err
}
