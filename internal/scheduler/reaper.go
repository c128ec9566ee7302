// Package scheduler implements the Scheduler / Reaper (C5): a periodic
// scan for stale in-flight task_executions, finalized with guarded status
// transitions so a reaper and a concurrently-completing worker can never
// both finalize the same execution.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/store"
)

// DispatchCommittedError is the marker a downstream adapter raises when a
// job was accepted by a worker (and so billing/webhook obligations apply)
// even though the outer call reports failure.
type DispatchCommittedError struct {
	JobUUID string
	Err     error
}

func (e *DispatchCommittedError) Error() string { return e.Err.Error() }
func (e *DispatchCommittedError) Unwrap() error  { return e.Err }

// Config controls the reaper's cadence and staleness threshold.
type Config struct {
	Interval    time.Duration // default 1 minute
	MaxAge      time.Duration // default 30 minutes
}

func DefaultConfig() Config {
	return Config{Interval: time.Minute, MaxAge: 30 * time.Minute}
}

// Stats mirrors the atomic-counter style of the pack's scheduler example,
// adapted from URL-crawl counters to reaper-finalization counters.
type Stats struct {
	ScansRun      atomic.Int64
	Finalized     atomic.Int64
	FinalizeRaces atomic.Int64
}

// Reaper periodically scans for stale running task_executions and
// finalizes them.
type Reaper struct {
	cfg    Config
	db     *sql.DB
	store  *store.Store
	logger *slog.Logger

	stats Stats

	running  atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, database *sql.DB, st *store.Store, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Minute
	}
	return &Reaper{cfg: cfg, db: database, store: st, logger: logger, stopCh: make(chan struct{})}
}

// Start launches the reaper's ticker loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if err := r.Scan(ctx); err != nil {
					r.logger.Error("reaper scan failed", "error", err)
				}
			}
		}
	}()
}

func (r *Reaper) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) Stats() Stats { return r.stats }

// Scan finds executions stuck in running past the max-age cutoff and
// finalizes each with a guarded transition; only a successful transition
// cascades to the scheduled-task stats and the owning job's status.
func (r *Reaper) Scan(ctx context.Context) error {
	r.stats.ScansRun.Add(1)
	cutoff := time.Now().Add(-r.cfg.MaxAge)

	q := db.New(r.db)
	stale, err := q.ListStaleRunningExecutions(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, exec := range stale {
		n, err := q.FinalizeExecutionGuarded(ctx, exec.ID, "failed", "stale_timeout")
		if err != nil {
			r.logger.Error("reaper: finalize execution failed", "execution_id", exec.ID, "error", err)
			continue
		}
		if n == 0 {
			// A worker completed concurrently; the transition lost the
			// race and must not cascade.
			r.stats.FinalizeRaces.Add(1)
			continue
		}

		if err := q.BumpScheduledTaskStats(ctx, exec.ScheduledTask, 0, 1); err != nil {
			r.logger.Error("reaper: bump scheduled task stats failed", "task_id", exec.ScheduledTask, "error", err)
		}
		if err := r.store.MarkFailed(ctx, exec.JobID, "stale_timeout: execution exceeded max run time", false, 0); err != nil {
			r.logger.Error("reaper: mark job failed failed", "job_id", exec.JobID, "error", err)
			continue
		}
		r.stats.Finalized.Add(1)
		r.logger.Info("reaper finalized stale execution", "execution_id", exec.ID, "job_id", exec.JobID)
	}

	return nil
}

// ClassifyDispatchError applies the reaper's error classification rule: a
// DispatchCommittedError means the execution must be treated as dispatched
// (billing/webhooks apply) even though the call itself reports failure.
func ClassifyDispatchError(err error) (committed bool, jobUUID string) {
	var dce *DispatchCommittedError
	if errors.As(err, &dce) {
		return true, dce.JobUUID
	}
	return false, ""
}
