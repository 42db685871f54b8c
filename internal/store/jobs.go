package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// EnqueueRun adds a queued job for the run. run_jobs is unique on run_id,
// so enqueueing while a prior job exists updates the existing row in
// place instead of inserting a duplicate.
func (s *Store) EnqueueRun(ctx context.Context, runID string, priority, maxAttempts int) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO run_jobs
			(job_id, run_id, status, priority, attempts, max_attempts,
			 available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			attempts = 0,
			available_at = excluded.available_at,
			locked_by = NULL,
			locked_until = NULL,
			error_message = NULL,
			updated_at = excluded.updated_at`),
		uuid.NewString(), runID, JobStatusQueued, priority, maxAttempts, ts, ts, ts)
	return errors.Wrapf(err, "enqueue run %s", runID)
}

// RequeueRun places an existing run back on the queue, resetting its
// attempt counter and lock. Used for approval resume with an elevated
// priority so resumes jump ahead of fresh traffic.
func (s *Store) RequeueRun(ctx context.Context, runID string, priority int) error {
	ts := now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE run_jobs SET
			status = ?, priority = ?, attempts = 0, available_at = ?,
			locked_by = NULL, locked_until = NULL, error_message = NULL,
			updated_at = ?
		WHERE run_id = ?`),
		JobStatusQueued, priority, ts, ts, runID)
	if err != nil {
		return errors.Wrapf(err, "requeue run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.EnqueueRun(ctx, runID, priority, 3)
	}
	return nil
}

// GetJobByRun loads the job row for a run.
func (s *Store) GetJobByRun(ctx context.Context, runID string) (*RunJob, error) {
	var j RunJob
	err := s.db.GetContext(ctx, &j, s.rebind(`
		SELECT * FROM run_jobs WHERE run_id = ?`), runID)
	if err != nil {
		return nil, errors.Wrap(err, "get job by run")
	}
	return &j, nil
}

// ClaimJobs atomically claims up to limit due jobs for a worker.
//
// PostgreSQL uses SELECT ... FOR UPDATE SKIP LOCKED inside one
// transaction, correct under arbitrary concurrent workers. SQLite runs a
// candidate select followed by per-row optimistic updates; the affected
// rowcount decides who won.
func (s *Store) ClaimJobs(ctx context.Context, workerID string, limit int, lockTTL time.Duration) ([]RunJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	if s.dialect == config.DialectPostgres {
		return s.claimJobsLocking(ctx, workerID, limit, lockTTL)
	}
	return s.claimJobsOptimistic(ctx, workerID, limit, lockTTL)
}

func (s *Store) claimJobsLocking(ctx context.Context, workerID string, limit int, lockTTL time.Duration) ([]RunJob, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin claim txn")
	}
	defer tx.Rollback()

	ts := now()
	var ids []string
	if err := tx.SelectContext(ctx, &ids, s.rebind(`
		SELECT job_id FROM run_jobs
		WHERE status IN (?, ?) AND available_at <= ?
		ORDER BY priority DESC, available_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED`),
		JobStatusQueued, JobStatusRetrying, ts, limit); err != nil {
		return nil, errors.Wrap(err, "select claim candidates")
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	query, args, err := sqlx.In(`
		UPDATE run_jobs SET
			status = ?, locked_by = ?, locked_until = ?,
			attempts = attempts + 1, updated_at = ?
		WHERE job_id IN (?)`,
		JobStatusRunning, workerID, ts.Add(lockTTL), ts, ids)
	if err != nil {
		return nil, errors.Wrap(err, "build claim update")
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "mark jobs running")
	}

	query, args, err = sqlx.In(`SELECT * FROM run_jobs WHERE job_id IN (?)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "build claim select")
	}
	var jobs []RunJob
	if err := tx.SelectContext(ctx, &jobs, tx.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "load claimed jobs")
	}
	return jobs, tx.Commit()
}

func (s *Store) claimJobsOptimistic(ctx context.Context, workerID string, limit int, lockTTL time.Duration) ([]RunJob, error) {
	ts := now()
	var candidates []string
	if err := s.db.SelectContext(ctx, &candidates, s.rebind(`
		SELECT job_id FROM run_jobs
		WHERE status IN (?, ?) AND available_at <= ?
		ORDER BY priority DESC, available_at ASC
		LIMIT ?`),
		JobStatusQueued, JobStatusRetrying, ts, limit); err != nil {
		return nil, errors.Wrap(err, "select claim candidates")
	}

	var jobs []RunJob
	for _, id := range candidates {
		res, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE run_jobs SET
				status = ?, locked_by = ?, locked_until = ?,
				attempts = attempts + 1, updated_at = ?
			WHERE job_id = ? AND status IN (?, ?)`),
			JobStatusRunning, workerID, ts.Add(lockTTL), ts,
			id, JobStatusQueued, JobStatusRetrying)
		if err != nil {
			return nil, errors.Wrap(err, "claim job")
		}
		if n, _ := res.RowsAffected(); n != 1 {
			// Lost the race to another claimer.
			continue
		}
		var j RunJob
		if err := s.db.GetContext(ctx, &j, s.rebind(`
			SELECT * FROM run_jobs WHERE job_id = ?`), id); err != nil {
			return nil, errors.Wrap(err, "load claimed job")
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// HeartbeatJob extends the claim lease. The locked_by guard keeps a
// worker from renewing a job that was reclaimed from under it.
func (s *Store) HeartbeatJob(ctx context.Context, jobID, workerID string, lockTTL time.Duration) (bool, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE run_jobs SET locked_until = ?, updated_at = ?
		WHERE job_id = ? AND locked_by = ? AND status = ?`),
		ts.Add(lockTTL), ts, jobID, workerID, JobStatusRunning)
	if err != nil {
		return false, errors.Wrap(err, "heartbeat job")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkJobDone finishes a job cleanly.
func (s *Store) MarkJobDone(ctx context.Context, jobID string) error {
	return s.finishJob(ctx, jobID, JobStatusDone, nil)
}

// MarkJobCancelled finishes a job after a run cancellation. The attempt
// that observed the cancel does not count against the retry budget.
func (s *Store) MarkJobCancelled(ctx context.Context, jobID string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE run_jobs SET status = ?, attempts = attempts - 1,
			locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE job_id = ?`),
		JobStatusCancelled, ts, jobID)
	return errors.Wrap(err, "mark job cancelled")
}

// MarkJobFailed finishes a job with a terminal error.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, message string) error {
	return s.finishJob(ctx, jobID, JobStatusFailed, &message)
}

func (s *Store) finishJob(ctx context.Context, jobID, status string, message *string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE run_jobs SET status = ?, error_message = ?,
			locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE job_id = ?`),
		status, message, ts, jobID)
	return errors.Wrapf(err, "finish job %s", status)
}

// RetryJob schedules another attempt: back to retrying with the next
// available_at pushed out by delay x attempts.
func (s *Store) RetryJob(ctx context.Context, job *RunJob, message string, baseDelay time.Duration) error {
	ts := now()
	delay := baseDelay * time.Duration(job.Attempts)
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE run_jobs SET status = ?, error_message = ?,
			available_at = ?, locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE job_id = ?`),
		JobStatusRetrying, message, ts.Add(delay), ts, job.JobID)
	return errors.Wrap(err, "retry job")
}

// ReclaimStalledJobs recovers running jobs whose lock expired, moving
// them to retrying, or to failed once the attempt budget is spent.
// Returns how many jobs were touched.
func (s *Store) ReclaimStalledJobs(ctx context.Context, baseDelay time.Duration) (int, error) {
	ts := now()
	var stalled []RunJob
	if err := s.db.SelectContext(ctx, &stalled, s.rebind(`
		SELECT * FROM run_jobs
		WHERE status = ? AND locked_until IS NOT NULL AND locked_until < ?`),
		JobStatusRunning, ts); err != nil {
		return 0, errors.Wrap(err, "select stalled jobs")
	}

	for _, job := range stalled {
		if job.Attempts >= job.MaxAttempts {
			if err := s.MarkJobFailed(ctx, job.JobID, "exceeded max_attempts"); err != nil {
				return 0, err
			}
			s.log.Warn("stalled job exhausted retries",
				"job_id", job.JobID, "run_id", job.RunID, "attempts", job.Attempts)
			continue
		}
		if err := s.RetryJob(ctx, &job, "lock expired", baseDelay); err != nil {
			return 0, err
		}
		s.log.Info("reclaimed stalled job",
			"job_id", job.JobID, "run_id", job.RunID, "attempts", job.Attempts)
	}
	return len(stalled), nil
}
