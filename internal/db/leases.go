package db

import (
	"context"
	"time"

	"civicnotify/internal/types"
)

// JobLockRepository stores expiring leases in job_locks. The dispatcher uses
// it for per-notification single flight when Redis is absent, and the Lambda
// handler for per-minute task leases.
type JobLockRepository struct {
	db  DBTX
	now func() time.Time
}

func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const acquireLeaseSQL = `
INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET worker_id = EXCLUDED.worker_id, locked_at = EXCLUDED.locked_at, expires_at = EXCLUDED.expires_at
WHERE job_locks.expires_at < $3`

// Acquire reports whether workerID now holds lockID. A live lease owned by
// someone else is left untouched; an expired one is taken over.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	at := r.now()
	tag, err := r.db.Exec(ctx, acquireLeaseSQL, lockID, workerID, at, at.Add(ttl))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "acquire lease "+lockID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops the lease when workerID still owns it.
func (r *JobLockRepository) Release(ctx context.Context, lockID string, workerID string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`, lockID, workerID); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "release lease "+lockID, err)
	}
	return nil
}

// Extend moves the expiry of a lease workerID still owns. false means the
// lease expired and was taken over.
func (r *JobLockRepository) Extend(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE job_locks SET expires_at = $3 WHERE id = $1 AND worker_id = $2`,
		lockID, workerID, r.now().Add(ttl))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "extend lease "+lockID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// JobHistoryRepository keeps one job_history row per dispatch pass or feed
// import.
type JobHistoryRepository struct {
	db DBTX
}

func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start opens a running entry for jobType.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType string) (int64, error) {
	var id int64
	row := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status) VALUES ($1, NOW(), 'running') RETURNING id`,
		jobType)
	if err := row.Scan(&id); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "open job history entry", err)
	}
	return id, nil
}

// Finish closes entry id with status ("success" or "failed"), the number of
// items handled and the run error, if any.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, runErr error) error {
	var msg *string
	if runErr != nil {
		m := runErr.Error()
		msg = &m
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE job_history SET finished_at = NOW(), status = $2, items_count = $3, error = $4 WHERE id = $1`,
		id, status, items, msg)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "close job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry vanished", nil)
	}
	return nil
}
