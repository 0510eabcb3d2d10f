package lock

import (
	"context"
	"time"
)

// LeaseStore is the job_locks table as exposed by db.JobLockRepository.
type LeaseStore interface {
	// Acquire inserts or takes over an expired row for lockID.
	//
	// SQL: INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
	//      VALUES ($1, $2, $3, $4)
	//      ON CONFLICT (id) DO UPDATE SET ...
	//      WHERE job_locks.expires_at < $3
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)

	// Release deletes lockID if workerID still owns it.
	Release(ctx context.Context, lockID string, workerID string) error

	// Extend moves expires_at of lockID to now+ttl if workerID still owns
	// it, reporting whether it did.
	Extend(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// PostgresLocker implements Locker with lease rows in job_locks.
type PostgresLocker struct {
	store LeaseStore
}

// NewPostgresLocker creates a PostgresLocker.
func NewPostgresLocker(store LeaseStore) *PostgresLocker {
	return &PostgresLocker{store: store}
}

// Acquire implements Locker.
func (l *PostgresLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	owner := newOwner()
	ok, err := l.store.Acquire(ctx, key, owner, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return &pgLease{store: l.store, key: key, owner: owner}, true, nil
}

type pgLease struct {
	store LeaseStore
	key   string
	owner string
}

func (l *pgLease) Release(ctx context.Context) error {
	return l.store.Release(ctx, l.key, l.owner)
}

func (l *pgLease) Extend(ctx context.Context, ttl time.Duration) error {
	ok, err := l.store.Extend(ctx, l.key, l.owner, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}
