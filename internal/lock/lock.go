// Package lock provides the per-job single-flight guard used by the dispatch
// loop. A lease is exclusive until it is released or its TTL runs out, so a
// crashed worker never blocks a job for longer than the TTL.
//
// Backends: Redis (preferred when REDIS_URL is set), Postgres lease rows, and
// an in-process map for tests and single-node runs.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lease is a held lock.
type Lease interface {
	// Release gives the lock up if this lease still owns it. Releasing an
	// expired lease that someone else has since taken is a no-op.
	Release(ctx context.Context) error
	// Extend pushes the expiry to ttl from now. It returns ErrLeaseLost when
	// the lease expired and another owner took the key.
	Extend(ctx context.Context, ttl time.Duration) error
}

// ErrLeaseLost reports that a lease is no longer owned by its holder.
var ErrLeaseLost = errors.New("lock: lease lost")

// Locker hands out leases.
type Locker interface {
	// Acquire tries once to take key for ttl. It returns ok=false without an
	// error when another owner holds the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// JobKey is the lock key of a notification job.
func JobKey(notificationID int64) string {
	return fmt.Sprintf("notification:%d", notificationID)
}

func newOwner() string {
	return uuid.NewString()
}
