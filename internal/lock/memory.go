package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker implements Locker inside one process.
type MemoryLocker struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	owner   string
	expires time.Time
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{now: time.Now, entries: make(map[string]memoryEntry)}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, held := l.entries[key]; held && now.Before(e.expires) {
		return nil, false, nil
	}
	owner := newOwner()
	l.entries[key] = memoryEntry{owner: owner, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, owner: owner}, true, nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, held := l.entries[key]
	return held && l.now().Before(e.expires)
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	owner  string
}

func (l *memoryLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if e, ok := l.locker.entries[l.key]; ok && e.owner == l.owner {
		delete(l.locker.entries, l.key)
	}
	return nil
}

func (l *memoryLease) Extend(_ context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	e, ok := l.locker.entries[l.key]
	if !ok || e.owner != l.owner {
		return ErrLeaseLost
	}
	e.expires = l.locker.now().Add(ttl)
	l.locker.entries[l.key] = e
	return nil
}
