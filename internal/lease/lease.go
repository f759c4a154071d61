// Package lease provides short-lived mutual exclusion between processes.
package lease

import (
	"context"
	"sync"
	"time"
)

// Locker hands out a named lease to at most one holder at a time. A lease
// expires on its own after its ttl.
type Locker interface {
	// TryAcquire returns a release function when the lease was obtained, or
	// false when someone else holds it.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalLocker only coordinates goroutines of the current process.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: map[string]time.Time{}, now: time.Now}
}

func (l *LocalLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiry, held := l.leases[name]; held && now.Before(expiry) {
		return nil, false, nil
	}
	expiry := now.Add(ttl)
	l.leases[name] = expiry

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.leases[name].Equal(expiry) {
			delete(l.leases, name)
		}
	}, true, nil
}
