// Package userlock serializes work per user. A session is logically a
// single-writer resource: messages from the same user are processed one at a
// time, while different users proceed fully in parallel.
package userlock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/obralink/foreman/pkg/models"
)

// DefaultTimeout bounds lock acquisition. A request that cannot take the
// lock in time fails with models.ErrUserBusy instead of deadlocking.
const DefaultTimeout = 3 * time.Second

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locks hands out one binary semaphore per user id, reclaiming entries once
// nobody holds or waits on them.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

// New creates a lock table with the given acquisition timeout. A zero or
// negative timeout uses DefaultTimeout.
func New(timeout time.Duration) *Locks {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Locks{
		entries: make(map[string]*entry),
		timeout: timeout,
	}
}

// Acquire takes the user's lock, waiting at most the configured timeout.
// On success the returned release func must be called exactly once.
func (l *Locks) Acquire(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[userID]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		l.entries[userID] = e
	}
	e.refs++
	l.mu.Unlock()

	acqCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := e.sem.Acquire(acqCtx, 1); err != nil {
		l.unref(userID, e)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.ErrUserBusy
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(userID, e)
		})
	}
	return release, nil
}

// unref drops one reference and deletes the entry when unused.
func (l *Locks) unref(userID string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs <= 0 {
		delete(l.entries, userID)
	}
	l.mu.Unlock()
}

// Len returns the number of live lock entries, for introspection and tests.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
