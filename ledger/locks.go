package ledger

import (
	"context"
	"sync"
	"time"
)

// recordLocks serializes operations per fee record inside one process.
// Different fee records never wait on each other. Entries are removed
// when the last holder or waiter leaves.
type recordLocks struct {
	mu    sync.Mutex
	locks map[FeeRecordID]*recordLock
}

type recordLock struct {
	sem  chan struct{}
	refs int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{locks: make(map[FeeRecordID]*recordLock)}
}

// acquire blocks until the lock for id is held, timeout elapses
// (ErrContention) or ctx is done.
func (l *recordLocks) acquire(ctx context.Context, id FeeRecordID, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &recordLock{sem: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case lk.sem <- struct{}{}:
		return func() {
			<-lk.sem
			l.unref(id, lk)
		}, nil
	case <-expired:
		l.unref(id, lk)
		return nil, ErrContention
	case <-ctx.Done():
		l.unref(id, lk)
		return nil, ctx.Err()
	}
}

func (l *recordLocks) unref(id FeeRecordID, lk *recordLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}
