package engine

import "sync"

// runLocks serializes advance calls per run id. Two event sources (an
// inbound webhook and a monitor tick) can legitimately race for the same
// run; without this, both would read the same stale state and decide
// conflicting next transitions. Entries are refcounted so the map does not
// grow with the total number of runs ever seen.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

// acquire blocks until the caller holds the lock for runID and returns the
// release function.
func (r *runLocks) acquire(runID string) func() {
	r.mu.Lock()
	l, ok := r.locks[runID]
	if !ok {
		l = &runLock{}
		r.locks[runID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, runID)
		}
		r.mu.Unlock()
	}
}
