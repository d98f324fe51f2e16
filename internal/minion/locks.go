package minion

import "sync"

// FileLocks serializes all writes touching one minion's session directory.
// Locks are created on demand and reclaimed when the last holder releases.
type FileLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewFileLocks creates an empty lock table.
func NewFileLocks() *FileLocks {
	return &FileLocks{locks: make(map[string]*lockEntry)}
}

// WithLock runs fn while holding the per-minion lock.
func (f *FileLocks) WithLock(minionID string, fn func() error) error {
	e := f.acquire(minionID)
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		f.release(minionID, e)
	}()
	return fn()
}

func (f *FileLocks) acquire(minionID string) *lockEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.locks[minionID]
	if !ok {
		e = &lockEntry{}
		f.locks[minionID] = e
	}
	e.refs++
	return e
}

func (f *FileLocks) release(minionID string, e *lockEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(f.locks, minionID)
	}
}
