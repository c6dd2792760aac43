package service

import "sync"

// requestLocks serializes flow-engine operations per request id within this
// process. The database guards against other processes via conditional
// updates and row locks; this keeps a single instance from interleaving
// advance, approve, reject and reconcile on the same request.
type requestLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newRequestLocks() *requestLocks {
	return &requestLocks{locks: make(map[string]*lockEntry)}
}

// acquire blocks until the lock for id is held and returns the release func.
// Entries are reference-counted and removed once unused, so the map does not
// grow with the number of requests ever seen.
func (l *requestLocks) acquire(id string) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &lockEntry{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
