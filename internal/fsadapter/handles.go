package fsadapter

import (
	"os"
	"sync"
	"sync/atomic"
)

// handleEntry binds an open descriptor to the lock that guards it, per
// §4.3: "carrying: the lock id currently held for that open, the lock
// key, and the underlying descriptor."
type handleEntry struct {
	lockID string
	key    string
	file   *os.File

	mu       sync.Mutex
	released bool
}

// handleTable is the adapter's process-local shared resource: mutated
// only on open/create/release, never on read/write.
type handleTable struct {
	mu      sync.Mutex
	entries map[uint64]*handleEntry
	nextID  uint64
}

func newHandleTable() *handleTable {
	return &handleTable{entries: make(map[uint64]*handleEntry)}
}

func (t *handleTable) register(lockID, key string, file *os.File) (uint64, *handleEntry) {
	id := atomic.AddUint64(&t.nextID, 1)
	entry := &handleEntry{lockID: lockID, key: key, file: file}

	t.mu.Lock()
	t.entries[id] = entry
	t.mu.Unlock()

	return id, entry
}

func (t *handleTable) forget(id uint64) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// markReleased reports whether this call is the one that should perform
// the terminal release — idempotent across a flush followed by a release
// (or vice versa) on the same handle.
func (e *handleEntry) markReleased() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return false
	}
	e.released = true
	return true
}
