package conversation

import (
	"strings"
	"sync"
)

// lockTable provides per-conversation serialization without blocking unrelated
// conversations. Entries are created on demand and released when the last
// holder leaves, so the table does not grow with total conversation count.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*convLock)}
}

// Acquire blocks until the caller holds the conversation's lock and returns
// the release function.
func (t *lockTable) Acquire(conversationID string) func() {
	key := strings.TrimSpace(conversationID)

	t.mu.Lock()
	l := t.locks[key]
	if l == nil {
		l = &convLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs <= 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}
