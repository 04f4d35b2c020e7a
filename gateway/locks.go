package gateway

import (
	"context"
	"slices"
	"sync"

	"github.com/impactdev/impactor/core"
)

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// lockTable holds one write lock per key id. An entry lives only while
// some caller holds or waits for it. Waiters on one key are served in
// arrival order.
type lockTable struct {
	mu      sync.Mutex
	entries map[core.ID]*lockEntry
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[core.ID]*lockEntry)}
}

func (t *lockTable) ref(id core.ID) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		t.entries[id] = e
	}
	e.refs++
	return e
}

func (t *lockTable) unref(id core.ID, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, id)
	}
}

// lock blocks until the lock of id is held or ctx is done.
func (t *lockTable) lock(ctx context.Context, id core.ID) error {
	e := t.ref(id)
	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		t.unref(id, e)
		return ctx.Err()
	}
}

// tryLock takes the lock of id only when nobody holds or waits for it.
func (t *lockTable) tryLock(id core.ID) bool {
	e := t.ref(id)
	select {
	case e.ch <- struct{}{}:
		return true
	default:
		t.unref(id, e)
		return false
	}
}

func (t *lockTable) unlock(id core.ID) {
	t.mu.Lock()
	e := t.entries[id]
	t.mu.Unlock()
	<-e.ch
	t.unref(id, e)
}

// lockAll locks every id in ascending order and returns them deduplicated.
// On failure nothing stays locked.
func (t *lockTable) lockAll(ctx context.Context, ids []core.ID) ([]core.ID, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	for i, id := range sorted {
		if err := t.lock(ctx, id); err != nil {
			t.unlockAll(sorted[:i])
			return nil, err
		}
	}
	return sorted, nil
}

func (t *lockTable) unlockAll(ids []core.ID) {
	for _, id := range ids {
		t.unlock(id)
	}
}

// size returns the number of live entries.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
