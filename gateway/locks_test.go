package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTable_EntriesAreRemovedWhenUnused(t *testing.T) {
	ctx := context.Background()
	locks := newLockTable()
	id := core.KeyID("players", "p:1")

	require.NoError(t, locks.lock(ctx, id))
	assert.Equal(t, 1, locks.size())
	locks.unlock(id)
	assert.Zero(t, locks.size())
}

func TestLockTable_CancelledWaiter(t *testing.T) {
	locks := newLockTable()
	id := core.KeyID("players", "p:1")
	require.NoError(t, locks.lock(context.Background(), id))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, locks.lock(ctx, id), context.DeadlineExceeded)
	assert.Equal(t, 1, locks.size())

	locks.unlock(id)
	assert.Zero(t, locks.size())
}

func TestLockTable_WaitersServedInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	locks := newLockTable()
	id := core.KeyID("players", "p:1")
	require.NoError(t, locks.lock(ctx, id))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, locks.lock(ctx, id))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			locks.unlock(id)
		}()
		// let waiter i queue before i+1
		require.Eventually(t, func() bool {
			locks.mu.Lock()
			defer locks.mu.Unlock()
			return locks.entries[id].refs == i+2
		}, time.Second, time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	locks.unlock(id)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLockTable_LockAllDeduplicatesAndSorts(t *testing.T) {
	ctx := context.Background()
	locks := newLockTable()
	a, b := core.KeyID("players", "a"), core.KeyID("players", "b")

	held, err := locks.lockAll(ctx, []core.ID{b, a, b})
	require.NoError(t, err)
	require.Len(t, held, 2)
	assert.Less(t, held[0], held[1])
	locks.unlockAll(held)
	assert.Zero(t, locks.size())
}

func TestLockTable_LockAllReleasesOnFailure(t *testing.T) {
	locks := newLockTable()
	a, b := core.KeyID("players", "a"), core.KeyID("players", "b")
	first, second := min(a, b), max(a, b)
	require.NoError(t, locks.lock(context.Background(), second))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := locks.lockAll(ctx, []core.ID{first, second})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// first is free again
	require.NoError(t, locks.lock(context.Background(), first))
	locks.unlock(first)
	locks.unlock(second)
	assert.Zero(t, locks.size())
}

func TestLockTable_TryLock(t *testing.T) {
	locks := newLockTable()
	id := core.KeyID("players", "p:1")

	require.True(t, locks.tryLock(id))
	assert.False(t, locks.tryLock(id))
	assert.Equal(t, 1, locks.size())

	locks.unlock(id)
	assert.Zero(t, locks.size())
	assert.True(t, locks.tryLock(id))
	locks.unlock(id)
}
