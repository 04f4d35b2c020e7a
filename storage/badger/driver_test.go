package badger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/storage"
	"github.com/impactdev/impactor/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverSuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Driver {
		d, err := NewMemoryDriver()
		require.NoError(t, err)
		return d
	})
}

func TestDriver_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	schema := storagetest.PlayersSchema("players")

	d, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, d.EnsureCollection(ctx, schema))
	require.NoError(t, d.Put(ctx, "players", "p:1", core.Record{"balance": int64(100)}))
	require.NoError(t, d.SetSchemaState(ctx, storage.SchemaState{Collection: "players", Version: 1, Step: "one"}))
	require.NoError(t, d.Close())

	d, err = Open(cfg)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.EnsureCollection(ctx, schema))

	got, ok, err := d.Get(ctx, "players", "p:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.Record{"balance": int64(100)}, got)

	state, err := d.SchemaState(ctx, "players")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Version)

	meta, err := d.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, "embedded", meta["kind"])
	assert.Equal(t, "1", meta["collections"])
}

func TestDriver_RequiresPath(t *testing.T) {
	_, err := Open(DefaultConfig())
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestDriver_SingleHandleConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.InMemory = true
	cfg.Pool.Max = 1
	d, err := Open(cfg)
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.EnsureCollection(ctx, storagetest.PlayersSchema("players")))

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Put(ctx, "players", "p:1", core.Record{"balance": int64(i)}))
		}()
	}
	wg.Wait()

	// A scan consumed slowly never blocks single-handle access.
	require.NoError(t, d.Put(ctx, "players", "p:2", core.Record{"balance": int64(2)}))
	for e, err := range d.Scan(ctx, "players", nil) {
		require.NoError(t, err)
		getCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, ok, err := d.Get(getCtx, "players", e.Key)
		cancel()
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 0, d.Pool().Stats().InUse)
}

func TestDriver_ClosedIsUnavailable(t *testing.T) {
	d, err := NewMemoryDriver()
	require.NoError(t, err)
	require.NoError(t, d.EnsureCollection(context.Background(), storagetest.PlayersSchema("players")))
	require.NoError(t, d.Close())

	_, _, err = d.Get(context.Background(), "players", "p:1")
	assert.Error(t, err)
}

func TestDriver_NotAtomic(t *testing.T) {
	d, err := NewMemoryDriver()
	require.NoError(t, err)
	defer d.Close()
	assert.False(t, d.Capabilities().Atomic)
	_, ok := storage.Driver(d).(storage.Transactional)
	assert.False(t, ok)
}
