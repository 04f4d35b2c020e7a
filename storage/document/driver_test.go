package document

import (
	"context"
	"os"
	"testing"

	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/storage"
	"github.com/impactdev/impactor/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	uri := os.Getenv("IMPACTOR_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("IMPACTOR_TEST_MONGO_URI not set")
	}
	cfg := DefaultConfig()
	cfg.URI = uri
	cfg.Database = "impactor_test"
	d, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, d.db.Drop(context.Background()))
	return d
}

func TestDocumentDriverSuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Driver {
		return newTestDriver(t)
	})
}

func TestBatchWrite_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	defer d.Close()
	require.NoError(t, d.EnsureCollection(ctx, storagetest.PlayersSchema("players")))

	err := d.BatchWrite(ctx, "players", []storage.Mutation{
		{Key: "p:1", Record: core.Record{"balance": int64(1)}},
		{Key: "p:2", Record: core.Record{"balance": "lots"}},
	})
	var batchErr *storage.BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, batchErr.Index)
	assert.Equal(t, "p:2", batchErr.Key)

	_, found, err := d.Get(ctx, "players", "p:1")
	require.NoError(t, err)
	assert.False(t, found, "nothing is sent when an element cannot be encoded")
}

func TestOpen_RequiresHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = ""
	_, err := Open(context.Background(), cfg)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestConnectionURI(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "mongodb://localhost:27017/", cfg.ConnectionURI())

	cfg.Host = "db.internal"
	cfg.Port = 0
	assert.Equal(t, "mongodb://db.internal:27017/", cfg.ConnectionURI())

	cfg.URI = "mongodb://a,b/?replicaSet=rs0"
	assert.Equal(t, "mongodb://a,b/?replicaSet=rs0", cfg.ConnectionURI())
}

func TestCapabilities(t *testing.T) {
	d := &Driver{}
	assert.False(t, d.Capabilities().Atomic)
}
