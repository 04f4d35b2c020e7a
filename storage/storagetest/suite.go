// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storagetest holds the behaviour every storage.Driver must show,
// as a test suite the driver packages run against their own backends.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty driver. The suite closes it.
type Factory func(t *testing.T) storage.Driver

// PlayersSchema is the collection schema the suite works with.
func PlayersSchema(collection string) core.Schema {
	return core.Schema{
		Collection: collection,
		Fields: []core.Field{
			{Name: "name", Type: core.FieldString},
			{Name: "balance", Type: core.FieldInt},
			{Name: "ratio", Type: core.FieldFloat},
			{Name: "online", Type: core.FieldBool},
			{Name: "inventory", Type: core.FieldDocument},
		},
	}
}

// Run runs the driver suite.
func Run(t *testing.T, newDriver Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, d storage.Driver)
	}{
		{"RoundTrip", testRoundTrip},
		{"Overwrite", testOverwrite},
		{"Delete", testDelete},
		{"UnknownCollection", testUnknownCollection},
		{"CollectionsAreIsolated", testCollectionsIsolated},
		{"ScanPredicates", testScanPredicates},
		{"ScanOrderedAndRestartable", testScanOrdered},
		{"ScanEarlyStop", testScanEarlyStop},
		{"ScanInvalidPredicate", testScanInvalidPredicate},
		{"BatchWrite", testBatchWrite},
		{"EnsureCollectionExtends", testEnsureExtends},
		{"SchemaState", testSchemaState},
		{"Meta", testMeta},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDriver(t)
			t.Cleanup(func() { d.Close() })
			tt.fn(t, d)
		})
	}
}

func ensure(t *testing.T, d storage.Driver, collection string) {
	t.Helper()
	require.NoError(t, d.EnsureCollection(context.Background(), PlayersSchema(collection)))
}

func conform(t *testing.T, collection string, r core.Record) core.Record {
	t.Helper()
	out, err := PlayersSchema(collection).Conform(r)
	require.NoError(t, err)
	return out
}

func collect(t *testing.T, d storage.Driver, collection string, pred *core.Predicate) []storage.Entry {
	t.Helper()
	var out []storage.Entry
	for e, err := range d.Scan(context.Background(), collection, pred) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func keys(entries []storage.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}

func testRoundTrip(t *testing.T, d storage.Driver) {
	ctx := context.Background()
	ensure(t, d, "players")

	records := map[string]core.Record{
		"p:1": {"balance": 100},
		"p:2": {"name": "steve", "balance": -5, "ratio": 0.75, "online": true},
		"p:3": {"inventory": map[string]any{"slots": []any{"sword", 3, map[string]any{"enchanted": true}}}},
		"p:4": {},
	}
	for key, r := range records {
		require.NoError(t, d.Put(ctx, "players", key, conform(t, "players", r)))
	}
	for key, r := range records {
		got, ok, err := d.Get(ctx, "players", key)
		require.NoError(t, err)
		require.True(t, ok, key)
		assert.Equal(t, conform(t, "players", r), got, key)
	}

	_, ok, err := d.Get(ctx, "players", "p:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testOverwrite(t *testing.T, d storage.Driver) {
	ctx := context.Background()
	ensure(t, d, "players")

	require.NoError(t, d.Put(ctx, "players", "p:1", conform(t, "players", core.Record{"name": "steve", "balance": 100})))
	require.NoError(t, d.Put(ctx, "players", "p:1", conform(t, "players", core.Record{"balance": 150})))

	got, ok, err := d.Get(ctx, "players", "p:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.Record{"balance": int64(150)}, got, "put replaces the whole record")
}

func testDelete(t *testing.T, d storage.Driver) {
	ctx := context.Background()
	ensure(t, d, "players")

	require.NoError(t, d.Put(ctx, "players", "p:1", conform(t, "players", core.Record{"balance": 1})))

	existed, err := d.Delete(ctx, "players", "p:1")
	require.NoError(t, err)
	assert.True(t, existed)

	_, ok, err := d.Get(ctx, "players", "p:1")
	require.NoError(t, err)
	assert.False(t, ok)

	existed, err = d.Delete(ctx, "players", "p:1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func testUnknownCollection(t *testing.T, d storage.Driver) {
	ctx := context.Background()
	_, _, err := d.Get(ctx, "ghosts", "k")
	assert.ErrorIs(t, err, core.ErrUnknownCollection)

	err = d.Put(ctx, "ghosts", "k", core.Record{})
	assert.ErrorIs(t, err, core.ErrUnknownCollection)

	for _, err := range d.Scan(ctx, "ghosts", nil) {
		assert.ErrorIs(t, err, core.ErrUnknownCollection)
	}
}

func testCollectionsIsolated(t *testing.T, d storage.Driver) {
	ctx := context.Background()
	ensure(t, d, "players")
	ensure(t, d, "players_archive")

	require.NoError(t, d.Put(ctx, "players", "p:1", conform(t, "players", core.Record{"balance": 1})))
	require.NoError(t, d.Put(ctx, "players_archive", "p:1", conform(t, "players_archive", core.Record{"balance": 2})))

	assert.Equal(t, []string{"p:1"}, keys(collect(t, d, "players", nil)))
	got, _, err := d.Get(ctx, "players_archive", "p:1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got["balance"])
}

func seedPlayers(t *testing.T, d storage.Driver) {
	t.Helper()
	ctx := context.Background()
	ensure(t, d, "players")
	seed := map[string]core.Record{
		"p:1": {"name": "alex", "balance": 10, "ratio": 0.1, "online": true},
		"p:2": {"name": "steve", "balance": 100, "ratio": 0.5, "online": false},
		"p:3": {"name": "stella", "balance": 250, "ratio": 1.5, "online": true},
		"p:4": {"name": "notch", "balance": 100},
		"p:5": {"balance": 5},
		"p:6": {"name": "st_ve%", "balance": 1},
	}
	for key, r := range seed {
		require.NoError(t, d.Put(ctx, "players", key, conform(t, "players", r)))
	}
}

func testScanPredicates(t *testing.T, d storage.Driver) {
	seedPlayers(t, d)

	tests := []struct {
		name string
		pred *core.Predicate
		want []string
	}{
		{"all", nil, []string{"p:1", "p:2", "p:3", "p:4", "p:5", "p:6"}},
		{"eq int", core.Where(core.Eq("balance", 100)), []string{"p:2", "p:4"}},
		{"eq string", core.Where(core.Eq("name", "steve")), []string{"p:2"}},
		{"ne skips missing", core.Where(core.Ne("name", "steve")), []string{"p:1", "p:3", "p:4", "p:6"}},
		{"lt", core.Where(core.Lt("balance", 10)), []string{"p:5", "p:6"}},
		{"lte", core.Where(core.Lte("balance", 10)), []string{"p:1", "p:5", "p:6"}},
		{"gt", core.Where(core.Gt("balance", 100)), []string{"p:3"}},
		{"gte", core.Where(core.Gte("balance", 100)), []string{"p:2", "p:3", "p:4"}},
		{"float", core.Where(core.Gte("ratio", 0.5)), []string{"p:2", "p:3"}},
		{"float from int", core.Where(core.Gt("ratio", 1)), []string{"p:3"}},
		{"bool", core.Where(core.Eq("online", true)), []string{"p:1", "p:3"}},
		{"bool false", core.Where(core.Eq("online", false)), []string{"p:2"}},
		{"prefix", core.Where(core.Prefix("name", "ste")), []string{"p:2", "p:3"}},
		{"prefix escapes wildcards", core.Where(core.Prefix("name", "st_")), []string{"p:6"}},
		{"string order", core.Where(core.Gt("name", "s")), []string{"p:2", "p:3", "p:6"}},
		{"conjunction", core.Where(core.Gte("balance", 50), core.Eq("online", true)), []string{"p:3"}},
		{"no match", core.Where(core.Eq("balance", 999)), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keys(collect(t, d, "players", tt.pred))
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func testScanOrdered(t *testing.T, d storage.Driver) {
	ctx := context.Background()
	ensure(t, d, "players")

	const n = 600
	want := make([]string, 0, n)
	batch := make([]storage.Mutation, 0, n)
	for i := range n {
		key := fmt.Sprintf("k%04d", i)
		want = append(want, key)
		batch = append(batch, storage.Mutation{Key: key, Record: conform(t, "players", core.Record{"balance": i})})
	}
	require.NoError(t, d.BatchWrite(ctx, "players", batch))

	seq := d.Scan(ctx, "players", nil)
	for range 2 {
		var got []string
		for e, err := range seq {
			require.NoError(t, err)
			got = append(got, e.Key)
		}
		assert.Equal(t, want, got)
	}

	top := 0
	for e, err := range d.Scan(ctx, "players", core.Where(core.Gte("balance", n-10))) {
		require.NoError(t, err)
		assert.GreaterOrEqual(t, e.Record["balance"], int64(n-10))
		top++
	}
	assert.Equal(t, 10, top)
}

func testScanEarlyStop(t *testing.T, d storage.Driver) {
	seedPlayers(t, d)

	count := 0
	for _, err := range d.Scan(context.Background(), "players", nil) {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)

	// Stopping early must release every handle.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := d.Get(ctx, "players", "p:1")
	require.NoError(t, err)
}

func testScanInvalidPredicate(t *testing.T, d storage.Driver) {
	seedPlayers(t, d)

	for _, err := range d.Scan(context.Background(), "players", core.Where(core.Eq("level", 1))) {
		assert.ErrorIs(t, err, core.ErrInvalidPredicate)
		return
	}
	t.Fatal("scan yielded nothing")
}

func testBatchWrite(t *testing.T, d storage.Driver) {
	ctx := context.Background()
	seedPlayers(t, d)

	err := d.BatchWrite(ctx, "players", []storage.Mutation{
		{Key: "p:1", Record: conform(t, "players", core.Record{"balance": 11})},
		{Key: "p:2"},
		{Key: "p:7", Record: conform(t, "players", core.Record{"name": "herobrine"})},
		{Key: "p:7", Record: conform(t, "players", core.Record{"name": "herobrine", "balance": 7})},
		{Key: "p:missing"},
	})
	require.NoError(t, err)

	got, ok, err := d.Get(ctx, "players", "p:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.Record{"balance": int64(11)}, got)

	_, ok, err = d.Get(ctx, "players", "p:2")
	require.NoError(t, err)
	assert.False(t, ok)

	got, _, err = d.Get(ctx, "players", "p:7")
	require.NoError(t, err)
	assert.Equal(t, core.Record{"name": "herobrine", "balance": int64(7)}, got, "later mutations of a key win")

	err = d.BatchWrite(ctx, "players", []storage.Mutation{
		{Key: "", Record: core.Record{}},
	})
	var be *storage.BatchError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 0, be.Index)
	assert.ErrorIs(t, err, core.ErrBatchWriteFailed)

	require.NoError(t, d.BatchWrite(ctx, "players", nil))
}

func testEnsureExtends(t *testing.T, d storage.Driver) {
	ctx := context.Background()
	ensure(t, d, "players")
	require.NoError(t, d.Put(ctx, "players", "p:1", conform(t, "players", core.Record{"balance": 1})))

	extended := PlayersSchema("players").With(core.Field{Name: "level", Type: core.FieldInt})
	require.NoError(t, d.EnsureCollection(ctx, extended))
	require.NoError(t, d.EnsureCollection(ctx, extended), "ensure is idempotent")

	require.NoError(t, d.Put(ctx, "players", "p:2", core.Record{"balance": int64(2), "level": int64(9)}))

	got, _, err := d.Get(ctx, "players", "p:1")
	require.NoError(t, err)
	assert.Equal(t, core.Record{"balance": int64(1)}, got, "existing records survive")

	got, _, err = d.Get(ctx, "players", "p:2")
	require.NoError(t, err)
	assert.Equal(t, core.Record{"balance": int64(2), "level": int64(9)}, got)

	assert.Equal(t, []string{"p:2"}, keys(collect(t, d, "players", core.Where(core.Eq("level", 9)))))
}

func testSchemaState(t *testing.T, d storage.Driver) {
	ctx := context.Background()

	state, err := d.SchemaState(ctx, "players")
	require.NoError(t, err)
	assert.Equal(t, storage.NoSchemaVersion, state.Version)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, d.SetSchemaState(ctx, storage.SchemaState{Collection: "players", Version: 0, AppliedAt: at}))
	require.NoError(t, d.SetSchemaState(ctx, storage.SchemaState{Collection: "players", Version: 2, Step: "add-level", AppliedAt: at}))

	state, err = d.SchemaState(ctx, "players")
	require.NoError(t, err)
	assert.Equal(t, "players", state.Collection)
	assert.Equal(t, 2, state.Version)
	assert.Equal(t, "add-level", state.Step)
	assert.True(t, at.Equal(state.AppliedAt), "applied at %s, got %s", at, state.AppliedAt)
}

func testMeta(t *testing.T, d storage.Driver) {
	meta, err := d.Meta(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, meta["kind"])
}
