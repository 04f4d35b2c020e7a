package schema

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/storage"
	"github.com/impactdev/impactor/storage/badger"
	"github.com/impactdev/impactor/storage/relational"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func playersBase() core.Schema {
	return core.Schema{
		Collection: "players",
		Fields: []core.Field{
			{Name: "name", Type: core.FieldString},
			{Name: "balance", Type: core.FieldInt},
		},
	}
}

// addLevel derives a level from the balance.
func addLevel(calls *int) Step {
	return Step{
		Name:   "add-level",
		Fields: []core.Field{{Name: "level", Type: core.FieldInt}},
		Transform: func(r core.Record) (core.Record, error) {
			if calls != nil {
				*calls++
			}
			balance, _ := r["balance"].(int64)
			r["level"] = balance / 100
			return r, nil
		},
	}
}

func addRank(fail bool) Step {
	return Step{
		Name:   "add-rank",
		Fields: []core.Field{{Name: "rank", Type: core.FieldString}},
		Transform: func(r core.Record) (core.Record, error) {
			if fail {
				return nil, errors.New("rank table missing")
			}
			if r["level"].(int64) >= 2 {
				r["rank"] = "gold"
			} else {
				r["rank"] = "bronze"
			}
			return r, nil
		},
	}
}

func newMemoryDriver(t *testing.T) *badger.Driver {
	t.Helper()
	d, err := badger.NewMemoryDriver()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// seed creates the base collection and stores a few players.
func seed(t *testing.T, d storage.Driver) {
	t.Helper()
	ctx := context.Background()
	m := NewManager(d)
	require.NoError(t, m.Register(playersBase()))
	require.NoError(t, m.EnsureReady(ctx, "players"))
	require.NoError(t, d.Put(ctx, "players", "p:1", core.Record{"name": "ann", "balance": int64(50)}))
	require.NoError(t, d.Put(ctx, "players", "p:2", core.Record{"name": "bob", "balance": int64(250)}))
	require.NoError(t, d.Put(ctx, "players", "p:3", core.Record{"name": "cyd", "balance": int64(120)}))
}

func TestEnsureReady_CreatesBaseSchema(t *testing.T) {
	ctx := context.Background()
	d := newMemoryDriver(t)
	m := NewManager(d)
	require.NoError(t, m.Register(playersBase()))
	assert.Equal(t, StateUnchecked, m.State("players"))

	require.NoError(t, m.EnsureReady(ctx, "players"))
	assert.Equal(t, StateReady, m.State("players"))

	state, err := d.SchemaState(ctx, "players")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Version)
	assert.False(t, state.AppliedAt.IsZero())
}

func TestEnsureReady_AppliesPendingSteps(t *testing.T) {
	ctx := context.Background()
	d := newMemoryDriver(t)
	seed(t, d)

	m := NewManager(d, WithBatchSize(2))
	require.NoError(t, m.Register(playersBase(), addLevel(nil), addRank(false)))
	require.NoError(t, m.EnsureReady(ctx, "players"))

	state, err := d.SchemaState(ctx, "players")
	require.NoError(t, err)
	assert.Equal(t, 2, state.Version)
	assert.Equal(t, "add-rank", state.Step)

	record, found, err := d.Get(ctx, "players", "p:2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, core.Record{"name": "bob", "balance": int64(250), "level": int64(2), "rank": "gold"}, record)

	schema, err := m.Schema("players")
	require.NoError(t, err)
	assert.Len(t, schema.Fields, 4)
}

func TestEnsureReady_ResumesAfterFailedStep(t *testing.T) {
	ctx := context.Background()
	d := newMemoryDriver(t)
	seed(t, d)

	levelCalls := 0
	m := NewManager(d)
	require.NoError(t, m.Register(playersBase(), addLevel(&levelCalls), addRank(true)))

	err := m.EnsureReady(ctx, "players")
	var migrationErr *MigrationError
	require.ErrorAs(t, err, &migrationErr)
	assert.ErrorIs(t, err, core.ErrMigration)
	assert.Equal(t, "add-rank", migrationErr.Step)
	assert.Equal(t, 1, migrationErr.LastVersion)
	assert.Equal(t, StateFailed, m.State("players"))
	assert.Equal(t, 3, levelCalls)

	// a failed collection stays refused
	assert.Same(t, err, m.EnsureReady(ctx, "players"))
	_, requireErr := m.Require(ctx, "players")
	assert.ErrorIs(t, requireErr, core.ErrMigration)

	state, err := d.SchemaState(ctx, "players")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Version)
	assert.Equal(t, "add-level", state.Step)

	// a restarted process resumes at the unrecorded step
	levelCalls = 0
	restarted := NewManager(d)
	require.NoError(t, restarted.Register(playersBase(), addLevel(&levelCalls), addRank(false)))
	require.NoError(t, restarted.EnsureReady(ctx, "players"))
	assert.Zero(t, levelCalls, "completed step must not run again")

	record, _, err := d.Get(ctx, "players", "p:1")
	require.NoError(t, err)
	assert.Equal(t, "bronze", record["rank"])
	assert.Equal(t, int64(0), record["level"])
}

func TestEnsureReady_NewerStoredVersionFails(t *testing.T) {
	ctx := context.Background()
	d := newMemoryDriver(t)
	require.NoError(t, d.SetSchemaState(ctx, storage.SchemaState{Collection: "players", Version: 5}))

	m := NewManager(d)
	require.NoError(t, m.Register(playersBase(), addLevel(nil)))
	err := m.EnsureReady(ctx, "players")
	var migrationErr *MigrationError
	require.ErrorAs(t, err, &migrationErr)
	assert.Equal(t, 5, migrationErr.LastVersion)
	assert.Empty(t, migrationErr.Step)
}

// saturatedDriver reports an exhausted pool for the first few schema
// state reads.
type saturatedDriver struct {
	storage.Driver
	busy int
}

func (d *saturatedDriver) SchemaState(ctx context.Context, collection string) (storage.SchemaState, error) {
	if d.busy > 0 {
		d.busy--
		return storage.SchemaState{}, fmt.Errorf("%w: no handle free", core.ErrPoolExhausted)
	}
	return d.Driver.SchemaState(ctx, collection)
}

func TestEnsureReady_ExhaustedPoolIsRecoverable(t *testing.T) {
	ctx := context.Background()
	d := &saturatedDriver{Driver: newMemoryDriver(t), busy: 1}
	m := NewManager(d)
	require.NoError(t, m.Register(playersBase()))

	err := m.EnsureReady(ctx, "players")
	assert.ErrorIs(t, err, core.ErrPoolExhausted)
	assert.Equal(t, StateUnchecked, m.State("players"))
	_, ready, err := m.Ready("players")
	require.NoError(t, err)
	assert.False(t, ready)

	s, err := m.Require(ctx, "players")
	require.NoError(t, err)
	assert.Equal(t, playersBase(), s)
	assert.Equal(t, StateReady, m.State("players"))
}

func TestEnsureReady_UnavailableBackendFails(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&unavailableDriver{newMemoryDriver(t)})
	require.NoError(t, m.Register(playersBase()))

	err := m.EnsureReady(ctx, "players")
	assert.ErrorIs(t, err, core.ErrBackendUnavailable)
	assert.Equal(t, StateFailed, m.State("players"))
	_, _, err = m.Ready("players")
	assert.ErrorIs(t, err, core.ErrMigration)
}

type unavailableDriver struct {
	storage.Driver
}

func (d *unavailableDriver) SchemaState(context.Context, string) (storage.SchemaState, error) {
	return storage.SchemaState{}, fmt.Errorf("%w: connection refused", core.ErrBackendUnavailable)
}

func TestEnsureReady_NilTransformResultDeletes(t *testing.T) {
	ctx := context.Background()
	d := newMemoryDriver(t)
	seed(t, d)

	m := NewManager(d)
	require.NoError(t, m.Register(playersBase(), Step{
		Name: "drop-poor",
		Transform: func(r core.Record) (core.Record, error) {
			if r["balance"].(int64) < 100 {
				return nil, nil
			}
			return r, nil
		},
	}))
	require.NoError(t, m.EnsureReady(ctx, "players"))

	_, found, err := d.Get(ctx, "players", "p:1")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = d.Get(ctx, "players", "p:3")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEnsureReady_TransformMustConform(t *testing.T) {
	ctx := context.Background()
	d := newMemoryDriver(t)
	seed(t, d)

	m := NewManager(d)
	require.NoError(t, m.Register(playersBase(), Step{
		Name: "bad",
		Transform: func(r core.Record) (core.Record, error) {
			r["undeclared"] = true
			return r, nil
		},
	}))
	err := m.EnsureReady(ctx, "players")
	assert.ErrorIs(t, err, core.ErrMigration)
	assert.ErrorIs(t, err, core.ErrSerialization)
}

func TestEnsureReady_RelationalAddsColumns(t *testing.T) {
	ctx := context.Background()
	cfg := relational.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "impactor.db")
	d, err := relational.Open(ctx, cfg)
	require.NoError(t, err)
	defer d.Close()
	seed(t, d)

	m := NewManager(d)
	require.NoError(t, m.Register(playersBase(), addLevel(nil)))
	require.NoError(t, m.EnsureReady(ctx, "players"))

	record, found, err := d.Get(ctx, "players", "p:2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), record["level"])
}

func TestRequire(t *testing.T) {
	ctx := context.Background()
	d := newMemoryDriver(t)
	m := NewManager(d)
	require.NoError(t, m.Register(playersBase(), addLevel(nil)))

	schema, err := m.Require(ctx, "players")
	require.NoError(t, err)
	_, ok := schema.Field("level")
	assert.True(t, ok)
	assert.Equal(t, StateReady, m.State("players"))

	_, err = m.Require(ctx, "mail")
	assert.ErrorIs(t, err, core.ErrUnknownCollection)
}

func TestAttach(t *testing.T) {
	ctx := context.Background()
	d := newMemoryDriver(t)
	m := NewManager(d)
	require.NoError(t, m.Attach(playersBase()))
	require.NoError(t, m.EnsureReady(ctx, "players"))

	expected, err := m.Expected("players")
	require.NoError(t, err)
	assert.Zero(t, expected)
	state, err := d.SchemaState(ctx, "players")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Version)
}

func TestRegister_SupersedesAttachment(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMemoryDriver(t))
	require.NoError(t, m.Attach(playersBase()))
	require.NoError(t, m.Register(playersBase(), addLevel(nil)))
	require.NoError(t, m.EnsureReady(ctx, "players"))

	expected, err := m.Expected("players")
	require.NoError(t, err)
	assert.Equal(t, 1, expected)
	assert.ErrorIs(t, m.Register(playersBase()), core.ErrConfiguration)
	assert.ErrorIs(t, m.Attach(playersBase()), core.ErrConfiguration)
}

func TestRegister_Rejects(t *testing.T) {
	d := newMemoryDriver(t)
	m := NewManager(d)
	require.NoError(t, m.Register(playersBase()))

	tests := []struct {
		name  string
		base  core.Schema
		steps []Step
	}{
		{"duplicate collection", playersBase(), nil},
		{"invalid collection", core.Schema{Collection: "1bad"}, nil},
		{"unnamed step", core.Schema{Collection: "mail"}, []Step{{}}},
		{"duplicate step", core.Schema{Collection: "items"}, []Step{{Name: "a"}, {Name: "a"}}},
		{"reserved field", core.Schema{Collection: "bank"}, []Step{{Name: "a", Fields: []core.Field{{Name: "_id", Type: core.FieldString}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, m.Register(tt.base, tt.steps...), core.ErrConfiguration)
		})
	}
}

func TestEnsureAll(t *testing.T) {
	ctx := context.Background()
	d := newMemoryDriver(t)
	seed(t, d)

	m := NewManager(d, WithWorkers(2))
	require.NoError(t, m.Register(playersBase(), addLevel(nil), addRank(true)))
	require.NoError(t, m.Register(core.Schema{Collection: "mail", Fields: []core.Field{{Name: "body", Type: core.FieldString}}}))
	require.NoError(t, m.Attach(core.Schema{Collection: "items", Fields: []core.Field{{Name: "qty", Type: core.FieldInt}}}))

	err := m.EnsureAll(ctx)
	assert.ErrorIs(t, err, core.ErrMigration)
	assert.Equal(t, StateFailed, m.State("players"))
	assert.Equal(t, StateReady, m.State("mail"))
	assert.Equal(t, StateReady, m.State("items"))
	assert.Equal(t, []string{"items", "mail", "players"}, m.Collections())
}

func TestEnsureReady_ReportsProgress(t *testing.T) {
	ctx := context.Background()
	d := newMemoryDriver(t)
	seed(t, d)

	var out bytes.Buffer
	m := NewManager(d, WithProgress(&out))
	require.NoError(t, m.Register(playersBase(), addLevel(nil)))
	require.NoError(t, m.EnsureReady(ctx, "players"))
	assert.Contains(t, out.String(), "players add-level: 3/3 (100.0%)")
}

func TestMigrationError(t *testing.T) {
	err := &MigrationError{Collection: "players", Step: "add-rank", LastVersion: 1, Err: errors.New("boom")}
	assert.Equal(t, `migration of players failed at step "add-rank" after version 1: boom`, err.Error())
	assert.ErrorIs(t, err, core.ErrMigration)
}
