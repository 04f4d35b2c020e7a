package storage

import (
	"context"
	"iter"
	"time"

	"github.com/impactdev/impactor/core"
)

// Entry is one record yielded by a scan.
type Entry struct {
	Key    string
	Record core.Record
}

// Mutation is one element of a batch write. A nil Record deletes the key.
type Mutation struct {
	Key    string
	Record core.Record
}

// IsDelete reports whether the mutation removes its key.
func (m Mutation) IsDelete() bool {
	return m.Record == nil
}

// Capabilities describes what a driver guarantees beyond the common set.
type Capabilities struct {
	// Atomic is true when the driver implements Transactional and batch
	// writes commit all-or-nothing.
	Atomic bool
}

// SchemaState is the persisted schema version of one collection.
type SchemaState struct {
	Collection string
	// Version counts the migration steps applied; 0 means the base schema.
	Version int
	// Step names the last applied migration step, empty for the base schema.
	Step      string
	AppliedAt time.Time
}

// Driver is the capability set every backend variant implements.
type Driver interface {
	// Get retrieves the record stored under key.
	// The boolean is false when the key does not exist.
	Get(ctx context.Context, collection, key string) (core.Record, bool, error)

	// Put stores a record under key, replacing any existing record.
	Put(ctx context.Context, collection, key string, record core.Record) error

	// Delete removes the record stored under key.
	// Returns false when the key did not exist.
	Delete(ctx context.Context, collection, key string) (bool, error)

	// Scan yields every record matching pred, ordered by key.
	// The sequence is lazy and finite; ranging over it again re-executes
	// the query. A nil predicate matches every record.
	Scan(ctx context.Context, collection string, pred *core.Predicate) iter.Seq2[Entry, error]

	// BatchWrite applies mutations in order. Atomic drivers commit all or
	// nothing and report the failing element as a *BatchError.
	BatchWrite(ctx context.Context, collection string, mutations []Mutation) error

	// Capabilities reports driver guarantees.
	Capabilities() Capabilities

	// EnsureCollection creates the structures backing a collection, or
	// extends them with fields the schema adds. It never drops data.
	EnsureCollection(ctx context.Context, schema core.Schema) error

	// SchemaState returns the persisted schema state of a collection.
	// A collection that was never recorded has Version NoSchemaVersion.
	SchemaState(ctx context.Context, collection string) (SchemaState, error)

	// SetSchemaState persists the schema state of a collection.
	SetSchemaState(ctx context.Context, state SchemaState) error

	// Meta describes the backend for operators.
	Meta(ctx context.Context) (map[string]string, error)

	// Close releases every backend resource.
	Close() error
}

// Ops is the single-record subset of Driver bound to one transaction.
type Ops interface {
	Get(ctx context.Context, collection, key string) (core.Record, bool, error)
	Put(ctx context.Context, collection, key string, record core.Record) error
	Delete(ctx context.Context, collection, key string) (bool, error)
}

// Transactional is implemented by drivers that can run several operations
// atomically.
type Transactional interface {
	// Atomic runs fn inside one backend transaction. If fn returns an
	// error the transaction is rolled back, otherwise it is committed.
	Atomic(ctx context.Context, fn func(ops Ops) error) error
}

// NoSchemaVersion is the version reported for collections with no
// persisted schema state.
const NoSchemaVersion = -1
