package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/pool"
	"github.com/impactdev/impactor/storage"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultPageSize = 256

// Config configures the embedded driver.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// Pool bounds concurrent access to the database. Handles are not
	// reused; the pool acts as a semaphore of Pool.Max permits.
	Pool  pool.Config
	Retry storage.RetryPolicy
	// PageSize is the number of records a scan reads per transaction.
	PageSize int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	cfg := Config{
		Pool:     pool.DefaultConfig(),
		Retry:    storage.DefaultRetryPolicy(),
		PageSize: defaultPageSize,
	}
	cfg.Pool.Reuse = false
	return cfg
}

// Option configures a Driver.
type Option func(*driverOptions)

type driverOptions struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
}

// WithLogger sets the driver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *driverOptions) {
		o.logger = logger
	}
}

// WithRegisterer registers the driver's pool metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *driverOptions) {
		o.registerer = reg
	}
}

// Driver is the embedded storage driver. Records of a collection live
// under one key prefix; writers are serialized by the driver.
type Driver struct {
	backend  *Backend
	pool     *pool.Pool[*badger.DB]
	retry    storage.RetryPolicy
	pageSize int
	logger   *slog.Logger

	// writeMu gives the store a single writer.
	writeMu sync.Mutex

	mu      sync.RWMutex
	schemas map[string]core.Schema
}

var _ storage.Driver = (*Driver)(nil)

// Open opens the embedded database described by cfg.
func Open(cfg Config, opts ...Option) (*Driver, error) {
	o := driverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("%w: embedded backend needs a path", core.ErrConfiguration)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	cfg.Pool.Reuse = false

	backend, err := OpenBackend(cfg.Path, cfg.InMemory, o.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", core.ErrBackendUnavailable, cfg.Path, err)
	}

	p, err := pool.New(pool.Factory[*badger.DB]{
		Open: func(ctx context.Context) (*badger.DB, error) {
			if backend.IsClosed() {
				return nil, badger.ErrDBClosed
			}
			return backend.db, nil
		},
		Close: func(*badger.DB) error { return nil },
	}, cfg.Pool, pool.WithName("embedded"), pool.WithLogger(o.logger), pool.WithRegisterer(o.registerer))
	if err != nil {
		backend.Close()
		return nil, err
	}

	return &Driver{
		backend:  backend,
		pool:     p,
		retry:    cfg.Retry,
		pageSize: cfg.PageSize,
		logger:   o.logger.With("driver", "embedded"),
		schemas:  make(map[string]core.Schema),
	}, nil
}

// Pool returns the driver's handle pool.
func (d *Driver) Pool() *pool.Pool[*badger.DB] {
	return d.pool
}

func isTransient(err error) bool {
	return errors.Is(err, badger.ErrConflict)
}

// view runs fn in a read-only transaction on an acquired handle.
func (d *Driver) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return storage.RetryDo(ctx, d.retry, isTransient, func() error {
		return pool.Do(ctx, d.pool, func(db *badger.DB) error {
			return db.View(fn)
		})
	})
}

// update runs fn in a read-write transaction as the single writer.
func (d *Driver) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return storage.RetryDo(ctx, d.retry, isTransient, func() error {
		return pool.Do(ctx, d.pool, func(db *badger.DB) error {
			d.writeMu.Lock()
			defer d.writeMu.Unlock()
			return db.Update(fn)
		})
	})
}

func (d *Driver) schema(collection string) (core.Schema, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.schemas[collection]
	if !ok {
		return core.Schema{}, fmt.Errorf("%w: %s", core.ErrUnknownCollection, collection)
	}
	return s, nil
}

func (d *Driver) check(collection, key string) error {
	if _, err := d.schema(collection); err != nil {
		return err
	}
	return core.ValidateKey(key)
}

// Get retrieves the record stored under key.
func (d *Driver) Get(ctx context.Context, collection, key string) (core.Record, bool, error) {
	if err := d.check(collection, key); err != nil {
		return nil, false, err
	}
	var record core.Record
	err := d.view(ctx, func(txn *badger.Txn) error {
		record = nil
		item, err := txn.Get(makeRecordKey(collection, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			record, err = storage.UnmarshalRecord(val)
			return err
		})
	})
	if err != nil {
		return nil, false, err
	}
	return record, record != nil, nil
}

// Put stores a record under key, replacing any existing record.
func (d *Driver) Put(ctx context.Context, collection, key string, record core.Record) error {
	if err := d.check(collection, key); err != nil {
		return err
	}
	data, err := storage.MarshalRecord(record)
	if err != nil {
		return err
	}
	return d.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(makeRecordKey(collection, key), data)
	})
}

// Delete removes the record stored under key.
func (d *Driver) Delete(ctx context.Context, collection, key string) (bool, error) {
	if err := d.check(collection, key); err != nil {
		return false, err
	}
	var existed bool
	err := d.update(ctx, func(txn *badger.Txn) error {
		k := makeRecordKey(collection, key)
		_, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			existed = false
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(k)
	})
	return existed, err
}

// BatchWrite applies mutations in order in one badger transaction. Every
// record is encoded before anything is written; an element that cannot be
// encoded fails the batch with nothing applied. A batch larger than one
// transaction is split, so a failure while committing may leave a prefix
// of the batch applied.
func (d *Driver) BatchWrite(ctx context.Context, collection string, mutations []storage.Mutation) error {
	if _, err := d.schema(collection); err != nil {
		return err
	}
	encoded := make([][]byte, len(mutations))
	for i, m := range mutations {
		if err := core.ValidateKey(m.Key); err != nil {
			return &storage.BatchError{Collection: collection, Key: m.Key, Index: i, Err: err}
		}
		if m.IsDelete() {
			continue
		}
		data, err := storage.MarshalRecord(m.Record)
		if err != nil {
			return &storage.BatchError{Collection: collection, Key: m.Key, Index: i, Err: err}
		}
		encoded[i] = data
	}

	return storage.RetryDo(ctx, d.retry, isTransient, func() error {
		return pool.Do(ctx, d.pool, func(db *badger.DB) error {
			d.writeMu.Lock()
			defer d.writeMu.Unlock()

			txn := db.NewTransaction(true)
			defer func() { txn.Discard() }()
			for i, m := range mutations {
				k := makeRecordKey(collection, m.Key)
				apply := func() error {
					if m.IsDelete() {
						return txn.Delete(k)
					}
					return txn.Set(k, encoded[i])
				}
				err := apply()
				if errors.Is(err, badger.ErrTxnTooBig) {
					if err := txn.Commit(); err != nil {
						return err
					}
					txn = db.NewTransaction(true)
					err = apply()
				}
				if err != nil {
					return &storage.BatchError{Collection: collection, Key: m.Key, Index: i, Err: err}
				}
			}
			return txn.Commit()
		})
	})
}

// Scan yields the records of a collection that match pred, ordered by key.
// Records are read one page per transaction; no handle is held while the
// caller consumes a page.
func (d *Driver) Scan(ctx context.Context, collection string, pred *core.Predicate) iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		s, err := d.schema(collection)
		if err != nil {
			yield(storage.Entry{}, err)
			return
		}
		pred, err = pred.Validate(s)
		if err != nil {
			yield(storage.Entry{}, err)
			return
		}

		var after []byte
		for {
			if err := ctx.Err(); err != nil {
				yield(storage.Entry{}, err)
				return
			}
			entries, last, done, err := d.scanPage(ctx, collection, pred, after)
			if err != nil {
				yield(storage.Entry{}, err)
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
			if done {
				return
			}
			after = last
		}
	}
}

// scanPage collects up to pageSize matching records whose keys sort after
// the given storage key. It returns the last key examined and whether the
// collection is exhausted.
func (d *Driver) scanPage(ctx context.Context, collection string, pred *core.Predicate, after []byte) ([]storage.Entry, []byte, bool, error) {
	var (
		entries []storage.Entry
		last    []byte
		done    bool
	)
	err := d.view(ctx, func(txn *badger.Txn) error {
		entries, last, done = nil, after, true
		prefix := makeCollectionPrefix(collection)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		if after == nil {
			it.Rewind()
		} else {
			it.Seek(after)
		}
		for ; it.Valid(); it.Next() {
			item := it.Item()
			if after != nil && bytes.Equal(item.Key(), after) {
				continue
			}
			if len(entries) >= d.pageSize {
				done = false
				return nil
			}
			last = item.KeyCopy(nil)
			var record core.Record
			err := item.Value(func(val []byte) error {
				var err error
				record, err = storage.UnmarshalRecord(val)
				return err
			})
			if err != nil {
				return fmt.Errorf("%s: %w", last, err)
			}
			if pred.Match(record) {
				entries = append(entries, storage.Entry{
					Key:    recordKeyFromStorageKey(collection, last),
					Record: record,
				})
			}
		}
		return nil
	})
	return entries, last, done, err
}

// Capabilities reports that batch writes are not atomic.
func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{Atomic: false}
}

// EnsureCollection records the schema of a collection. Embedded
// collections need no structure beyond their key prefix.
func (d *Driver) EnsureCollection(ctx context.Context, schema core.Schema) error {
	if err := core.ValidateSchema(schema); err != nil {
		return err
	}
	d.mu.Lock()
	d.schemas[schema.Collection] = schema
	d.mu.Unlock()
	d.logger.Debug("collection ensured", "collection", schema.Collection, "fields", len(schema.Fields))
	return nil
}

// SchemaState returns the persisted schema state of a collection.
func (d *Driver) SchemaState(ctx context.Context, collection string) (storage.SchemaState, error) {
	state := storage.SchemaState{Collection: collection, Version: storage.NoSchemaVersion}
	err := d.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(makeSchemaKey(collection))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			state, err = storage.UnmarshalSchemaState(val)
			return err
		})
	})
	return state, err
}

// SetSchemaState persists the schema state of a collection.
func (d *Driver) SetSchemaState(ctx context.Context, state storage.SchemaState) error {
	data := storage.MarshalSchemaState(state)
	return d.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(makeSchemaKey(state.Collection), data)
	})
}

// Meta describes the embedded database.
func (d *Driver) Meta(ctx context.Context) (map[string]string, error) {
	lsm, vlog := d.backend.Size()
	var collections int
	err := d.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeSchemaPrefix()
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			collections++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"kind":        "embedded",
		"engine":      "badger",
		"path":        d.backend.path,
		"in_memory":   strconv.FormatBool(d.backend.inMemory),
		"lsm_bytes":   strconv.FormatInt(lsm, 10),
		"vlog_bytes":  strconv.FormatInt(vlog, 10),
		"collections": strconv.Itoa(collections),
	}, nil
}

// Close closes the handle pool and the database.
func (d *Driver) Close() error {
	return errors.Join(d.pool.Close(), d.backend.Close())
}
