package gateway

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/impactdev/impactor/cache"
	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/storage"
)

// TxOptions configures WithTransaction.
type TxOptions struct {
	// Strict requires atomicity. Drivers that cannot provide it fail
	// with core.ErrTransactionsUnsupported instead of running the work.
	Strict bool
}

// Tx is the view of the store inside WithTransaction. Writes are held
// back until the work returns and are visible to later reads of the same
// transaction.
type Tx interface {
	Read(ctx context.Context, collection, key string) (core.Record, bool, error)
	Write(ctx context.Context, collection, key string, record core.Record) error
	Remove(ctx context.Context, collection, key string) (bool, error)
}

type pendingWrite struct {
	collection string
	mutation   storage.Mutation
}

// txBuffer collects the writes of one transaction, one per key, in the
// order their keys were first written.
type txBuffer struct {
	prepare func(ctx context.Context, collection, key string) (core.Schema, error)
	read    func(ctx context.Context, collection, key string) (core.Record, bool, error)
	writes  []pendingWrite
	index   map[cache.Key]int
}

func newTxBuffer(
	prepare func(ctx context.Context, collection, key string) (core.Schema, error),
	read func(ctx context.Context, collection, key string) (core.Record, bool, error),
) *txBuffer {
	return &txBuffer{prepare: prepare, read: read, index: make(map[cache.Key]int)}
}

func (b *txBuffer) lookup(collection, key string) (pendingWrite, bool) {
	i, ok := b.index[cache.Key{Collection: collection, Key: key}]
	if !ok {
		return pendingWrite{}, false
	}
	return b.writes[i], true
}

func (b *txBuffer) put(collection string, m storage.Mutation) {
	k := cache.Key{Collection: collection, Key: m.Key}
	if i, ok := b.index[k]; ok {
		b.writes[i].mutation = m
		return
	}
	b.index[k] = len(b.writes)
	b.writes = append(b.writes, pendingWrite{collection: collection, mutation: m})
}

func (b *txBuffer) Read(ctx context.Context, collection, key string) (core.Record, bool, error) {
	if _, err := b.prepare(ctx, collection, key); err != nil {
		return nil, false, err
	}
	if w, ok := b.lookup(collection, key); ok {
		if w.mutation.IsDelete() {
			return nil, false, nil
		}
		return w.mutation.Record.Clone(), true, nil
	}
	return b.read(ctx, collection, key)
}

func (b *txBuffer) Write(ctx context.Context, collection, key string, record core.Record) error {
	s, err := b.prepare(ctx, collection, key)
	if err != nil {
		return err
	}
	conformed, err := s.Conform(record)
	if err != nil {
		return err
	}
	b.put(collection, storage.Mutation{Key: key, Record: conformed})
	return nil
}

func (b *txBuffer) Remove(ctx context.Context, collection, key string) (bool, error) {
	_, existed, err := b.Read(ctx, collection, key)
	if err != nil {
		return false, err
	}
	b.put(collection, storage.Mutation{Key: key})
	return existed, nil
}

func (b *txBuffer) ids() []core.ID {
	ids := make([]core.ID, len(b.writes))
	for i, w := range b.writes {
		ids[i] = core.KeyID(w.collection, w.mutation.Key)
	}
	return ids
}

// WithTransaction runs work against a transaction spanning any
// collections of the active backend.
//
// On a transactional driver reads and writes run in one backend
// transaction that commits or rolls back as a whole. Every key the work
// touches is locked before it is read or written. When a key is held by
// another writer, or a collection still has to be readied, the attempt
// is rolled back, the wait happens without a connection, and work runs
// again; work must therefore have no effects outside tx.
//
// Other drivers lock the keys written in ascending order once work
// returns nil, then apply the writes as a best-effort sequence of
// batches, unless opts.Strict is set, in which case
// core.ErrTransactionsUnsupported is returned and work never runs.
func (g *Gateway) WithTransaction(ctx context.Context, opts TxOptions, work func(tx Tx) error) (err error) {
	ctx, end := g.begin(ctx, "transaction", "")
	defer end(&err)
	if g.closed.Load() {
		return core.ErrClosed
	}
	if txd, ok := g.driver.(storage.Transactional); ok {
		return g.atomic(ctx, txd, work)
	}
	if opts.Strict {
		return fmt.Errorf("%w: %T", core.ErrTransactionsUnsupported, g.driver)
	}
	return g.sequential(ctx, work)
}

// retryAttempt aborts an attempt of an atomic transaction. Exactly one of
// lock and collection is set.
type retryAttempt struct {
	lock       core.ID
	collection string
}

func (r *retryAttempt) Error() string {
	if r.collection != "" {
		return fmt.Sprintf("transaction attempt needs collection %s ready", r.collection)
	}
	return fmt.Sprintf("transaction attempt needs key lock %d", r.lock)
}

// attempt is one run of work inside a backend transaction. It never
// blocks on a key lock or on readiness work.
type attempt struct {
	gateway *Gateway
	held    map[core.ID]struct{}
	retry   *retryAttempt
}

func (a *attempt) prepare(_ context.Context, collection, key string) (core.Schema, error) {
	if a.retry != nil {
		return core.Schema{}, a.retry
	}
	if a.gateway.closed.Load() {
		return core.Schema{}, core.ErrClosed
	}
	s, ready, err := a.gateway.schemas.Ready(collection)
	if err != nil {
		return core.Schema{}, err
	}
	if !ready {
		a.retry = &retryAttempt{collection: collection}
		return core.Schema{}, a.retry
	}
	if err := core.ValidateKey(key); err != nil {
		return core.Schema{}, err
	}
	id := core.KeyID(collection, key)
	if _, ok := a.held[id]; ok {
		return s, nil
	}
	if !a.gateway.locks.tryLock(id) {
		a.retry = &retryAttempt{lock: id}
		return core.Schema{}, a.retry
	}
	a.held[id] = struct{}{}
	return s, nil
}

func (g *Gateway) atomic(ctx context.Context, txd storage.Transactional, work func(tx Tx) error) error {
	held := make(map[core.ID]struct{})
	release := func() {
		g.locks.unlockAll(slices.Collect(maps.Keys(held)))
		clear(held)
	}
	defer release()

	for {
		a := &attempt{gateway: g, held: held}
		var buf *txBuffer
		err := txd.Atomic(ctx, func(ops storage.Ops) error {
			buf = newTxBuffer(a.prepare, ops.Get)
			err := work(buf)
			if a.retry != nil {
				return a.retry
			}
			if err != nil {
				return err
			}
			for _, w := range buf.writes {
				if w.mutation.IsDelete() {
					_, err = ops.Delete(ctx, w.collection, w.mutation.Key)
				} else {
					err = ops.Put(ctx, w.collection, w.mutation.Key, w.mutation.Record)
				}
				if err != nil {
					return fmt.Errorf("%s/%s: %w", w.collection, w.mutation.Key, err)
				}
			}
			return nil
		})
		if a.retry == nil {
			if buf != nil {
				g.invalidate(buf.writes)
			}
			return err
		}

		// the attempt rolled back and its connection is released
		if a.retry.collection != "" {
			if _, err := g.schemas.Require(ctx, a.retry.collection); err != nil {
				return err
			}
			continue
		}
		want := append(slices.Collect(maps.Keys(held)), a.retry.lock)
		release()
		locked, err := g.locks.lockAll(ctx, want)
		if err != nil {
			return err
		}
		for _, id := range locked {
			held[id] = struct{}{}
		}
	}
}

func (g *Gateway) sequential(ctx context.Context, work func(tx Tx) error) error {
	buf := newTxBuffer(func(ctx context.Context, collection, key string) (core.Schema, error) {
		s, err := g.prepare(ctx, collection)
		if err != nil {
			return core.Schema{}, err
		}
		return s, core.ValidateKey(key)
	}, g.read)
	if err := work(buf); err != nil {
		return err
	}
	if len(buf.writes) == 0 {
		return nil
	}
	held, err := g.locks.lockAll(ctx, buf.ids())
	if err != nil {
		return err
	}
	defer g.locks.unlockAll(held)
	defer g.invalidate(buf.writes)

	// consecutive writes to one collection go out as one batch
	for start := 0; start < len(buf.writes); {
		collection := buf.writes[start].collection
		stop := start
		var batch []storage.Mutation
		for stop < len(buf.writes) && buf.writes[stop].collection == collection {
			batch = append(batch, buf.writes[stop].mutation)
			stop++
		}
		if err := g.driver.BatchWrite(ctx, collection, batch); err != nil {
			return err
		}
		start = stop
	}
	return nil
}

func (g *Gateway) invalidate(writes []pendingWrite) {
	for _, w := range writes {
		g.cache.Invalidate(cache.Key{Collection: w.collection, Key: w.mutation.Key})
	}
}
