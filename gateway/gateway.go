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

// Package gateway is the storage façade feature modules use. It routes
// every operation through the schema manager, the per-key write locks,
// the local cache and the active driver.
package gateway

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/impactdev/impactor/cache"
	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/schema"
	"github.com/impactdev/impactor/storage"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/impactdev/impactor/gateway"

// Option configures a Gateway.
type Option func(*gatewayOptions)

type gatewayOptions struct {
	logger      *slog.Logger
	cache       *cache.Cache
	registerer  prometheus.Registerer
	tracer      trace.TracerProvider
	readWorkers int
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *gatewayOptions) {
		o.logger = logger
	}
}

// WithCache sets the local cache. Without it reads always reach the
// driver.
func WithCache(c *cache.Cache) Option {
	return func(o *gatewayOptions) {
		o.cache = c
	}
}

// WithRegisterer registers the gateway metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *gatewayOptions) {
		o.registerer = reg
	}
}

// WithTracerProvider sets the provider of operation spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *gatewayOptions) {
		o.tracer = tp
	}
}

// WithReadWorkers sets how many reads ReadMany runs at once.
func WithReadWorkers(n int) Option {
	return func(o *gatewayOptions) {
		o.readWorkers = n
	}
}

// Gateway serializes writes per key, keeps the cache coherent with the
// driver and refuses collections that are not ready.
type Gateway struct {
	driver  storage.Driver
	schemas *schema.Manager
	cache   *cache.Cache
	locks   *lockTable
	readers *ants.Pool
	metrics *metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	closed  atomic.Bool
}

// New creates a gateway over driver. Collections are resolved through
// schemas.
func New(driver storage.Driver, schemas *schema.Manager, opts ...Option) (*Gateway, error) {
	o := gatewayOptions{
		logger:      slog.Default(),
		tracer:      otel.GetTracerProvider(),
		readWorkers: max(runtime.NumCPU(), 2),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cache == nil {
		o.cache = cache.New(0)
	}
	readers, err := ants.NewPool(max(o.readWorkers, 1))
	if err != nil {
		return nil, err
	}
	locks := newLockTable()
	return &Gateway{
		driver:  driver,
		schemas: schemas,
		cache:   o.cache,
		locks:   locks,
		readers: readers,
		metrics: newMetrics(o.registerer, locks),
		tracer:  o.tracer.Tracer(tracerName),
		logger:  o.logger,
	}, nil
}

// begin starts the span and timer of one operation. The returned func
// ends both with the operation's error.
func (g *Gateway) begin(ctx context.Context, op, collection string) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "impactor."+op,
		trace.WithAttributes(attribute.String("impactor.collection", collection)))
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		g.metrics.observe(op, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// prepare checks that the gateway is open and the collection ready, and
// returns the collection schema.
func (g *Gateway) prepare(ctx context.Context, collection string) (core.Schema, error) {
	if g.closed.Load() {
		return core.Schema{}, core.ErrClosed
	}
	return g.schemas.Require(ctx, collection)
}

// Read returns the record stored under key.
func (g *Gateway) Read(ctx context.Context, collection, key string) (record core.Record, found bool, err error) {
	ctx, end := g.begin(ctx, "read", collection)
	defer end(&err)
	if _, err = g.prepare(ctx, collection); err != nil {
		return nil, false, err
	}
	if err = core.ValidateKey(key); err != nil {
		return nil, false, err
	}
	return g.read(ctx, collection, key)
}

func (g *Gateway) read(ctx context.Context, collection, key string) (core.Record, bool, error) {
	ck := cache.Key{Collection: collection, Key: key}
	if g.cache.Enabled() {
		if record, ok := g.cache.Get(ck); ok {
			g.metrics.cacheRead(true)
			return record, true, nil
		}
		g.metrics.cacheRead(false)
	}
	fill := g.cache.BeginFill(ck)
	record, found, err := g.driver.Get(ctx, collection, key)
	if err != nil {
		fill.Abort()
		return nil, false, err
	}
	fill.Complete(record)
	return record, found, nil
}

// ReadMany reads several keys of one collection concurrently. Absent keys
// are left out of the result.
func (g *Gateway) ReadMany(ctx context.Context, collection string, keys []string) (records map[string]core.Record, err error) {
	ctx, end := g.begin(ctx, "read_many", collection)
	defer end(&err)
	if _, err = g.prepare(ctx, collection); err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err = core.ValidateKey(key); err != nil {
			return nil, err
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	records = make(map[string]core.Record, len(keys))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, key := range keys {
		wg.Add(1)
		submitErr := g.readers.Submit(func() {
			defer wg.Done()
			record, found, err := g.read(ctx, collection, key)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && firstErr == nil:
				firstErr = fmt.Errorf("%s: %w", key, err)
				cancel()
			case found:
				records[key] = record
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = submitErr
			}
			mu.Unlock()
			break
		}
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return records, nil
}

// Write stores record under key. Writes to one key are applied one at a
// time in the order their callers asked for the key's lock.
func (g *Gateway) Write(ctx context.Context, collection, key string, record core.Record) (err error) {
	ctx, end := g.begin(ctx, "write", collection)
	defer end(&err)
	s, err := g.prepare(ctx, collection)
	if err != nil {
		return err
	}
	if err = core.ValidateKey(key); err != nil {
		return err
	}
	conformed, err := s.Conform(record)
	if err != nil {
		return err
	}
	id := core.KeyID(collection, key)
	if err = g.locks.lock(ctx, id); err != nil {
		return err
	}
	defer g.locks.unlock(id)
	err = g.driver.Put(ctx, collection, key, conformed)
	g.cache.Invalidate(cache.Key{Collection: collection, Key: key})
	return err
}

// Remove deletes the record stored under key and reports whether it
// existed.
func (g *Gateway) Remove(ctx context.Context, collection, key string) (existed bool, err error) {
	ctx, end := g.begin(ctx, "remove", collection)
	defer end(&err)
	if _, err = g.prepare(ctx, collection); err != nil {
		return false, err
	}
	if err = core.ValidateKey(key); err != nil {
		return false, err
	}
	id := core.KeyID(collection, key)
	if err = g.locks.lock(ctx, id); err != nil {
		return false, err
	}
	defer g.locks.unlock(id)
	existed, err = g.driver.Delete(ctx, collection, key)
	g.cache.Invalidate(cache.Key{Collection: collection, Key: key})
	return existed, err
}

// Query yields the records of a collection matching pred, ordered by key.
// Every range over the sequence runs the query again.
func (g *Gateway) Query(ctx context.Context, collection string, pred *core.Predicate) iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		ctx, end := g.begin(ctx, "query", collection)
		var err error
		defer func() { end(&err) }()
		if _, err = g.prepare(ctx, collection); err != nil {
			yield(storage.Entry{}, err)
			return
		}
		for entry, scanErr := range g.driver.Scan(ctx, collection, pred) {
			if scanErr != nil {
				err = scanErr
				yield(storage.Entry{}, err)
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// Batch applies mutations to one collection in order through the driver.
// The keys of the batch stay locked until the driver returns. Atomicity
// follows the driver's capabilities.
func (g *Gateway) Batch(ctx context.Context, collection string, mutations []storage.Mutation) (err error) {
	ctx, end := g.begin(ctx, "batch", collection)
	defer end(&err)
	s, err := g.prepare(ctx, collection)
	if err != nil {
		return err
	}
	prepared := make([]storage.Mutation, len(mutations))
	ids := make([]core.ID, len(mutations))
	for i, m := range mutations {
		if err = core.ValidateKey(m.Key); err != nil {
			return &storage.BatchError{Collection: collection, Key: m.Key, Index: i, Err: err}
		}
		prepared[i] = storage.Mutation{Key: m.Key}
		if !m.IsDelete() {
			if prepared[i].Record, err = s.Conform(m.Record); err != nil {
				return &storage.BatchError{Collection: collection, Key: m.Key, Index: i, Err: err}
			}
		}
		ids[i] = core.KeyID(collection, m.Key)
	}
	if len(prepared) == 0 {
		return nil
	}

	held, err := g.locks.lockAll(ctx, ids)
	if err != nil {
		return err
	}
	defer g.locks.unlockAll(held)
	err = g.driver.BatchWrite(ctx, collection, prepared)
	for _, m := range prepared {
		g.cache.Invalidate(cache.Key{Collection: collection, Key: m.Key})
	}
	return err
}

// Capabilities reports the capabilities of the active driver.
func (g *Gateway) Capabilities() storage.Capabilities {
	return g.driver.Capabilities()
}

// Close refuses further operations. The driver is left open.
func (g *Gateway) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	g.readers.Release()
	return nil
}
