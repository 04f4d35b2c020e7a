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

// Package impactor wires the storage layer together: a resolved
// configuration selects one backend driver, whose collections are
// readied by a schema manager and served through a gateway with a local
// cache.
package impactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/impactdev/impactor/cache"
	"github.com/impactdev/impactor/config"
	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/gateway"
	"github.com/impactdev/impactor/pool"
	"github.com/impactdev/impactor/schema"
	"github.com/impactdev/impactor/storage"
	"github.com/impactdev/impactor/storage/badger"
	"github.com/impactdev/impactor/storage/document"
	"github.com/impactdev/impactor/storage/relational"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Store is one process-wide storage instance.
type Store struct {
	desc    config.Descriptor
	driver  storage.Driver
	schemas *schema.Manager
	cache   *cache.Cache
	gateway *gateway.Gateway
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	progress   io.Writer
	workers    int
}

// WithLogger sets the logger of every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers pool and gateway metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithTracerProvider sets the provider of gateway spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tp
	}
}

// WithMigrationProgress reports migration progress to w.
func WithMigrationProgress(w io.Writer) Option {
	return func(o *options) {
		o.progress = w
	}
}

// WithMigrationWorkers sets how many collections Start readies at once.
func WithMigrationWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// Open connects the backend described by desc. Collections declared in
// desc are attached; modules add theirs with Register before Start.
func Open(ctx context.Context, desc config.Descriptor, opts ...Option) (*Store, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	driver, err := openDriver(ctx, desc, o)
	if err != nil {
		return nil, err
	}

	schemaOpts := []schema.Option{schema.WithLogger(o.logger), schema.WithWorkers(o.workers)}
	if o.progress != nil {
		schemaOpts = append(schemaOpts, schema.WithProgress(o.progress))
	}
	schemas := schema.NewManager(driver, schemaOpts...)
	for _, s := range desc.Collections {
		if err := schemas.Attach(s); err != nil {
			driver.Close()
			return nil, err
		}
	}

	c := cache.New(desc.Cache.MaxEntries, cache.WithTTL(desc.Cache.TTL))
	gwOpts := []gateway.Option{
		gateway.WithCache(c),
		gateway.WithLogger(o.logger),
		gateway.WithRegisterer(o.registerer),
	}
	if o.tracer != nil {
		gwOpts = append(gwOpts, gateway.WithTracerProvider(o.tracer))
	}
	gw, err := gateway.New(driver, schemas, gwOpts...)
	if err != nil {
		driver.Close()
		return nil, err
	}

	o.logger.Info("storage opened", "kind", desc.Kind, "dialect", desc.Dialect, "pool_max", desc.Pool.Max)
	return &Store{
		desc:    desc,
		driver:  driver,
		schemas: schemas,
		cache:   c,
		gateway: gw,
		logger:  o.logger,
	}, nil
}

// openDriver selects the driver of desc.Kind. The choice is final for the
// lifetime of the store.
func openDriver(ctx context.Context, desc config.Descriptor, o options) (storage.Driver, error) {
	switch desc.Kind {
	case config.KindEmbedded:
		cfg := badger.DefaultConfig()
		cfg.Path = desc.Path
		cfg.Pool = desc.PoolConfig()
		cfg.Retry = desc.RetryPolicy()
		return badger.Open(cfg, badger.WithLogger(o.logger), badger.WithRegisterer(o.registerer))
	case config.KindRelational:
		cfg := relational.DefaultConfig()
		cfg.Dialect = desc.Dialect
		cfg.Path = desc.Path
		cfg.Host = desc.Host
		cfg.Port = desc.Port
		cfg.Database = desc.Database
		cfg.Username = desc.Username
		cfg.Password = desc.Password
		cfg.Pool = desc.PoolConfig()
		cfg.Retry = desc.RetryPolicy()
		return relational.Open(ctx, cfg, relational.WithLogger(o.logger), relational.WithRegisterer(o.registerer))
	case config.KindDocument:
		cfg := document.DefaultConfig()
		cfg.URI = desc.URI
		cfg.Host = desc.Host
		cfg.Port = desc.Port
		if desc.Database != "" {
			cfg.Database = desc.Database
		}
		cfg.Username = desc.Username
		cfg.Password = desc.Password
		cfg.Pool = desc.PoolConfig()
		cfg.Retry = desc.RetryPolicy()
		return document.Open(ctx, cfg, document.WithLogger(o.logger), document.WithRegisterer(o.registerer))
	}
	return nil, &config.Error{Field: "backend.kind", Reason: fmt.Sprintf("unknown kind %q", desc.Kind)}
}

// Register declares a module's collection with its migration steps.
func (s *Store) Register(base core.Schema, steps ...schema.Step) error {
	return s.schemas.Register(base, steps...)
}

// Start readies every registered collection. Collections that fail stay
// refused by the gateway; their errors are returned joined.
func (s *Store) Start(ctx context.Context) error {
	return s.schemas.EnsureAll(ctx)
}

// Gateway returns the storage gateway.
func (s *Store) Gateway() *gateway.Gateway {
	return s.gateway
}

// Schemas returns the schema manager.
func (s *Store) Schemas() *schema.Manager {
	return s.schemas
}

// Driver returns the active backend driver.
func (s *Store) Driver() storage.Driver {
	return s.driver
}

// Descriptor returns the configuration the store was opened with.
func (s *Store) Descriptor() config.Descriptor {
	return s.desc
}

// PoolStats returns the statistics of the driver's handle pool.
func (s *Store) PoolStats() pool.Stats {
	switch d := s.driver.(type) {
	case *badger.Driver:
		return d.Pool().Stats()
	case *relational.Driver:
		return d.Pool().Stats()
	case *document.Driver:
		return d.Pool().Stats()
	}
	return pool.Stats{}
}

// Meta describes the backend, the pool and the cache.
func (s *Store) Meta(ctx context.Context) (map[string]string, error) {
	meta, err := s.driver.Meta(ctx)
	if err != nil {
		return nil, err
	}
	stats := s.PoolStats()
	meta["pool_open"] = strconv.Itoa(stats.Open)
	meta["pool_idle"] = strconv.Itoa(stats.Idle)
	meta["pool_waiting"] = strconv.Itoa(stats.Waiting)
	meta["pool_max"] = strconv.Itoa(stats.Max)
	meta["cache_entries"] = strconv.Itoa(s.cache.Len())
	meta["atomic"] = strconv.FormatBool(s.driver.Capabilities().Atomic)
	return meta, nil
}

// Close closes the gateway and the driver.
func (s *Store) Close() error {
	err := errors.Join(s.gateway.Close(), s.driver.Close())
	if err != nil {
		s.logger.Error("error closing storage", "err", err)
	}
	return err
}
