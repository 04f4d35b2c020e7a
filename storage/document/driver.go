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

package document

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/pool"
	"github.com/impactdev/impactor/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	schemaCollection = "_impactor_schema"
	defaultPageSize  = 256
	defaultDatabase  = "impactor"
	defaultPort      = 27017
)

// Config configures the document driver.
type Config struct {
	// URI overrides the connection string built from the fields below.
	URI        string
	Host       string
	Port       int
	Database   string
	Username   string
	Password   string
	AuthSource string
	// Pool bounds concurrent sessions. Sessions are not reused; the
	// client keeps its own connection pool sized from Pool.Max.
	Pool  pool.Config
	Retry storage.RetryPolicy
	// PageSize is the number of documents a scan fetches per query.
	PageSize int
	// ConnectTimeout bounds server selection while opening the driver.
	ConnectTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	cfg := Config{
		Host:           "localhost",
		Port:           defaultPort,
		Database:       defaultDatabase,
		Pool:           pool.DefaultConfig(),
		Retry:          storage.DefaultRetryPolicy(),
		PageSize:       defaultPageSize,
		ConnectTimeout: 10 * time.Second,
	}
	cfg.Pool.Reuse = false
	return cfg
}

// ConnectionURI returns the connection string of cfg.
func (cfg Config) ConnectionURI() string {
	if cfg.URI != "" {
		return cfg.URI
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	u := url.URL{Scheme: "mongodb", Host: net.JoinHostPort(cfg.Host, strconv.Itoa(port)), Path: "/"}
	return u.String()
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

// Driver is the document storage driver. Each collection maps to a
// collection of the configured database with the record key as _id.
type Driver struct {
	client   *mongo.Client
	db       *mongo.Database
	pool     *pool.Pool[*mongo.Session]
	retry    storage.RetryPolicy
	pageSize int
	logger   *slog.Logger

	mu      sync.RWMutex
	schemas map[string]core.Schema
}

var _ storage.Driver = (*Driver)(nil)

// Open connects to the server described by cfg and checks that it is
// reachable.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Driver, error) {
	o := driverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.URI == "" && cfg.Host == "" {
		return nil, fmt.Errorf("%w: document backend needs a host or uri", core.ErrConfiguration)
	}
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	cfg.Pool.Reuse = false

	clientOpts := options.Client().
		ApplyURI(cfg.ConnectionURI()).
		SetMaxPoolSize(uint64(max(cfg.Pool.Max, 1))).
		SetMinPoolSize(uint64(max(cfg.Pool.Min, 0))).
		SetServerSelectionTimeout(cfg.ConnectTimeout)
	if cfg.Username != "" {
		clientOpts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}

	p, err := pool.New(pool.Factory[*mongo.Session]{
		Open: func(ctx context.Context) (*mongo.Session, error) {
			return client.StartSession()
		},
		Close: func(s *mongo.Session) error {
			s.EndSession(context.Background())
			return nil
		},
	}, cfg.Pool, pool.WithName("document"), pool.WithLogger(o.logger), pool.WithRegisterer(o.registerer))
	if err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	d := &Driver{
		client:   client,
		db:       client.Database(cfg.Database),
		pool:     p,
		retry:    cfg.Retry,
		pageSize: cfg.PageSize,
		logger:   o.logger.With("driver", "document", "database", cfg.Database),
		schemas:  make(map[string]core.Schema),
	}
	err = storage.RetryDo(ctx, d.retry, isTransient, func() error {
		return client.Ping(ctx, readpref.Primary())
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Pool returns the driver's session pool.
func (d *Driver) Pool() *pool.Pool[*mongo.Session] {
	return d.pool
}

// isTransient reports whether err is a network failure, a timeout or a
// server error labelled as retryable.
func isTransient(err error) bool {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("TransientTransactionError")
	}
	return false
}

// do runs fn in the context of an acquired session, retrying transient
// failures.
func (d *Driver) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return storage.RetryDo(ctx, d.retry, isTransient, func() error {
		return pool.Do(ctx, d.pool, func(s *mongo.Session) error {
			return fn(mongo.NewSessionContext(ctx, s))
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

// encode conforms a record to the collection schema and renders it.
func (d *Driver) encode(collection, key string, record core.Record) (bson.D, error) {
	s, err := d.schema(collection)
	if err != nil {
		return nil, err
	}
	if err := core.ValidateKey(key); err != nil {
		return nil, err
	}
	conformed, err := s.Conform(record)
	if err != nil {
		return nil, err
	}
	return toDocument(key, conformed), nil
}

func byKey(key string) bson.D {
	return bson.D{{Key: idField, Value: key}}
}

// Get retrieves the document stored under key.
func (d *Driver) Get(ctx context.Context, collection, key string) (core.Record, bool, error) {
	if err := d.check(collection, key); err != nil {
		return nil, false, err
	}
	var doc bson.D
	err := d.do(ctx, func(ctx context.Context) error {
		doc = nil
		err := d.db.Collection(collection).FindOne(ctx, byKey(key)).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		return err
	})
	if err != nil || doc == nil {
		return nil, false, err
	}
	_, record, err := fromDocument(doc)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// Put replaces the document stored under key, inserting it if absent.
func (d *Driver) Put(ctx context.Context, collection, key string, record core.Record) error {
	doc, err := d.encode(collection, key, record)
	if err != nil {
		return err
	}
	return d.do(ctx, func(ctx context.Context) error {
		_, err := d.db.Collection(collection).ReplaceOne(ctx, byKey(key), doc, options.Replace().SetUpsert(true))
		return err
	})
}

// Delete removes the document stored under key.
func (d *Driver) Delete(ctx context.Context, collection, key string) (bool, error) {
	if err := d.check(collection, key); err != nil {
		return false, err
	}
	var existed bool
	err := d.do(ctx, func(ctx context.Context) error {
		res, err := d.db.Collection(collection).DeleteOne(ctx, byKey(key))
		if err != nil {
			return err
		}
		existed = res.DeletedCount > 0
		return nil
	})
	return existed, err
}

// BatchWrite applies mutations as one ordered bulk write. Every element is
// encoded before anything is sent. The server stops at the first failing
// element; the elements before it stay applied.
func (d *Driver) BatchWrite(ctx context.Context, collection string, mutations []storage.Mutation) error {
	if _, err := d.schema(collection); err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, len(mutations))
	for i, m := range mutations {
		if m.IsDelete() {
			if err := core.ValidateKey(m.Key); err != nil {
				return &storage.BatchError{Collection: collection, Key: m.Key, Index: i, Err: err}
			}
			models[i] = mongo.NewDeleteOneModel().SetFilter(byKey(m.Key))
			continue
		}
		doc, err := d.encode(collection, m.Key, m.Record)
		if err != nil {
			return &storage.BatchError{Collection: collection, Key: m.Key, Index: i, Err: err}
		}
		models[i] = mongo.NewReplaceOneModel().SetFilter(byKey(m.Key)).SetReplacement(doc).SetUpsert(true)
	}

	return d.do(ctx, func(ctx context.Context) error {
		_, err := d.db.Collection(collection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
			we := bwe.WriteErrors[0]
			if we.Index >= 0 && we.Index < len(mutations) {
				return &storage.BatchError{
					Collection: collection,
					Key:        mutations[we.Index].Key,
					Index:      we.Index,
					Err:        errors.New(we.Message),
				}
			}
		}
		return err
	})
}

// Scan yields matching documents ordered by _id, one page per query. No
// session is held while the caller consumes a page.
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
		findOpts := options.Find().
			SetSort(bson.D{{Key: idField, Value: 1}}).
			SetLimit(int64(d.pageSize))

		var after *string
		for {
			var page []storage.Entry
			query := filter(pred, after)
			err := d.do(ctx, func(ctx context.Context) error {
				page = page[:0]
				cur, err := d.db.Collection(collection).Find(ctx, query, findOpts)
				if err != nil {
					return err
				}
				defer cur.Close(ctx)
				for cur.Next(ctx) {
					var doc bson.D
					if err := cur.Decode(&doc); err != nil {
						return fmt.Errorf("%w: %s: %w", core.ErrSerialization, collection, err)
					}
					key, record, err := fromDocument(doc)
					if err != nil {
						return err
					}
					page = append(page, storage.Entry{Key: key, Record: record})
				}
				return cur.Err()
			})
			if err != nil {
				yield(storage.Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < d.pageSize {
				return
			}
			last := page[len(page)-1].Key
			after = &last
		}
	}
}

// Capabilities reports that batch writes are not atomic.
func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{Atomic: false}
}

// EnsureCollection records the schema of a collection. The server creates
// collections on first write.
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

type schemaDoc struct {
	Collection string    `bson:"_id"`
	Version    int64     `bson:"version"`
	Step       string    `bson:"step,omitempty"`
	AppliedAt  time.Time `bson:"applied_at"`
}

// SchemaState returns the persisted schema state of a collection.
func (d *Driver) SchemaState(ctx context.Context, collection string) (storage.SchemaState, error) {
	state := storage.SchemaState{Collection: collection, Version: storage.NoSchemaVersion}
	err := d.do(ctx, func(ctx context.Context) error {
		var doc schemaDoc
		err := d.db.Collection(schemaCollection).FindOne(ctx, byKey(collection)).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		if err != nil {
			return err
		}
		state.Version = int(doc.Version)
		state.Step = doc.Step
		if !doc.AppliedAt.IsZero() {
			state.AppliedAt = doc.AppliedAt.UTC()
		}
		return nil
	})
	return state, err
}

// SetSchemaState persists the schema state of a collection.
func (d *Driver) SetSchemaState(ctx context.Context, state storage.SchemaState) error {
	doc := schemaDoc{
		Collection: state.Collection,
		Version:    int64(state.Version),
		Step:       state.Step,
		AppliedAt:  state.AppliedAt,
	}
	return d.do(ctx, func(ctx context.Context) error {
		_, err := d.db.Collection(schemaCollection).ReplaceOne(ctx, byKey(state.Collection), doc, options.Replace().SetUpsert(true))
		return err
	})
}

// Meta describes the server and session usage.
func (d *Driver) Meta(ctx context.Context) (map[string]string, error) {
	var (
		info        bson.M
		collections int64
	)
	err := d.do(ctx, func(ctx context.Context) error {
		if err := d.client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
			return err
		}
		var err error
		collections, err = d.db.Collection(schemaCollection).CountDocuments(ctx, bson.D{})
		return err
	})
	if err != nil {
		return nil, err
	}
	version, _ := info["version"].(string)
	stats := d.pool.Stats()
	return map[string]string{
		"kind":           "document",
		"database":       d.db.Name(),
		"server_version": version,
		"collections":    strconv.FormatInt(collections, 10),
		"sessions_open":  strconv.Itoa(d.client.NumberSessionsInProgress()),
		"pool_in_use":    strconv.Itoa(stats.InUse),
		"pool_max":       strconv.Itoa(stats.Max),
	}, nil
}

// Close ends open sessions and disconnects the client.
func (d *Driver) Close() error {
	poolErr := d.pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(poolErr, d.client.Disconnect(ctx))
}
