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

package relational

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/pool"
	"github.com/impactdev/impactor/storage"
	"github.com/prometheus/client_golang/prometheus"

	// database/sql drivers of the supported dialects
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	keyColumn       = "record_key"
	schemaTable     = "_impactor_schema"
	defaultPageSize = 256
)

// Config configures the relational driver.
type Config struct {
	// Dialect is one of sqlite, mysql, mariadb or postgres.
	Dialect string
	// DSN overrides the data source name built from the fields below.
	DSN string
	// Path is the database file of the sqlite dialect.
	Path     string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Pool     pool.Config
	Retry    storage.RetryPolicy
	// PageSize is the number of rows a scan fetches per query.
	PageSize int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Dialect:  "sqlite",
		Pool:     pool.DefaultConfig(),
		Retry:    storage.DefaultRetryPolicy(),
		PageSize: defaultPageSize,
	}
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

// querier is implemented by *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// table is the mapping of one collection to its table.
type table struct {
	name       string
	schema     core.Schema
	selectCols string
	upsert     string
}

func newTable(d *Dialect, schema core.Schema) *table {
	cols := make([]string, 0, len(schema.Fields)+1)
	names := make([]string, 0, len(schema.Fields))
	placeholders := make([]string, 0, len(schema.Fields)+1)
	cols = append(cols, d.Quote(keyColumn))
	placeholders = append(placeholders, d.Placeholder(1))
	for i, f := range schema.Fields {
		cols = append(cols, d.Quote(f.Name))
		names = append(names, f.Name)
		placeholders = append(placeholders, d.Placeholder(i+2))
	}
	return &table{
		name:       schema.Collection,
		schema:     schema,
		selectCols: strings.Join(cols, ", "),
		upsert: "INSERT INTO " + d.Quote(schema.Collection) + " (" + strings.Join(cols, ", ") + ") VALUES (" +
			strings.Join(placeholders, ", ") + ")" + d.conflict(d, keyColumn, names),
	}
}

// Driver is the relational storage driver. Each collection maps to a
// table keyed by record_key with one typed column per field.
type Driver struct {
	db       *sql.DB
	dialect  *Dialect
	pool     *pool.Pool[*sql.Conn]
	retry    storage.RetryPolicy
	pageSize int
	logger   *slog.Logger

	// ddlMu serializes table creation and alteration.
	ddlMu sync.Mutex

	mu     sync.RWMutex
	tables map[string]*table
}

var (
	_ storage.Driver        = (*Driver)(nil)
	_ storage.Transactional = (*Driver)(nil)
)

// Open connects to the database described by cfg and prepares the schema
// state table. At least cfg.Pool.Min connections are opened.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Driver, error) {
	o := driverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	dialect, err := LookupDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = dialect.DefaultPort
	}
	if cfg.DSN == "" && dialect.Name == "sqlite" && cfg.Path == "" {
		return nil, fmt.Errorf("%w: sqlite dialect needs a path", core.ErrConfiguration)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	cfg.Pool.Reuse = true

	db, err := sql.Open(dialect.DriverName, dialect.DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	db.SetMaxOpenConns(cfg.Pool.Max)
	db.SetMaxIdleConns(cfg.Pool.Max)

	p, err := pool.New(pool.Factory[*sql.Conn]{
		Open: func(ctx context.Context) (*sql.Conn, error) {
			return db.Conn(ctx)
		},
		Validate: func(ctx context.Context, c *sql.Conn) error {
			return c.PingContext(ctx)
		},
		Close: func(c *sql.Conn) error {
			return c.Close()
		},
		Broken: func(err error) bool {
			return errors.Is(err, driver.ErrBadConn)
		},
	}, cfg.Pool, pool.WithName("relational"), pool.WithLogger(o.logger), pool.WithRegisterer(o.registerer))
	if err != nil {
		db.Close()
		return nil, err
	}

	d := &Driver{
		db:       db,
		dialect:  dialect,
		pool:     p,
		retry:    cfg.Retry,
		pageSize: cfg.PageSize,
		logger:   o.logger.With("driver", "relational", "dialect", dialect.Name),
		tables:   make(map[string]*table),
	}
	if err := p.Start(ctx); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.ensureSchemaTable(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Dialect returns the driver's SQL dialect.
func (d *Driver) Dialect() *Dialect {
	return d.dialect
}

// Pool returns the driver's connection pool.
func (d *Driver) Pool() *pool.Pool[*sql.Conn] {
	return d.pool
}

// do runs fn on an acquired connection, retrying transient failures.
func (d *Driver) do(ctx context.Context, fn func(c *sql.Conn) error) error {
	return storage.RetryDo(ctx, d.retry, d.dialect.IsTransient, func() error {
		return pool.Do(ctx, d.pool, fn)
	})
}

func (d *Driver) table(collection string) (*table, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownCollection, collection)
	}
	return t, nil
}

func (d *Driver) ensureSchemaTable(ctx context.Context) error {
	q := d.dialect
	stmt := "CREATE TABLE IF NOT EXISTS " + q.Quote(schemaTable) + " (" +
		q.Quote("collection") + " " + q.keyType + " PRIMARY KEY, " +
		q.Quote("version") + " BIGINT NOT NULL, " +
		q.Quote("step") + " TEXT, " +
		q.Quote("applied_at") + " BIGINT NOT NULL)" + q.tableOptions
	return d.do(ctx, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx, stmt)
		return err
	})
}

// EnsureCollection creates the collection's table and adds columns for
// fields the table lacks. Existing columns and rows are left untouched.
func (d *Driver) EnsureCollection(ctx context.Context, schema core.Schema) error {
	if err := core.ValidateSchema(schema); err != nil {
		return err
	}
	d.ddlMu.Lock()
	defer d.ddlMu.Unlock()

	q := d.dialect
	tableName := q.Quote(schema.Collection)
	defs := []string{q.Quote(keyColumn) + " " + q.keyType + " PRIMARY KEY"}
	for _, f := range schema.Fields {
		defs = append(defs, q.Quote(f.Name)+" "+q.ColumnType(f.Type))
	}
	create := "CREATE TABLE IF NOT EXISTS " + tableName + " (" + strings.Join(defs, ", ") + ")" + q.tableOptions

	err := d.do(ctx, func(c *sql.Conn) error {
		if _, err := c.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("create table %s: %w", schema.Collection, err)
		}
		existing, err := columns(ctx, c, tableName)
		if err != nil {
			return err
		}
		for _, f := range schema.Fields {
			if _, ok := existing[strings.ToLower(f.Name)]; ok {
				continue
			}
			alter := "ALTER TABLE " + tableName + " ADD COLUMN " + q.Quote(f.Name) + " " + q.ColumnType(f.Type)
			if _, err := c.ExecContext(ctx, alter); err != nil && !isAlreadyExists(err) {
				return fmt.Errorf("add column %s.%s: %w", schema.Collection, f.Name, err)
			}
			d.logger.Info("column added", "collection", schema.Collection, "field", f.Name, "type", f.Type)
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.tables[schema.Collection] = newTable(q, schema)
	d.mu.Unlock()
	return nil
}

// columns returns the lower-cased column names of a table.
func columns(ctx context.Context, q querier, tableName string) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, "SELECT * FROM "+tableName+" WHERE 1 = 0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[strings.ToLower(n)] = struct{}{}
	}
	return out, rows.Err()
}

// isAlreadyExists reports whether DDL failed because a concurrent process
// applied it first.
func isAlreadyExists(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column")
}

// Get retrieves the record stored under key.
func (d *Driver) Get(ctx context.Context, collection, key string) (core.Record, bool, error) {
	t, err := d.table(collection)
	if err != nil {
		return nil, false, err
	}
	if err := core.ValidateKey(key); err != nil {
		return nil, false, err
	}
	var (
		record core.Record
		found  bool
	)
	err = d.do(ctx, func(c *sql.Conn) error {
		record, found, err = d.get(ctx, c, t, key)
		return err
	})
	return record, found, err
}

func (d *Driver) get(ctx context.Context, q querier, t *table, key string) (core.Record, bool, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+t.selectCols+" FROM "+d.dialect.Quote(t.name)+
		" WHERE "+d.dialect.Quote(keyColumn)+" = "+d.dialect.Placeholder(1), key)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	_, record, err := scanRow(rows, t)
	if err != nil {
		return nil, false, err
	}
	return record, true, rows.Err()
}

// Put stores a record under key, replacing every column of an existing row.
func (d *Driver) Put(ctx context.Context, collection, key string, record core.Record) error {
	t, err := d.table(collection)
	if err != nil {
		return err
	}
	args, err := encodeRow(t, key, record)
	if err != nil {
		return err
	}
	return d.do(ctx, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx, t.upsert, args...)
		return err
	})
}

// Delete removes the row stored under key.
func (d *Driver) Delete(ctx context.Context, collection, key string) (bool, error) {
	t, err := d.table(collection)
	if err != nil {
		return false, err
	}
	if err := core.ValidateKey(key); err != nil {
		return false, err
	}
	var existed bool
	err = d.do(ctx, func(c *sql.Conn) error {
		existed, err = d.delete(ctx, c, t, key)
		return err
	})
	return existed, err
}

func (d *Driver) delete(ctx context.Context, q querier, t *table, key string) (bool, error) {
	res, err := q.ExecContext(ctx, "DELETE FROM "+d.dialect.Quote(t.name)+
		" WHERE "+d.dialect.Quote(keyColumn)+" = "+d.dialect.Placeholder(1), key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// BatchWrite applies mutations in order inside one transaction. The first
// failing element rolls the whole batch back and is reported as a
// *storage.BatchError.
func (d *Driver) BatchWrite(ctx context.Context, collection string, mutations []storage.Mutation) error {
	t, err := d.table(collection)
	if err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}
	return d.do(ctx, func(c *sql.Conn) error {
		tx, err := c.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for i, m := range mutations {
			if err := d.apply(ctx, tx, t, m); err != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					d.logger.Warn("rollback failed", "collection", collection, "error", rbErr)
				}
				return &storage.BatchError{Collection: collection, Key: m.Key, Index: i, Err: err}
			}
		}
		return tx.Commit()
	})
}

func (d *Driver) apply(ctx context.Context, q querier, t *table, m storage.Mutation) error {
	if m.IsDelete() {
		if err := core.ValidateKey(m.Key); err != nil {
			return err
		}
		_, err := d.delete(ctx, q, t, m.Key)
		return err
	}
	args, err := encodeRow(t, m.Key, m.Record)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, t.upsert, args...)
	return err
}

// Scan yields matching rows ordered by key, one page per query. No
// connection is held while the caller consumes a page.
func (d *Driver) Scan(ctx context.Context, collection string, pred *core.Predicate) iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		t, err := d.table(collection)
		if err != nil {
			yield(storage.Entry{}, err)
			return
		}
		pred, err = pred.Validate(t.schema)
		if err != nil {
			yield(storage.Entry{}, err)
			return
		}
		after, first := "", true
		for {
			var page []storage.Entry
			query, args := d.pageQuery(t, pred, after, first)
			err := d.do(ctx, func(c *sql.Conn) error {
				page = page[:0]
				rows, err := c.QueryContext(ctx, query, args...)
				if err != nil {
					return err
				}
				defer rows.Close()
				for rows.Next() {
					key, record, err := scanRow(rows, t)
					if err != nil {
						return err
					}
					page = append(page, storage.Entry{Key: key, Record: record})
				}
				return rows.Err()
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
			after, first = page[len(page)-1].Key, false
		}
	}
}

// pageQuery builds the query of one scan page.
func (d *Driver) pageQuery(t *table, pred *core.Predicate, after string, first bool) (string, []any) {
	q := d.dialect
	var (
		conds []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return q.Placeholder(len(args))
	}
	if !first {
		conds = append(conds, q.Quote(keyColumn)+" > "+bind(after))
	}
	if pred != nil {
		for _, c := range pred.Conditions {
			conds = append(conds, d.condition(c, bind))
		}
	}
	var b strings.Builder
	b.WriteString("SELECT " + t.selectCols + " FROM " + q.Quote(t.name))
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY " + q.Quote(keyColumn) + " LIMIT " + strconv.Itoa(d.pageSize))
	return b.String(), args
}

var sqlOps = map[core.Op]string{
	core.OpEq:  "=",
	core.OpNe:  "<>",
	core.OpLt:  "<",
	core.OpLte: "<=",
	core.OpGt:  ">",
	core.OpGte: ">=",
}

// condition renders one validated condition. NULL columns never satisfy
// a comparison, so absent fields never match.
func (d *Driver) condition(c core.Condition, bind func(any) string) string {
	if c.Op == core.OpPrefix {
		return d.dialect.prefix(d.dialect, c.Field, bind(d.dialect.prefixArg(c.Value.(string))))
	}
	return d.dialect.Quote(c.Field) + " " + sqlOps[c.Op] + " " + bind(c.Value)
}

// encodeRow conforms a record to the table schema and returns the upsert
// arguments: the key followed by one value per field, NULL when absent.
func encodeRow(t *table, key string, record core.Record) ([]any, error) {
	if err := core.ValidateKey(key); err != nil {
		return nil, err
	}
	conformed, err := t.schema.Conform(record)
	if err != nil {
		return nil, err
	}
	args := make([]any, 0, len(t.schema.Fields)+1)
	args = append(args, key)
	for _, f := range t.schema.Fields {
		v, ok := conformed[f.Name]
		switch {
		case !ok:
			args = append(args, nil)
		case f.Type == core.FieldDocument:
			doc, err := encodeDocument(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %v", core.ErrSerialization, t.name, f.Name, err)
			}
			args = append(args, doc)
		default:
			args = append(args, v)
		}
	}
	return args, nil
}

// scanRow reads one row selected with table.selectCols.
func scanRow(rows *sql.Rows, t *table) (string, core.Record, error) {
	var key string
	dest := make([]any, 0, len(t.schema.Fields)+1)
	dest = append(dest, &key)
	for _, f := range t.schema.Fields {
		switch f.Type {
		case core.FieldInt:
			dest = append(dest, new(sql.NullInt64))
		case core.FieldFloat:
			dest = append(dest, new(sql.NullFloat64))
		case core.FieldBool:
			dest = append(dest, new(sql.NullBool))
		default:
			dest = append(dest, new(sql.NullString))
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return "", nil, fmt.Errorf("%w: %s: %w", core.ErrSerialization, t.name, err)
	}

	record := make(core.Record, len(t.schema.Fields))
	for i, f := range t.schema.Fields {
		switch v := dest[i+1].(type) {
		case *sql.NullInt64:
			if v.Valid {
				record[f.Name] = v.Int64
			}
		case *sql.NullFloat64:
			if v.Valid {
				record[f.Name] = v.Float64
			}
		case *sql.NullBool:
			if v.Valid {
				record[f.Name] = v.Bool
			}
		case *sql.NullString:
			if !v.Valid {
				continue
			}
			if f.Type != core.FieldDocument {
				record[f.Name] = v.String
				continue
			}
			doc, err := decodeDocument(v.String)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %s.%s of %q: %w", core.ErrSerialization, t.name, f.Name, key, err)
			}
			record[f.Name] = doc
		}
	}
	return key, record, nil
}

// Capabilities reports that batches and transactions are atomic.
func (d *Driver) Capabilities() storage.Capabilities {
	return storage.Capabilities{Atomic: true}
}

// Atomic runs fn inside one SQL transaction on one connection. The
// transaction commits when fn returns nil and rolls back otherwise.
// Transient failures are not retried, since fn may not be safe to re-run.
func (d *Driver) Atomic(ctx context.Context, fn func(ops storage.Ops) error) error {
	return pool.Do(ctx, d.pool, func(c *sql.Conn) error {
		tx, err := c.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(&txOps{driver: d, tx: tx}); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				d.logger.Warn("rollback failed", "error", rbErr)
			}
			return err
		}
		return tx.Commit()
	})
}

// txOps binds single-record operations to one transaction.
type txOps struct {
	driver *Driver
	tx     *sql.Tx
}

func (o *txOps) Get(ctx context.Context, collection, key string) (core.Record, bool, error) {
	t, err := o.driver.table(collection)
	if err != nil {
		return nil, false, err
	}
	if err := core.ValidateKey(key); err != nil {
		return nil, false, err
	}
	return o.driver.get(ctx, o.tx, t, key)
}

func (o *txOps) Put(ctx context.Context, collection, key string, record core.Record) error {
	t, err := o.driver.table(collection)
	if err != nil {
		return err
	}
	return o.driver.apply(ctx, o.tx, t, storage.Mutation{Key: key, Record: record})
}

func (o *txOps) Delete(ctx context.Context, collection, key string) (bool, error) {
	t, err := o.driver.table(collection)
	if err != nil {
		return false, err
	}
	if err := core.ValidateKey(key); err != nil {
		return false, err
	}
	return o.driver.delete(ctx, o.tx, t, key)
}

// SchemaState returns the persisted schema state of a collection.
func (d *Driver) SchemaState(ctx context.Context, collection string) (storage.SchemaState, error) {
	q := d.dialect
	query := "SELECT " + q.Quote("version") + ", " + q.Quote("step") + ", " + q.Quote("applied_at") +
		" FROM " + q.Quote(schemaTable) + " WHERE " + q.Quote("collection") + " = " + q.Placeholder(1)
	state := storage.SchemaState{Collection: collection, Version: storage.NoSchemaVersion}
	err := d.do(ctx, func(c *sql.Conn) error {
		var (
			version   int64
			step      sql.NullString
			appliedAt int64
		)
		err := c.QueryRowContext(ctx, query, collection).Scan(&version, &step, &appliedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		state.Version = int(version)
		state.Step = step.String
		if appliedAt != 0 {
			state.AppliedAt = time.UnixMilli(appliedAt).UTC()
		}
		return nil
	})
	return state, err
}

// SetSchemaState persists the schema state of a collection.
func (d *Driver) SetSchemaState(ctx context.Context, state storage.SchemaState) error {
	q := d.dialect
	cols := []string{"collection", "version", "step", "applied_at"}
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = q.Quote(c)
		placeholders[i] = q.Placeholder(i + 1)
	}
	stmt := "INSERT INTO " + q.Quote(schemaTable) + " (" + strings.Join(quoted, ", ") + ") VALUES (" +
		strings.Join(placeholders, ", ") + ")" + q.conflict(q, "collection", cols[1:])
	var appliedAt int64
	if !state.AppliedAt.IsZero() {
		appliedAt = state.AppliedAt.UnixMilli()
	}
	return d.do(ctx, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx, stmt, state.Collection, int64(state.Version), state.Step, appliedAt)
		return err
	})
}

// Meta describes the database and connection usage.
func (d *Driver) Meta(ctx context.Context) (map[string]string, error) {
	var (
		version     string
		collections int64
	)
	err := d.do(ctx, func(c *sql.Conn) error {
		if err := c.QueryRowContext(ctx, d.dialect.versionQuery).Scan(&version); err != nil {
			return err
		}
		return c.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+d.dialect.Quote(schemaTable)).Scan(&collections)
	})
	if err != nil {
		return nil, err
	}
	dbStats := d.db.Stats()
	poolStats := d.pool.Stats()
	return map[string]string{
		"kind":             "relational",
		"dialect":          d.dialect.Name,
		"driver":           d.dialect.DriverName,
		"server_version":   version,
		"collections":      strconv.FormatInt(collections, 10),
		"open_connections": strconv.Itoa(dbStats.OpenConnections),
		"pool_in_use":      strconv.Itoa(poolStats.InUse),
		"pool_max":         strconv.Itoa(poolStats.Max),
	}, nil
}

// Close closes the connection pool and the database handle.
func (d *Driver) Close() error {
	return errors.Join(d.pool.Close(), d.db.Close())
}
