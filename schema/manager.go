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

package schema

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/storage"
	"github.com/panjf2000/ants/v2"
)

// Step is one named migration of a collection.
type Step struct {
	Name string
	// Fields are added to the schema, or change the type of a declared
	// field, before Transform runs.
	Fields []core.Field
	// Transform rewrites one stored record. A nil result deletes the
	// record. A step without Transform only extends the schema.
	Transform func(core.Record) (core.Record, error)
}

// State is the readiness of one collection.
type State int

const (
	StateUnchecked State = iota
	StateChecking
	StateUpToDate
	StateMigrating
	StateReady
	StateFailed
)

var stateNames = map[State]string{
	StateUnchecked: "unchecked",
	StateChecking:  "checking",
	StateUpToDate:  "up-to-date",
	StateMigrating: "migrating",
	StateReady:     "ready",
	StateFailed:    "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	defaultBatchSize = 256
	defaultWorkers   = 4
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBatchSize sets how many transformed records are written per batch.
func WithBatchSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.batchSize = size
		}
	}
}

// WithWorkers sets how many collections EnsureAll readies concurrently.
func WithWorkers(workers int) Option {
	return func(m *Manager) {
		if workers > 0 {
			m.workers = workers
		}
	}
}

// WithProgress reports record transforms to w.
func WithProgress(w io.Writer) Option {
	return func(m *Manager) {
		m.progress = w
	}
}

type collection struct {
	base     core.Schema
	steps    []Step
	target   core.Schema
	attached bool

	// run serializes EnsureReady calls for the collection.
	run sync.Mutex

	// guarded by Manager.mu
	state State
	err   error
}

// schemaAt returns the schema of the collection at the given version.
func (c *collection) schemaAt(version int) core.Schema {
	s := c.base
	for _, step := range c.steps[:max(version, 0)] {
		s = s.With(step.Fields...)
	}
	return s
}

// Manager tracks the readiness of every registered collection of one
// driver.
type Manager struct {
	driver    storage.Driver
	logger    *slog.Logger
	batchSize int
	workers   int
	progress  io.Writer
	now       func() time.Time

	mu          sync.Mutex
	collections map[string]*collection
}

// NewManager creates a manager for the collections of driver.
func NewManager(driver storage.Driver, opts ...Option) *Manager {
	m := &Manager{
		driver:      driver,
		logger:      slog.Default(),
		batchSize:   defaultBatchSize,
		workers:     defaultWorkers,
		now:         time.Now,
		collections: make(map[string]*collection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register declares a collection with its base schema and migration
// steps. The expected version of the collection is len(steps).
func (m *Manager) Register(base core.Schema, steps ...Step) error {
	c := &collection{base: base, steps: slices.Clone(steps), state: StateUnchecked}
	if err := core.ValidateSchema(base); err != nil {
		return fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	names := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return fmt.Errorf("%w: %s: step %d has no name", core.ErrConfiguration, base.Collection, i)
		}
		if _, dup := names[step.Name]; dup {
			return fmt.Errorf("%w: %s: duplicate step %q", core.ErrConfiguration, base.Collection, step.Name)
		}
		names[step.Name] = struct{}{}
	}
	c.target = c.schemaAt(len(steps))
	if err := core.ValidateSchema(c.target); err != nil {
		return fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	return m.add(c)
}

// Attach declares a collection that is only ever addressed, never
// migrated. Its structure is ensured as given. A later Register of the
// same collection replaces the attachment until the collection is
// checked.
func (m *Manager) Attach(s core.Schema) error {
	if err := core.ValidateSchema(s); err != nil {
		return fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	return m.add(&collection{base: s, target: s, attached: true, state: StateUnchecked})
}

func (m *Manager) add(c *collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// a registration supersedes an attachment that was never checked
	if prev, ok := m.collections[c.base.Collection]; ok &&
		!(prev.attached && !c.attached && prev.state == StateUnchecked) {
		return fmt.Errorf("%w: collection %s is already registered", core.ErrConfiguration, c.base.Collection)
	}
	m.collections[c.base.Collection] = c
	return nil
}

func (m *Manager) lookup(name string) (*collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownCollection, name)
	}
	return c, nil
}

// Collections returns the names of the registered collections in order.
func (m *Manager) Collections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Schema returns the schema a collection has once it is ready.
func (m *Manager) Schema(name string) (core.Schema, error) {
	c, err := m.lookup(name)
	if err != nil {
		return core.Schema{}, err
	}
	return c.target, nil
}

// Expected returns the version a collection is migrated to.
func (m *Manager) Expected(name string) (int, error) {
	c, err := m.lookup(name)
	if err != nil {
		return 0, err
	}
	return len(c.steps), nil
}

// State returns the readiness of a collection. Unknown collections are
// reported as unchecked.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return StateUnchecked
	}
	return c.state
}

func (m *Manager) setState(c *collection, state State) {
	m.mu.Lock()
	prev := c.state
	c.state = state
	m.mu.Unlock()
	if prev != state {
		m.logger.Debug("collection state changed", "collection", c.base.Collection, "from", prev, "to", state)
	}
}

func (m *Manager) fail(c *collection, err *MigrationError) error {
	m.mu.Lock()
	c.state = StateFailed
	c.err = err
	m.mu.Unlock()
	m.logger.Error("collection migration failed",
		"collection", c.base.Collection, "step", err.Step, "last_version", err.LastVersion, "error", err.Err)
	return err
}

// Require returns the schema of a ready collection, readying it first if
// it was never checked. A failed collection is refused with its
// *MigrationError.
func (m *Manager) Require(ctx context.Context, name string) (core.Schema, error) {
	c, err := m.lookup(name)
	if err != nil {
		return core.Schema{}, err
	}
	m.mu.Lock()
	state, failure := c.state, c.err
	m.mu.Unlock()
	switch state {
	case StateReady:
		return c.target, nil
	case StateFailed:
		return core.Schema{}, failure
	}
	if err := m.EnsureReady(ctx, name); err != nil {
		return core.Schema{}, err
	}
	return c.target, nil
}

// Ready returns the schema of a collection without doing any readiness
// work. The boolean is false while the collection is not ready yet; a
// failed collection returns its *MigrationError.
func (m *Manager) Ready(name string) (core.Schema, bool, error) {
	c, err := m.lookup(name)
	if err != nil {
		return core.Schema{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch c.state {
	case StateReady:
		return c.target, true, nil
	case StateFailed:
		return core.Schema{}, false, c.err
	}
	return core.Schema{}, false, nil
}

// EnsureReady brings a collection to its expected version. Pending steps
// are applied one at a time; each is recorded before the next starts.
// Cancellation of ctx and an exhausted connection pool leave the
// collection unchecked so a later call resumes it. Any other failure
// leaves it failed for the lifetime of the manager.
func (m *Manager) EnsureReady(ctx context.Context, name string) error {
	c, err := m.lookup(name)
	if err != nil {
		return err
	}
	c.run.Lock()
	defer c.run.Unlock()

	m.mu.Lock()
	state, failure := c.state, c.err
	m.mu.Unlock()
	switch state {
	case StateReady:
		return nil
	case StateFailed:
		return failure
	}

	err = m.ensure(ctx, c)
	if err == nil {
		m.setState(c, StateReady)
		return nil
	}
	var migrationErr *MigrationError
	if (ctx.Err() != nil && errors.Is(err, ctx.Err())) || errors.Is(err, core.ErrPoolExhausted) {
		m.setState(c, StateUnchecked)
		m.logger.Warn("collection readiness deferred", "collection", c.base.Collection, "error", err)
		return err
	}
	if errors.As(err, &migrationErr) {
		return m.fail(c, migrationErr)
	}
	return m.fail(c, &MigrationError{Collection: c.base.Collection, LastVersion: storage.NoSchemaVersion, Err: err})
}

func (m *Manager) ensure(ctx context.Context, c *collection) error {
	name := c.base.Collection
	m.setState(c, StateChecking)

	persisted, err := m.driver.SchemaState(ctx, name)
	if err != nil {
		return &MigrationError{Collection: name, LastVersion: storage.NoSchemaVersion, Err: err}
	}
	version := persisted.Version
	expected := len(c.steps)

	if c.attached {
		if err := m.driver.EnsureCollection(ctx, c.target); err != nil {
			return &MigrationError{Collection: name, LastVersion: version, Err: err}
		}
		if version == storage.NoSchemaVersion {
			if err := m.record(ctx, name, 0, ""); err != nil {
				return &MigrationError{Collection: name, LastVersion: version, Err: err}
			}
		}
		m.setState(c, StateUpToDate)
		return nil
	}

	if version > expected {
		return &MigrationError{
			Collection:  name,
			LastVersion: version,
			Err:         fmt.Errorf("stored version %d is newer than the %d registered steps", version, expected),
		}
	}
	if version == storage.NoSchemaVersion {
		if err := m.driver.EnsureCollection(ctx, c.base); err != nil {
			return &MigrationError{Collection: name, LastVersion: version, Err: err}
		}
		if err := m.record(ctx, name, 0, ""); err != nil {
			return &MigrationError{Collection: name, LastVersion: version, Err: err}
		}
		m.logger.Info("collection created", "collection", name)
		version = 0
	} else if err := m.driver.EnsureCollection(ctx, c.schemaAt(version)); err != nil {
		return &MigrationError{Collection: name, LastVersion: version, Err: err}
	}

	if version == expected {
		m.setState(c, StateUpToDate)
		return nil
	}

	m.setState(c, StateMigrating)
	m.logger.Info("migrating collection", "collection", name, "from", version, "to", expected)
	for k := version; k < expected; k++ {
		step := c.steps[k]
		start := time.Now()
		count, err := m.apply(ctx, c, k)
		if err != nil {
			return &MigrationError{Collection: name, Step: step.Name, LastVersion: k, Err: err}
		}
		if err := m.record(ctx, name, k+1, step.Name); err != nil {
			return &MigrationError{Collection: name, Step: step.Name, LastVersion: k, Err: err}
		}
		m.logger.Info("migration step applied",
			"collection", name, "step", step.Name, "version", k+1, "records", count, "duration", time.Since(start))
	}
	m.setState(c, StateUpToDate)
	return nil
}

func (m *Manager) record(ctx context.Context, name string, version int, step string) error {
	return m.driver.SetSchemaState(ctx, storage.SchemaState{
		Collection: name,
		Version:    version,
		Step:       step,
		AppliedAt:  m.now().UTC(),
	})
}

// apply runs step k of a collection and returns how many records it
// rewrote or deleted.
func (m *Manager) apply(ctx context.Context, c *collection, k int) (int, error) {
	step := c.steps[k]
	schema := c.schemaAt(k + 1)
	if err := m.driver.EnsureCollection(ctx, schema); err != nil {
		return 0, err
	}
	if step.Transform == nil {
		return 0, nil
	}

	var tracker *ProgressTracker
	if m.progress != nil {
		total, err := m.count(ctx, c.base.Collection)
		if err != nil {
			return 0, err
		}
		tracker = NewProgressTracker(m.progress, c.base.Collection+" "+step.Name, total, m.batchSize)
		tracker.Start()
		defer tracker.Finish()
	}

	var (
		batch   []storage.Mutation
		written int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := m.driver.BatchWrite(ctx, c.base.Collection, batch); err != nil {
			return err
		}
		written += len(batch)
		if tracker != nil {
			tracker.Increment(len(batch))
		}
		batch = batch[:0]
		return nil
	}

	for entry, err := range m.driver.Scan(ctx, c.base.Collection, nil) {
		if err != nil {
			return written, err
		}
		out, err := step.Transform(entry.Record.Clone())
		if err != nil {
			return written, fmt.Errorf("transforming %q: %w", entry.Key, err)
		}
		if out != nil {
			if out, err = schema.Conform(out); err != nil {
				return written, fmt.Errorf("transforming %q: %w", entry.Key, err)
			}
		}
		batch = append(batch, storage.Mutation{Key: entry.Key, Record: out})
		if len(batch) >= m.batchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	return written, flush()
}

func (m *Manager) count(ctx context.Context, name string) (int, error) {
	n := 0
	for _, err := range m.driver.Scan(ctx, name, nil) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// EnsureAll readies every registered collection, several at a time. It
// returns the joined errors of the collections that failed.
func (m *Manager) EnsureAll(ctx context.Context) error {
	names := m.Collections()
	if len(names) == 0 {
		return nil
	}
	workers, err := ants.NewPool(min(m.workers, len(names)))
	if err != nil {
		return err
	}
	defer workers.Release()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		wg.Add(1)
		err := workers.Submit(func() {
			defer wg.Done()
			if err := m.EnsureReady(ctx, name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			mu.Unlock()
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}
