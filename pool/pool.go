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

// Package pool provides a bounded pool of backend handles with scoped
// acquisition.
//
// A Pool never holds more than Config.Max handles, counting idle handles,
// handles in use and handles being opened. Callers that find the pool
// saturated wait in FIFO order until a handle is released, the acquire
// timeout elapses (core.ErrPoolExhausted) or their context is cancelled.
//
// Handles must be released on every path. With and Do do this for the
// caller:
//
//	err := pool.Do(ctx, p, func(conn *sql.Conn) error {
//	    _, err := conn.ExecContext(ctx, "...")
//	    return err
//	})
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Factory opens, probes and closes backend handles.
type Factory[T any] struct {
	// Open creates a new handle.
	Open func(ctx context.Context) (T, error)
	// Validate probes an idle handle before it is handed out. Optional.
	Validate func(ctx context.Context, h T) error
	// Close releases a handle.
	Close func(h T) error
	// Broken reports whether an error returned by work done in With or Do
	// means the handle must not be reused. Optional.
	Broken func(err error) bool
}

// Config sizes a pool.
type Config struct {
	// Min handles are opened by Start.
	Min int
	// Max bounds the number of open handles.
	Max int
	// AcquireTimeout bounds how long Acquire waits for a free handle.
	AcquireTimeout time.Duration
	// HealthRetries bounds the replacement attempts made when handles
	// fail validation or cannot be opened.
	HealthRetries int
	// Reuse keeps released handles open for later acquisitions. When false
	// every handle is closed on release and the pool only bounds
	// concurrency.
	Reuse bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Min:            0,
		Max:            10,
		AcquireTimeout: 5 * time.Second,
		HealthRetries:  3,
		Reuse:          true,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.Max <= 0 {
		return fmt.Errorf("%w: pool max must be positive, got %d", core.ErrConfiguration, c.Max)
	}
	if c.Min < 0 || c.Min > c.Max {
		return fmt.Errorf("%w: pool min must be within [0, %d], got %d", core.ErrConfiguration, c.Max, c.Min)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("%w: pool acquire timeout must be positive", core.ErrConfiguration)
	}
	if c.HealthRetries < 0 {
		return fmt.Errorf("%w: pool health retries must not be negative", core.ErrConfiguration)
	}
	return nil
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Open    int
	InUse   int
	Idle    int
	Waiting int
	Max     int
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	name       string
	logger     *slog.Logger
	registerer prometheus.Registerer
}

// WithName labels the pool in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers pool metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// grant transfers a slot to a waiter, with an idle handle when ok is set.
type grant[T any] struct {
	h   T
	ok  bool
	err error
}

type waiter[T any] struct {
	ch chan grant[T]
}

// Pool is a bounded pool of handles of type T.
type Pool[T any] struct {
	factory Factory[T]
	cfg     Config
	name    string
	logger  *slog.Logger
	metrics *metrics

	mu      sync.Mutex
	idle    []T
	open    int // slots reserved: idle, in use or being opened
	waiters []*waiter[T]
	closed  bool
}

// New creates a pool. No handle is opened until Start or Acquire.
func New[T any](factory Factory[T], cfg Config, opts ...Option) (*Pool[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory.Open == nil || factory.Close == nil {
		return nil, fmt.Errorf("%w: pool factory needs Open and Close", core.ErrConfiguration)
	}
	o := options{name: "default", logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Pool[T]{
		factory: factory,
		cfg:     cfg,
		name:    o.name,
		logger:  o.logger.With("pool", o.name),
		metrics: newMetrics(o.registerer, o.name),
	}, nil
}

// Config returns the pool configuration.
func (p *Pool[T]) Config() Config {
	return p.cfg
}

// Start opens Min handles so that first acquisitions do not pay the
// connection cost.
func (p *Pool[T]) Start(ctx context.Context) error {
	if !p.cfg.Reuse {
		return nil
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return core.ErrClosed
		}
		if p.open >= p.cfg.Min {
			p.mu.Unlock()
			return nil
		}
		p.open++
		p.mu.Unlock()

		h, err := p.factory.Open(ctx)
		p.mu.Lock()
		if err != nil {
			p.handOff(grant[T]{})
			p.mu.Unlock()
			return fmt.Errorf("%w: opening %s handle: %w", core.ErrBackendUnavailable, p.name, err)
		}
		p.handOff(grant[T]{h: h, ok: true})
		p.mu.Unlock()
	}
}

// Acquire returns a handle, waiting for one to be released if the pool is
// saturated. The handle must be released exactly once.
func (p *Pool[T]) Acquire(ctx context.Context) (*Handle[T], error) {
	start := time.Now()
	h, err := p.acquire(ctx)
	p.metrics.observeAcquire(err, time.Since(start))
	return h, err
}

func (p *Pool[T]) acquire(ctx context.Context) (*Handle[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, core.ErrClosed
	}
	if len(p.waiters) == 0 {
		if n := len(p.idle); n > 0 {
			h := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.observe()
			p.mu.Unlock()
			return p.prepare(waitCtx, grant[T]{h: h, ok: true})
		}
		if p.open < p.cfg.Max {
			p.open++
			p.observe()
			p.mu.Unlock()
			return p.prepare(waitCtx, grant[T]{})
		}
	}
	w := &waiter[T]{ch: make(chan grant[T], 1)}
	p.waiters = append(p.waiters, w)
	p.observe()
	p.mu.Unlock()

	select {
	case g := <-w.ch:
		if g.err != nil {
			return nil, g.err
		}
		return p.prepare(waitCtx, g)
	case <-waitCtx.Done():
	}

	p.mu.Lock()
	if i := slices.Index(p.waiters, w); i >= 0 {
		p.waiters = slices.Delete(p.waiters, i, i+1)
		p.observe()
	} else {
		// Granted after the wait ended; give the slot back.
		if g := <-w.ch; g.err == nil {
			p.handOff(g)
		}
	}
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s: no handle free within %s", core.ErrPoolExhausted, p.name, p.cfg.AcquireTimeout)
}

// prepare turns a granted slot into a usable handle: an idle handle is
// validated, an empty slot is filled by opening a new handle. Failed
// handles are replaced up to HealthRetries times.
func (p *Pool[T]) prepare(ctx context.Context, g grant[T]) (*Handle[T], error) {
	attempts := max(1, p.cfg.HealthRetries)
	var lastErr error
	for failures := 0; failures < attempts; {
		if g.ok {
			if p.factory.Validate == nil {
				return p.handle(g.h), nil
			}
			err := p.factory.Validate(ctx, g.h)
			if err == nil {
				return p.handle(g.h), nil
			}
			p.logger.Debug("discarding invalid handle", "error", err)
			p.closeHandle(g.h)
			g = grant[T]{}
			lastErr = err
			continue
		}
		h, err := p.factory.Open(ctx)
		if err == nil {
			return p.handle(h), nil
		}
		lastErr = err
		failures++
		if ctx.Err() != nil {
			break
		}
		p.logger.Debug("opening handle failed", "attempt", failures, "maxAttempts", attempts, "error", err)
	}

	p.mu.Lock()
	p.handOff(grant[T]{})
	p.mu.Unlock()
	p.metrics.unhealthy.Inc()
	p.logger.Warn("backend unavailable", "error", lastErr)
	return nil, fmt.Errorf("%w: %s: %w", core.ErrBackendUnavailable, p.name, lastErr)
}

func (p *Pool[T]) handle(v T) *Handle[T] {
	return &Handle[T]{pool: p, value: v}
}

// handOff passes a freed slot to the first waiter, or returns it to the
// pool. Must be called with p.mu held.
func (p *Pool[T]) handOff(g grant[T]) {
	if g.ok && (p.closed || !p.cfg.Reuse) {
		go p.closeHandle(g.h)
		g = grant[T]{}
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = slices.Delete(p.waiters, 0, 1)
		w.ch <- g
	} else if g.ok {
		p.idle = append(p.idle, g.h)
	} else {
		p.open--
	}
	p.observe()
}

func (p *Pool[T]) release(v T, broken bool) {
	p.mu.Lock()
	if p.closed || !p.cfg.Reuse {
		broken = true
	}
	p.mu.Unlock()
	if broken {
		p.closeHandle(v)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if broken {
		p.handOff(grant[T]{})
		return
	}
	p.handOff(grant[T]{h: v, ok: true})
}

func (p *Pool[T]) closeHandle(v T) {
	if err := p.factory.Close(v); err != nil {
		p.logger.Debug("closing handle failed", "error", err)
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats()
}

func (p *Pool[T]) stats() Stats {
	return Stats{
		Open:    p.open,
		InUse:   p.open - len(p.idle),
		Idle:    len(p.idle),
		Waiting: len(p.waiters),
		Max:     p.cfg.Max,
	}
}

// observe publishes occupancy gauges. Must be called with p.mu held.
func (p *Pool[T]) observe() {
	p.metrics.observe(p.stats())
}

// Close closes idle handles and fails waiting and later acquisitions with
// core.ErrClosed. Handles in use are closed when released.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	for _, w := range p.waiters {
		w.ch <- grant[T]{err: core.ErrClosed}
	}
	p.waiters = nil
	p.observe()
	p.mu.Unlock()

	var errs []error
	for _, h := range idle {
		if err := p.factory.Close(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handle is a handle acquired from a Pool. It is owned by one caller
// until released.
type Handle[T any] struct {
	pool   *Pool[T]
	value  T
	once   sync.Once
	broken bool
}

// Value returns the underlying handle.
func (h *Handle[T]) Value() T {
	return h.value
}

// Release returns the handle to its pool. Further calls do nothing.
func (h *Handle[T]) Release() {
	h.once.Do(func() {
		h.pool.release(h.value, h.broken)
	})
}

// Discard closes the handle instead of returning it for reuse.
func (h *Handle[T]) Discard() {
	h.once.Do(func() {
		h.broken = true
		h.pool.release(h.value, true)
	})
}

// With acquires a handle, runs fn with it and releases it on every path.
func With[T, R any](ctx context.Context, p *Pool[T], fn func(v T) (R, error)) (R, error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		var zero R
		return zero, err
	}
	var res R
	defer func() {
		if err != nil && p.factory.Broken != nil && p.factory.Broken(err) {
			h.Discard()
			return
		}
		h.Release()
	}()
	res, err = fn(h.Value())
	return res, err
}

// Do is With for work without a result.
func Do[T any](ctx context.Context, p *Pool[T], fn func(v T) error) error {
	_, err := With(ctx, p, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}
