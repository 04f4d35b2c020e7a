package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conn struct {
	id     int64
	broken atomic.Bool
}

type fakeBackend struct {
	nextID  atomic.Int64
	opened  atomic.Int64
	closed  atomic.Int64
	openErr atomic.Pointer[error]
}

func (b *fakeBackend) factory() Factory[*conn] {
	return Factory[*conn]{
		Open: func(ctx context.Context) (*conn, error) {
			if errp := b.openErr.Load(); errp != nil {
				return nil, *errp
			}
			b.opened.Add(1)
			return &conn{id: b.nextID.Add(1)}, nil
		},
		Validate: func(ctx context.Context, c *conn) error {
			if c.broken.Load() {
				return errors.New("connection lost")
			}
			return nil
		},
		Close: func(c *conn) error {
			b.closed.Add(1)
			return nil
		},
	}
}

func (b *fakeBackend) failOpens(err error) {
	b.openErr.Store(&err)
}

func testConfig(max int) Config {
	cfg := DefaultConfig()
	cfg.Max = max
	cfg.AcquireTimeout = 200 * time.Millisecond
	return cfg
}

func newTestPool(t *testing.T, b *fakeBackend, cfg Config) *Pool[*conn] {
	t.Helper()
	p, err := New(b.factory(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero max", func(c *Config) { c.Max = 0 }},
		{"negative min", func(c *Config) { c.Min = -1 }},
		{"min above max", func(c *Config) { c.Min = 11 }},
		{"zero timeout", func(c *Config) { c.AcquireTimeout = 0 }},
		{"negative retries", func(c *Config) { c.HealthRetries = -1 }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), core.ErrConfiguration)
		})
	}
}

func TestAcquireRelease_ReusesHandles(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPool(t, b, testConfig(2))
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	first := h.Value().id
	h.Release()
	h.Release() // idempotent

	h, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, h.Value().id)
	h.Release()

	assert.Equal(t, int64(1), b.opened.Load())
	assert.Equal(t, Stats{Open: 1, Idle: 1, Max: 2}, p.Stats())
}

func TestAcquire_BlocksAtMax(t *testing.T) {
	b := &fakeBackend{}
	cfg := testConfig(2)
	cfg.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, b, cfg)
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Handle[*conn])
	go func() {
		h, err := p.Acquire(ctx)
		if err == nil {
			got <- h
		}
	}()

	select {
	case <-got:
		t.Fatal("third acquire must block while two handles are in use")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, p.Stats().Waiting)
	assert.Equal(t, 2, p.Stats().Open)

	h1.Release()
	select {
	case h3 := <-got:
		assert.Equal(t, h1.Value().id, h3.Value().id)
		h3.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was not granted the released handle")
	}
	h2.Release()
	assert.LessOrEqual(t, b.opened.Load(), int64(2))
}

func TestAcquire_NeverExceedsMax(t *testing.T) {
	b := &fakeBackend{}
	cfg := testConfig(3)
	cfg.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, b, cfg)

	var inUse, peak atomic.Int64
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Do(context.Background(), p, func(c *conn) error {
				n := inUse.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inUse.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.LessOrEqual(t, b.opened.Load(), int64(3))
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestAcquire_TimeoutIsPoolExhausted(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPool(t, b, testConfig(1))

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrPoolExhausted)
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestAcquire_CancelledWaiterHoldsNothing(t *testing.T) {
	b := &fakeBackend{}
	cfg := testConfig(1)
	cfg.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, b, cfg)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, core.ErrPoolExhausted)

	h.Release()
	assert.Equal(t, Stats{Open: 1, Idle: 1, Max: 1}, p.Stats())

	h, err = p.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()
}

func TestAcquire_CancelRacingGrantReturnsHandle(t *testing.T) {
	b := &fakeBackend{}
	cfg := testConfig(1)
	cfg.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, b, cfg)

	for range 50 {
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if w, err := p.Acquire(ctx); err == nil {
				w.Release()
			}
		}()
		time.Sleep(time.Millisecond)
		go cancel()
		h.Release()
		<-done
		cancel()

		s := p.Stats()
		require.Equal(t, 0, s.InUse)
		require.Equal(t, 0, s.Waiting)
	}
}

func TestAcquire_ReplacesInvalidHandle(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPool(t, b, testConfig(1))
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	h.Value().broken.Store(true)
	stale := h.Value().id
	h.Release()

	h, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, stale, h.Value().id)
	h.Release()
	assert.Equal(t, int64(1), b.closed.Load())
}

func TestAcquire_HealthRetriesExhausted(t *testing.T) {
	b := &fakeBackend{}
	cfg := testConfig(2)
	cfg.HealthRetries = 3
	p := newTestPool(t, b, cfg)

	down := errors.New("connection refused")
	b.failOpens(down)

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrBackendUnavailable)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, 0, p.Stats().Open, "failed slot is freed")
}

func TestDiscard_ClosesHandle(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPool(t, b, testConfig(1))

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Discard()
	h.Release()

	assert.Equal(t, int64(1), b.closed.Load())
	assert.Equal(t, 0, p.Stats().Open)
}

func TestNoReuse_ClosesOnRelease(t *testing.T) {
	b := &fakeBackend{}
	cfg := testConfig(1)
	cfg.Reuse = false
	p := newTestPool(t, b, cfg)

	for range 3 {
		require.NoError(t, Do(context.Background(), p, func(*conn) error { return nil }))
	}
	assert.Equal(t, int64(3), b.opened.Load())
	assert.Equal(t, int64(3), b.closed.Load())
	assert.Equal(t, 0, p.Stats().Open)
}

func TestWith_BrokenErrorDiscards(t *testing.T) {
	b := &fakeBackend{}
	lost := errors.New("bad connection")
	f := b.factory()
	f.Broken = func(err error) bool { return errors.Is(err, lost) }
	p, err := New(f, testConfig(1))
	require.NoError(t, err)
	defer p.Close()

	_, err = With(context.Background(), p, func(*conn) (int, error) { return 0, lost })
	assert.ErrorIs(t, err, lost)
	assert.Equal(t, int64(1), b.closed.Load())

	v, err := With(context.Background(), p, func(*conn) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestStart_Prewarms(t *testing.T) {
	b := &fakeBackend{}
	cfg := testConfig(4)
	cfg.Min = 2
	p := newTestPool(t, b, cfg)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, Stats{Open: 2, Idle: 2, Max: 4}, p.Stats())
}

func TestClose_FailsWaitersAndAcquires(t *testing.T) {
	b := &fakeBackend{}
	cfg := testConfig(1)
	cfg.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, b, cfg)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errc <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-errc, core.ErrClosed)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, core.ErrClosed)

	h.Release()
	assert.Equal(t, int64(1), b.closed.Load())
	assert.Equal(t, 0, p.Stats().Open)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := &fakeBackend{}
	p, err := New(b.factory(), testConfig(1), WithRegisterer(reg), WithName("test"))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, Do(context.Background(), p, func(*conn) error { return nil }))

	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.acquires.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.handles.WithLabelValues("idle")))
}
