package config

import (
	"github.com/impactdev/impactor/core"
)

// Raw is configuration as written by an operator. Pointer fields are nil
// when not set, so defaults never hide an explicit invalid value.
type Raw struct {
	Backend     BackendRaw      `yaml:"backend"`
	Pool        PoolRaw         `yaml:"pool"`
	Retry       RetryRaw        `yaml:"retry"`
	Cache       CacheRaw        `yaml:"cache"`
	Strict      bool            `yaml:"strict"`
	Collections []CollectionRaw `yaml:"collections"`
}

// BackendRaw selects and addresses the backend.
type BackendRaw struct {
	Kind     string `yaml:"kind" env:"KIND"`
	Dialect  string `yaml:"dialect" env:"DIALECT"`
	Path     string `yaml:"path" env:"PATH"`
	Host     string `yaml:"host" env:"HOST"`
	Port     *int   `yaml:"port" env:"PORT"`
	Database string `yaml:"database" env:"DATABASE"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	URI      string `yaml:"uri" env:"URI"`
}

// PoolRaw sizes the connection pool.
type PoolRaw struct {
	Min              *int `yaml:"min" env:"MIN"`
	Max              *int `yaml:"max" env:"MAX"`
	AcquireTimeoutMs *int `yaml:"acquireTimeoutMs" env:"ACQUIRE_TIMEOUT_MS"`
	HealthRetries    *int `yaml:"healthRetries" env:"HEALTH_RETRIES"`
}

// RetryRaw bounds retries of transient backend failures.
type RetryRaw struct {
	MaxAttempts *int `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
	BaseDelayMs *int `yaml:"baseDelayMs" env:"BASE_DELAY_MS"`
	MaxDelayMs  *int `yaml:"maxDelayMs" env:"MAX_DELAY_MS"`
}

// CacheRaw sizes the local cache.
type CacheRaw struct {
	MaxEntries *int `yaml:"maxEntries" env:"MAX_ENTRIES"`
	TTLMs      *int `yaml:"ttlMs" env:"TTL_MS"`
}

// CollectionRaw declares a collection for operator tools.
type CollectionRaw struct {
	Name   string     `yaml:"name"`
	Fields []FieldRaw `yaml:"fields"`
}

// FieldRaw declares one field of a collection.
type FieldRaw struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

const (
	defaultPoolMin          = 0
	defaultPoolMax          = 10
	defaultAcquireTimeoutMs = 5000
	defaultHealthRetries    = 3
	defaultMaxAttempts      = 3
	defaultBaseDelayMs      = 50
	defaultMaxDelayMs       = 2000
	defaultCacheEntries     = 1024
)

var defaultPorts = map[string]int{
	"mysql":    3306,
	"mariadb":  3306,
	"postgres": 5432,
}

const defaultDocumentPort = 27017

func intPtr(v int) *int {
	return &v
}

func setDefault(p **int, v int) {
	if *p == nil {
		*p = intPtr(v)
	}
}

// ApplyDefaults fills every unset value with its default.
func (r *Raw) ApplyDefaults() {
	if r.Backend.Port == nil && r.Backend.Host != "" {
		switch Kind(r.Backend.Kind) {
		case KindRelational:
			if port, ok := defaultPorts[r.Backend.Dialect]; ok {
				r.Backend.Port = intPtr(port)
			}
		case KindDocument:
			r.Backend.Port = intPtr(defaultDocumentPort)
		}
	}
	setDefault(&r.Pool.Min, defaultPoolMin)
	setDefault(&r.Pool.Max, defaultPoolMax)
	setDefault(&r.Pool.AcquireTimeoutMs, defaultAcquireTimeoutMs)
	setDefault(&r.Pool.HealthRetries, defaultHealthRetries)
	setDefault(&r.Retry.MaxAttempts, defaultMaxAttempts)
	setDefault(&r.Retry.BaseDelayMs, defaultBaseDelayMs)
	setDefault(&r.Retry.MaxDelayMs, defaultMaxDelayMs)
	setDefault(&r.Cache.MaxEntries, defaultCacheEntries)
	setDefault(&r.Cache.TTLMs, 0)
}

// Option sets a value of a Raw configuration.
type Option func(*Raw)

// WithKind sets the backend kind.
func WithKind(kind Kind) Option {
	return func(r *Raw) {
		r.Backend.Kind = string(kind)
	}
}

// WithDialect sets the SQL dialect of a relational backend.
func WithDialect(dialect string) Option {
	return func(r *Raw) {
		r.Backend.Dialect = dialect
	}
}

// WithPath sets the database path of an embedded or sqlite backend.
func WithPath(path string) Option {
	return func(r *Raw) {
		r.Backend.Path = path
	}
}

// WithHost sets the server host and port. A zero port selects the
// default port of the backend.
func WithHost(host string, port int) Option {
	return func(r *Raw) {
		r.Backend.Host = host
		if port != 0 {
			r.Backend.Port = intPtr(port)
		}
	}
}

// WithDatabase sets the database name.
func WithDatabase(database string) Option {
	return func(r *Raw) {
		r.Backend.Database = database
	}
}

// WithCredentials sets the username and password.
func WithCredentials(username, password string) Option {
	return func(r *Raw) {
		r.Backend.Username = username
		r.Backend.Password = password
	}
}

// WithURI sets the connection string of a document backend.
func WithURI(uri string) Option {
	return func(r *Raw) {
		r.Backend.URI = uri
	}
}

// WithPoolSize sets the minimum and maximum number of pooled handles.
func WithPoolSize(minHandles, maxHandles int) Option {
	return func(r *Raw) {
		r.Pool.Min = intPtr(minHandles)
		r.Pool.Max = intPtr(maxHandles)
	}
}

// WithPoolMax sets the maximum number of pooled handles.
func WithPoolMax(maxHandles int) Option {
	return func(r *Raw) {
		r.Pool.Max = intPtr(maxHandles)
	}
}

// WithAcquireTimeoutMs sets how long an acquisition waits for a handle.
func WithAcquireTimeoutMs(ms int) Option {
	return func(r *Raw) {
		r.Pool.AcquireTimeoutMs = intPtr(ms)
	}
}

// WithHealthRetries sets how many replacement handles an acquisition may
// open before the backend is reported unavailable.
func WithHealthRetries(n int) Option {
	return func(r *Raw) {
		r.Pool.HealthRetries = intPtr(n)
	}
}

// WithRetry sets the attempts and base delay of transient failure retries.
func WithRetry(maxAttempts, baseDelayMs int) Option {
	return func(r *Raw) {
		r.Retry.MaxAttempts = intPtr(maxAttempts)
		r.Retry.BaseDelayMs = intPtr(baseDelayMs)
	}
}

// WithCacheEntries sets the capacity of the local cache. Zero disables it.
func WithCacheEntries(n int) Option {
	return func(r *Raw) {
		r.Cache.MaxEntries = intPtr(n)
	}
}

// WithStrict makes transactions fail on backends that cannot make them
// atomic.
func WithStrict(strict bool) Option {
	return func(r *Raw) {
		r.Strict = strict
	}
}

// WithCollection declares a collection.
func WithCollection(s core.Schema) Option {
	return func(r *Raw) {
		c := CollectionRaw{Name: s.Collection}
		for _, f := range s.Fields {
			c.Fields = append(c.Fields, FieldRaw{Name: f.Name, Type: f.Type.String()})
		}
		r.Collections = append(r.Collections, c)
	}
}

// NewRaw creates a Raw configuration from options and applies defaults.
func NewRaw(opts ...Option) Raw {
	var r Raw
	for _, opt := range opts {
		opt(&r)
	}
	r.ApplyDefaults()
	return r
}
