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

package config

import (
	"fmt"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/impactdev/impactor/pool"
	"github.com/impactdev/impactor/storage"
)

// Kind names a backend variant.
type Kind string

const (
	KindEmbedded   Kind = "embedded"
	KindRelational Kind = "relational"
	KindDocument   Kind = "document"
)

var dialects = map[string]struct{}{
	"sqlite":   {},
	"mysql":    {},
	"mariadb":  {},
	"postgres": {},
}

// Error reports an invalid configuration value.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", core.ErrConfiguration, e.Field, e.Reason)
}

func (e *Error) Unwrap() error {
	return core.ErrConfiguration
}

func invalid(field, format string, args ...any) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// PoolSettings sizes the connection pool.
type PoolSettings struct {
	Min            int
	Max            int
	AcquireTimeout time.Duration
	HealthRetries  int
}

// RetrySettings bounds retries of transient backend failures.
type RetrySettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// CacheSettings sizes the local cache.
type CacheSettings struct {
	MaxEntries int
	TTL        time.Duration
}

// Descriptor is a resolved, valid storage configuration.
type Descriptor struct {
	Kind     Kind
	Dialect  string
	Path     string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	URI      string
	Pool     PoolSettings
	Retry    RetrySettings
	Cache    CacheSettings
	Strict   bool
	// Collections declared by the operator.
	Collections []core.Schema
}

// PoolConfig returns the pool configuration of the descriptor.
func (d Descriptor) PoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.Min = d.Pool.Min
	cfg.Max = d.Pool.Max
	cfg.AcquireTimeout = d.Pool.AcquireTimeout
	cfg.HealthRetries = d.Pool.HealthRetries
	return cfg
}

// RetryPolicy returns the retry policy of the descriptor.
func (d Descriptor) RetryPolicy() storage.RetryPolicy {
	return storage.RetryPolicy{
		MaxAttempts: d.Retry.MaxAttempts,
		BaseDelay:   d.Retry.BaseDelay,
		MaxDelay:    d.Retry.MaxDelay,
	}
}

// Redacted returns a copy without the password, for display.
func (d Descriptor) Redacted() Descriptor {
	if d.Password != "" {
		d.Password = "***"
	}
	return d
}

func value(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func ms(p *int) time.Duration {
	return time.Duration(value(p)) * time.Millisecond
}

// Resolve validates raw and returns its descriptor. Unset values must have
// been filled by Raw.ApplyDefaults. Resolve performs no I/O.
func Resolve(raw Raw) (Descriptor, error) {
	b := raw.Backend
	d := Descriptor{
		Kind:     Kind(b.Kind),
		Dialect:  b.Dialect,
		Path:     b.Path,
		Host:     b.Host,
		Port:     value(b.Port),
		Database: b.Database,
		Username: b.Username,
		Password: b.Password,
		URI:      b.URI,
		Pool: PoolSettings{
			Min:            value(raw.Pool.Min),
			Max:            value(raw.Pool.Max),
			AcquireTimeout: ms(raw.Pool.AcquireTimeoutMs),
			HealthRetries:  value(raw.Pool.HealthRetries),
		},
		Retry: RetrySettings{
			MaxAttempts: value(raw.Retry.MaxAttempts),
			BaseDelay:   ms(raw.Retry.BaseDelayMs),
			MaxDelay:    ms(raw.Retry.MaxDelayMs),
		},
		Cache: CacheSettings{
			MaxEntries: value(raw.Cache.MaxEntries),
			TTL:        ms(raw.Cache.TTLMs),
		},
		Strict: raw.Strict,
	}

	if err := resolveBackend(&d, b); err != nil {
		return Descriptor{}, err
	}
	if err := resolveLimits(raw); err != nil {
		return Descriptor{}, err
	}
	collections, err := resolveCollections(raw.Collections)
	if err != nil {
		return Descriptor{}, err
	}
	d.Collections = collections
	return d, nil
}

func resolveBackend(d *Descriptor, b BackendRaw) error {
	if b.Port != nil && (*b.Port < 1 || *b.Port > 65535) {
		return invalid("backend.port", "%d is not a port", *b.Port)
	}
	switch d.Kind {
	case KindEmbedded:
		if d.Path == "" {
			return invalid("backend.path", "required for the embedded backend")
		}
	case KindRelational:
		if d.Dialect == "" {
			return invalid("backend.dialect", "required for the relational backend")
		}
		if _, ok := dialects[d.Dialect]; !ok {
			return invalid("backend.dialect", "unknown dialect %q", d.Dialect)
		}
		if d.Dialect == "sqlite" {
			if d.Path == "" {
				return invalid("backend.path", "required for the sqlite dialect")
			}
			return nil
		}
		if d.Host == "" {
			return invalid("backend.host", "required for the %s dialect", d.Dialect)
		}
		if d.Database == "" {
			return invalid("backend.database", "required for the %s dialect", d.Dialect)
		}
		if d.Port == 0 {
			d.Port = defaultPorts[d.Dialect]
		}
	case KindDocument:
		if d.URI == "" && d.Host == "" {
			return invalid("backend.uri", "the document backend needs a uri or a host")
		}
		if d.URI == "" && d.Port == 0 {
			d.Port = defaultDocumentPort
		}
	case "":
		return invalid("backend.kind", "required")
	default:
		return invalid("backend.kind", "unknown kind %q, want embedded, relational or document", d.Kind)
	}
	return nil
}

func resolveLimits(raw Raw) error {
	p := raw.Pool
	switch {
	case p.Min == nil || *p.Min < 0:
		return invalid("pool.min", "must not be negative")
	case p.Max == nil || *p.Max <= 0:
		return invalid("pool.max", "must be positive")
	case *p.Min > *p.Max:
		return invalid("pool.min", "%d exceeds pool.max %d", *p.Min, *p.Max)
	case p.AcquireTimeoutMs == nil || *p.AcquireTimeoutMs <= 0:
		return invalid("pool.acquireTimeoutMs", "must be positive")
	case p.HealthRetries == nil || *p.HealthRetries < 0:
		return invalid("pool.healthRetries", "must not be negative")
	}
	r := raw.Retry
	switch {
	case r.MaxAttempts == nil || *r.MaxAttempts <= 0:
		return invalid("retry.maxAttempts", "must be positive")
	case r.BaseDelayMs == nil || *r.BaseDelayMs < 0:
		return invalid("retry.baseDelayMs", "must not be negative")
	case r.MaxDelayMs != nil && *r.MaxDelayMs < value(r.BaseDelayMs):
		return invalid("retry.maxDelayMs", "must not be below retry.baseDelayMs")
	}
	c := raw.Cache
	switch {
	case c.MaxEntries != nil && *c.MaxEntries < 0:
		return invalid("cache.maxEntries", "must not be negative")
	case c.TTLMs != nil && *c.TTLMs < 0:
		return invalid("cache.ttlMs", "must not be negative")
	}
	return nil
}

func resolveCollections(raw []CollectionRaw) ([]core.Schema, error) {
	var out []core.Schema
	seen := make(map[string]struct{}, len(raw))
	for i, c := range raw {
		field := fmt.Sprintf("collections[%d]", i)
		s := core.Schema{Collection: c.Name}
		for j, f := range c.Fields {
			t, err := core.ParseFieldType(f.Type)
			if err != nil {
				return nil, invalid(fmt.Sprintf("%s.fields[%d].type", field, j), "%v", err)
			}
			s.Fields = append(s.Fields, core.Field{Name: f.Name, Type: t})
		}
		if err := core.ValidateSchema(s); err != nil {
			return nil, invalid(field, "%v", err)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, invalid(field, "collection %q declared twice", c.Name)
		}
		seen[c.Name] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
