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

package core

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxKeyLength is the longest record key accepted, in bytes.
const MaxKeyLength = 255

// ReservedPrefix marks collection names used for storage bookkeeping.
const ReservedPrefix = "_impactor"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// reserved field names map to backend key columns.
var reservedFields = map[string]struct{}{
	"record_key": {},
	"_id":        {},
}

// ValidateCollectionName checks that a collection name is usable as a table
// or collection identifier on every backend.
func ValidateCollectionName(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: collection name %q must match %s", ErrInvalidSchema, name, identifierPattern)
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return fmt.Errorf("%w: collection name %q uses reserved prefix %q", ErrInvalidSchema, name, ReservedPrefix)
	}
	return nil
}

// ValidateKey checks that a record key is non-empty valid UTF-8 of at most
// MaxKeyLength bytes without NUL bytes.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidKey, MaxKeyLength)
	case !utf8.ValidString(key):
		return fmt.Errorf("%w: key is not valid UTF-8", ErrInvalidKey)
	case strings.ContainsRune(key, 0):
		return fmt.Errorf("%w: key contains NUL byte", ErrInvalidKey)
	}
	return nil
}

// ValidateSchema validates a schema declaration.
//
// Validation rules:
//   - Collection must be a valid, non-reserved identifier
//   - Field names must be identifiers, unique ignoring case, and not reserved key names
//   - Field types must be known
func ValidateSchema(s Schema) error {
	if err := ValidateCollectionName(s.Collection); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if !identifierPattern.MatchString(f.Name) {
			return fmt.Errorf("%w: %s: field name %q is not an identifier", ErrInvalidSchema, s.Collection, f.Name)
		}
		if _, ok := reservedFields[strings.ToLower(f.Name)]; ok {
			return fmt.Errorf("%w: %s: field name %q is reserved", ErrInvalidSchema, s.Collection, f.Name)
		}
		name := strings.ToLower(f.Name)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s: duplicate field %q", ErrInvalidSchema, s.Collection, f.Name)
		}
		if _, ok := fieldTypeNames[f.Type]; !ok {
			return fmt.Errorf("%w: %s: field %q has unknown type %d", ErrInvalidSchema, s.Collection, f.Name, f.Type)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Conform normalizes a record and checks it against the schema.
// Top-level nil values are dropped, so absent and nil fields are equivalent.
// Integer values are accepted for float fields and converted.
func (s Schema) Conform(r Record) (Record, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: record is nil", ErrSerialization)
	}
	out := make(Record, len(r))
	for name, v := range r {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrSerialization, s.Collection, name, err)
		}
		if nv == nil {
			continue
		}
		f, ok := s.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s: field %q is not declared", ErrSerialization, s.Collection, name)
		}
		nv, err = coerce(f.Type, nv)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrSerialization, s.Collection, name, err)
		}
		out[name] = nv
	}
	return out, nil
}

func coerce(t FieldType, v any) (any, error) {
	switch t {
	case FieldString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case FieldInt:
		if i, ok := v.(int64); ok {
			return i, nil
		}
	case FieldFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
	case FieldBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case FieldDocument:
		switch v.(type) {
		case map[string]any, []any:
			return v, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}

// NormalizeRecord converts every value of a record to its canonical form
// and drops top-level nil values.
func NormalizeRecord(r Record) (Record, error) {
	out := make(Record, len(r))
	for name, v := range r {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrSerialization, name, err)
		}
		if nv != nil {
			out[name] = nv
		}
	}
	return out, nil
}

// NormalizeValue converts a value to its canonical storage form:
// nil, bool, int64, float64, string, []any or map[string]any.
func NormalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, int64, string:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("non-finite float %v", t)
		}
		return t, nil
	case float32:
		return NormalizeValue(float64(t))
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		return normalizeUint(uint64(t))
	case uint64:
		return normalizeUint(t)
	case Record:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			ne, err := NormalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, fmt.Errorf("unsupported value type %T", v)
		}
		out := make([]any, rv.Len())
		for i := range out {
			ne, err := NormalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ne, err := NormalizeValue(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = ne
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func normalizeUint(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows int64", u)
	}
	return int64(u), nil
}

func normalizeMap(m map[string]any) (any, error) {
	out := make(map[string]any, len(m))
	for k, e := range m {
		ne, err := NormalizeValue(e)
		if err != nil {
			return nil, err
		}
		out[k] = ne
	}
	return out, nil
}
