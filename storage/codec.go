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

package storage

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
)

// codecVersion prefixes every encoded record.
const codecVersion byte = 1

// maxDepth bounds nesting when decoding documents.
const maxDepth = 64

const (
	tagNil byte = iota
	tagFalse
	tagTrue
	tagInt
	tagFloat
	tagString
	tagList
	tagMap
)

// MarshalRecord serializes a normalized record to bytes.
// Map keys are written in sorted order so equal records encode equally.
func MarshalRecord(record core.Record) ([]byte, error) {
	size, err := sizeMap(record, 0)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 1+size)
	buf[0] = codecVersion
	marshalMap(record, buf[1:])
	return buf, nil
}

// UnmarshalRecord deserializes a record written by MarshalRecord.
func UnmarshalRecord(data []byte) (core.Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrSerialization, ErrTruncatedData)
	}
	if data[0] != codecVersion {
		return nil, fmt.Errorf("%w: unknown record encoding %d", core.ErrSerialization, data[0])
	}
	m, n, err := unmarshalMap(data[1:], 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrSerialization, err)
	}
	if 1+n != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", core.ErrSerialization, len(data)-1-n)
	}
	return core.Record(m), nil
}

func sizeMap(m map[string]any, depth int) (int, error) {
	size := varint.Uint64.Size(uint64(len(m)))
	for k, v := range m {
		vs, err := sizeValue(v, depth+1)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", k, err)
		}
		size += ord.String.Size(k) + vs
	}
	return size, nil
}

func sizeValue(v any, depth int) (int, error) {
	if depth > maxDepth {
		return 0, fmt.Errorf("%w: nesting deeper than %d", core.ErrSerialization, maxDepth)
	}
	switch t := v.(type) {
	case nil, bool:
		return 1, nil
	case int64:
		return 1 + varint.Int64.Size(t), nil
	case float64:
		return 1 + raw.Float64.Size(t), nil
	case string:
		return 1 + ord.String.Size(t), nil
	case []any:
		size := 1 + varint.Uint64.Size(uint64(len(t)))
		for _, e := range t {
			es, err := sizeValue(e, depth+1)
			if err != nil {
				return 0, err
			}
			size += es
		}
		return size, nil
	case map[string]any:
		ms, err := sizeMap(t, depth)
		return 1 + ms, err
	case core.Record:
		ms, err := sizeMap(t, depth)
		return 1 + ms, err
	}
	return 0, fmt.Errorf("%w: cannot encode %T", core.ErrSerialization, v)
}

func marshalMap(m map[string]any, bs []byte) int {
	n := varint.Uint64.Marshal(uint64(len(m)), bs)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		n += ord.String.Marshal(k, bs[n:])
		n += marshalValue(m[k], bs[n:])
	}
	return n
}

func marshalValue(v any, bs []byte) int {
	switch t := v.(type) {
	case nil:
		bs[0] = tagNil
		return 1
	case bool:
		if t {
			bs[0] = tagTrue
		} else {
			bs[0] = tagFalse
		}
		return 1
	case int64:
		bs[0] = tagInt
		return 1 + varint.Int64.Marshal(t, bs[1:])
	case float64:
		bs[0] = tagFloat
		return 1 + raw.Float64.Marshal(t, bs[1:])
	case string:
		bs[0] = tagString
		return 1 + ord.String.Marshal(t, bs[1:])
	case []any:
		bs[0] = tagList
		n := 1 + varint.Uint64.Marshal(uint64(len(t)), bs[1:])
		for _, e := range t {
			n += marshalValue(e, bs[n:])
		}
		return n
	case map[string]any:
		bs[0] = tagMap
		return 1 + marshalMap(t, bs[1:])
	case core.Record:
		bs[0] = tagMap
		return 1 + marshalMap(t, bs[1:])
	}
	panic(fmt.Sprintf("storage: unsized value %T", v))
}

func unmarshalCount(bs []byte) (int, int, error) {
	count, n, err := varint.Uint64.Unmarshal(bs)
	if err != nil {
		return 0, 0, err
	}
	// every element takes at least one byte
	if count > uint64(len(bs)-n) {
		return 0, 0, ErrTruncatedData
	}
	return int(count), n, nil
}

func unmarshalMap(bs []byte, depth int) (map[string]any, int, error) {
	count, n, err := unmarshalCount(bs)
	if err != nil {
		return nil, 0, err
	}
	m := make(map[string]any, count)
	for range count {
		k, kn, err := ord.String.Unmarshal(bs[n:])
		if err != nil {
			return nil, 0, err
		}
		n += kn
		v, vn, err := unmarshalValue(bs[n:], depth+1)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", k, err)
		}
		n += vn
		m[k] = v
	}
	return m, n, nil
}

func unmarshalValue(bs []byte, depth int) (any, int, error) {
	if depth > maxDepth {
		return nil, 0, fmt.Errorf("nesting deeper than %d", maxDepth)
	}
	if len(bs) == 0 {
		return nil, 0, ErrTruncatedData
	}
	switch bs[0] {
	case tagNil:
		return nil, 1, nil
	case tagFalse:
		return false, 1, nil
	case tagTrue:
		return true, 1, nil
	case tagInt:
		v, n, err := varint.Int64.Unmarshal(bs[1:])
		return v, 1 + n, err
	case tagFloat:
		v, n, err := raw.Float64.Unmarshal(bs[1:])
		return v, 1 + n, err
	case tagString:
		v, n, err := ord.String.Unmarshal(bs[1:])
		return v, 1 + n, err
	case tagList:
		count, n, err := unmarshalCount(bs[1:])
		if err != nil {
			return nil, 0, err
		}
		n++
		list := make([]any, count)
		for i := range list {
			e, en, err := unmarshalValue(bs[n:], depth+1)
			if err != nil {
				return nil, 0, err
			}
			list[i] = e
			n += en
		}
		return list, n, nil
	case tagMap:
		m, n, err := unmarshalMap(bs[1:], depth)
		return m, 1 + n, err
	}
	return nil, 0, fmt.Errorf("unknown value tag %d", bs[0])
}

// MarshalSchemaState serializes a SchemaState to bytes.
func MarshalSchemaState(s SchemaState) []byte {
	var at int64
	if !s.AppliedAt.IsZero() {
		at = s.AppliedAt.UnixNano()
	}
	buf := make([]byte, ord.String.Size(s.Collection)+varint.Int64.Size(int64(s.Version))+
		ord.String.Size(s.Step)+varint.Int64.Size(at))
	n := ord.String.Marshal(s.Collection, buf)
	n += varint.Int64.Marshal(int64(s.Version), buf[n:])
	n += ord.String.Marshal(s.Step, buf[n:])
	varint.Int64.Marshal(at, buf[n:])
	return buf
}

// UnmarshalSchemaState deserializes a SchemaState.
func UnmarshalSchemaState(data []byte) (SchemaState, error) {
	var s SchemaState
	collection, n, err := ord.String.Unmarshal(data)
	if err != nil {
		return s, fmt.Errorf("%w: schema state: %w", core.ErrSerialization, err)
	}
	version, vn, err := varint.Int64.Unmarshal(data[n:])
	if err != nil {
		return s, fmt.Errorf("%w: schema state: %w", core.ErrSerialization, err)
	}
	n += vn
	step, sn, err := ord.String.Unmarshal(data[n:])
	if err != nil {
		return s, fmt.Errorf("%w: schema state: %w", core.ErrSerialization, err)
	}
	n += sn
	at, _, err := varint.Int64.Unmarshal(data[n:])
	if err != nil {
		return s, fmt.Errorf("%w: schema state: %w", core.ErrSerialization, err)
	}
	s = SchemaState{Collection: collection, Version: int(version), Step: step}
	if at != 0 {
		s.AppliedAt = time.Unix(0, at).UTC()
	}
	return s, nil
}
