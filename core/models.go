package core

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-crypt/x/blake2b"
)

// ID is a 64-bit identifier derived from content.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// KeyID returns the identifier of a (collection, key) pair.
// The separator byte cannot appear in a valid collection name, so distinct
// pairs never hash the same input.
func KeyID(collection, key string) ID {
	return IDFromContent(collection + "\x00" + key)
}

// Record is one stored structured value, keyed uniquely within its collection.
// Values are scalars (bool, int64, float64, string) or nested documents
// ([]any, map[string]any). See NormalizeRecord.
type Record map[string]any

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// FieldType is the declared type of a record field.
type FieldType int

const (
	// FieldString holds a string.
	FieldString FieldType = iota + 1
	// FieldInt holds an int64.
	FieldInt
	// FieldFloat holds a float64.
	FieldFloat
	// FieldBool holds a bool.
	FieldBool
	// FieldDocument holds a nested map or list.
	FieldDocument
)

var fieldTypeNames = map[FieldType]string{
	FieldString:   "string",
	FieldInt:      "int",
	FieldFloat:    "float",
	FieldBool:     "bool",
	FieldDocument: "document",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// ParseFieldType parses a field type name as written in configuration files.
func ParseFieldType(name string) (FieldType, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for t, s := range fieldTypeNames {
		if s == n {
			return t, nil
		}
	}
	switch n {
	case "integer", "long":
		return FieldInt, nil
	case "double", "number":
		return FieldFloat, nil
	case "boolean":
		return FieldBool, nil
	case "map", "object", "json":
		return FieldDocument, nil
	}
	return 0, fmt.Errorf("%w: unknown field type %q", ErrInvalidSchema, name)
}

// Field is one declared field of a collection schema.
type Field struct {
	Name string
	Type FieldType
}

// Schema declares the fields a collection's records may carry.
type Schema struct {
	Collection string
	Fields     []Field
}

// Field looks up a declared field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// With returns a copy of the schema with the given fields added.
// A field that is already declared keeps its position and takes the new type.
func (s Schema) With(fields ...Field) Schema {
	out := Schema{
		Collection: s.Collection,
		Fields:     make([]Field, len(s.Fields), len(s.Fields)+len(fields)),
	}
	copy(out.Fields, s.Fields)
	for _, f := range fields {
		replaced := false
		for i := range out.Fields {
			if out.Fields[i].Name == f.Name {
				out.Fields[i].Type = f.Type
				replaced = true
				break
			}
		}
		if !replaced {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}
