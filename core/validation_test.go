package core

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func playersSchema() Schema {
	return Schema{
		Collection: "players",
		Fields: []Field{
			{Name: "name", Type: FieldString},
			{Name: "balance", Type: FieldInt},
			{Name: "ratio", Type: FieldFloat},
			{Name: "online", Type: FieldBool},
			{Name: "inventory", Type: FieldDocument},
		},
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"simple", "p:1", false},
		{"unicode", "spieler:ä", false},
		{"max length", strings.Repeat("k", MaxKeyLength), false},
		{"empty", "", true},
		{"too long", strings.Repeat("k", MaxKeyLength+1), true},
		{"nul byte", "a\x00b", true},
		{"invalid utf8", "\xff\xfe", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr bool
	}{
		{"valid", playersSchema(), false},
		{"no fields", Schema{Collection: "empty"}, false},
		{"bad collection", Schema{Collection: "1players"}, true},
		{"reserved collection", Schema{Collection: "_impactor_schema"}, true},
		{"dash in collection", Schema{Collection: "my-players"}, true},
		{"duplicate field", Schema{Collection: "c", Fields: []Field{{"a", FieldInt}, {"a", FieldString}}}, true},
		{"duplicate field differing in case", Schema{Collection: "c", Fields: []Field{{"balance", FieldInt}, {"Balance", FieldInt}}}, true},
		{"reserved field", Schema{Collection: "c", Fields: []Field{{"record_key", FieldString}}}, true},
		{"mongo id field", Schema{Collection: "c", Fields: []Field{{"_id", FieldString}}}, true},
		{"unknown type", Schema{Collection: "c", Fields: []Field{{"a", FieldType(42)}}}, true},
		{"bad field name", Schema{Collection: "c", Fields: []Field{{"a b", FieldInt}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchema(tt.schema)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSchema)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConform(t *testing.T) {
	s := playersSchema()

	t.Run("normalizes values", func(t *testing.T) {
		out, err := s.Conform(Record{
			"name":      "steve",
			"balance":   100,
			"ratio":     int32(2),
			"online":    true,
			"inventory": map[string]int{"diamond": 3},
			"missing":   nil,
		})
		require.NoError(t, err)
		assert.Equal(t, Record{
			"name":      "steve",
			"balance":   int64(100),
			"ratio":     float64(2),
			"online":    true,
			"inventory": map[string]any{"diamond": int64(3)},
		}, out)
	})

	t.Run("document accepts lists", func(t *testing.T) {
		out, err := s.Conform(Record{"inventory": []string{"a", "b"}})
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, out["inventory"])
	})

	t.Run("undeclared field", func(t *testing.T) {
		_, err := s.Conform(Record{"level": 3})
		assert.ErrorIs(t, err, ErrSerialization)
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := s.Conform(Record{"balance": "lots"})
		assert.ErrorIs(t, err, ErrSerialization)

		_, err = s.Conform(Record{"balance": 1.5})
		assert.ErrorIs(t, err, ErrSerialization)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := s.Conform(Record{"inventory": []byte("raw")})
		assert.ErrorIs(t, err, ErrSerialization)

		_, err = s.Conform(Record{"inventory": map[int]string{1: "x"}})
		assert.ErrorIs(t, err, ErrSerialization)
	})

	t.Run("non-finite float", func(t *testing.T) {
		_, err := s.Conform(Record{"ratio": math.Inf(1)})
		assert.ErrorIs(t, err, ErrSerialization)
	})

	t.Run("nil record", func(t *testing.T) {
		_, err := s.Conform(nil)
		assert.ErrorIs(t, err, ErrSerialization)
	})
}

func TestNormalizeValue(t *testing.T) {
	v, err := NormalizeValue(uint64(math.MaxUint64))
	assert.Error(t, err)
	assert.Nil(t, v)

	v, err = NormalizeValue([]map[string]any{{"a": uint8(1)}, {"b": nil}})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"a": int64(1)}, map[string]any{"b": nil}}, v)

	v, err = NormalizeValue(float32(0.5))
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)
}

func TestRecordClone(t *testing.T) {
	orig := Record{"inventory": map[string]any{"items": []any{"a"}}}
	clone := orig.Clone()
	clone["inventory"].(map[string]any)["items"].([]any)[0] = "b"
	assert.Equal(t, "a", orig["inventory"].(map[string]any)["items"].([]any)[0])
}

func TestSchemaWith(t *testing.T) {
	s := Schema{Collection: "c", Fields: []Field{{"a", FieldInt}}}
	next := s.With(Field{"a", FieldFloat}, Field{"b", FieldString})

	assert.Equal(t, []Field{{"a", FieldFloat}, {"b", FieldString}}, next.Fields)
	assert.Equal(t, []Field{{"a", FieldInt}}, s.Fields, "original schema is unchanged")
}

func TestParseFieldType(t *testing.T) {
	for name, want := range map[string]FieldType{
		"string": FieldString, "INT": FieldInt, "long": FieldInt, "double": FieldFloat,
		"boolean": FieldBool, "json": FieldDocument, " document ": FieldDocument,
	} {
		got, err := ParseFieldType(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseFieldType("blob")
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestKeyID(t *testing.T) {
	assert.Equal(t, KeyID("players", "p:1"), KeyID("players", "p:1"))
	assert.NotEqual(t, KeyID("players", "p:1"), KeyID("players", "p:2"))
	assert.NotEqual(t, KeyID("players", "p:1"), KeyID("economy", "p:1"))
}
