package storage

import (
	"math"
	"testing"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRecord(t *testing.T) {
	tests := []struct {
		name   string
		record core.Record
	}{
		{"empty", core.Record{}},
		{"scalars", core.Record{
			"name":    "steve",
			"balance": int64(-150),
			"big":     int64(math.MaxInt64),
			"ratio":   0.25,
			"online":  true,
			"banned":  false,
		}},
		{"nested", core.Record{
			"inventory": map[string]any{
				"slots": []any{"sword", int64(3), nil, map[string]any{"enchanted": true}},
				"empty": map[string]any{},
			},
		}},
		{"unicode", core.Record{"motto": "für die Horde ⚔"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalRecord(tt.record)
			require.NoError(t, err)

			decoded, err := UnmarshalRecord(data)
			require.NoError(t, err)
			assert.Equal(t, tt.record, decoded)
		})
	}
}

func TestMarshalRecord_Deterministic(t *testing.T) {
	r := core.Record{"a": int64(1), "b": "x", "c": map[string]any{"z": 1.5, "y": false}}
	first, err := MarshalRecord(r)
	require.NoError(t, err)
	for range 10 {
		again, err := MarshalRecord(r.Clone())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMarshalRecord_Unsupported(t *testing.T) {
	_, err := MarshalRecord(core.Record{"when": time.Now()})
	assert.ErrorIs(t, err, core.ErrSerialization)
}

func TestUnmarshalRecord_Invalid(t *testing.T) {
	valid, err := MarshalRecord(core.Record{"name": "steve", "balance": int64(100)})
	require.NoError(t, err)
	badTag, err := MarshalRecord(core.Record{"a": true})
	require.NoError(t, err)
	badTag[len(badTag)-1] = 42

	tests := []struct {
		name string
		data []byte
	}{
		{"empty data", []byte{}},
		{"unknown version", []byte{99, 0}},
		{"truncated", valid[:len(valid)-2]},
		{"trailing bytes", append(append([]byte{}, valid...), 0)},
		{"huge count", []byte{codecVersion, 0xff, 0xff, 0xff, 0x0f}},
		{"bad tag", badTag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalRecord(tt.data)
			assert.ErrorIs(t, err, core.ErrSerialization)
		})
	}
}

func TestMarshalUnmarshalSchemaState(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name  string
		state SchemaState
	}{
		{"base", SchemaState{Collection: "players", Version: 0}},
		{"migrated", SchemaState{Collection: "players", Version: 3, Step: "add-level", AppliedAt: now}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := UnmarshalSchemaState(MarshalSchemaState(tt.state))
			require.NoError(t, err)
			assert.Equal(t, tt.state.Collection, decoded.Collection)
			assert.Equal(t, tt.state.Version, decoded.Version)
			assert.Equal(t, tt.state.Step, decoded.Step)
			assert.True(t, tt.state.AppliedAt.Equal(decoded.AppliedAt))
		})
	}

	_, err := UnmarshalSchemaState(nil)
	assert.ErrorIs(t, err, core.ErrSerialization)
}
