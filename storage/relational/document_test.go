package relational

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		doc  any
		json string
	}{
		{"list", []any{int64(1), 1.0, 2.5, "x", true, nil}, `[1,1.0,2.5,"x",true,null]`},
		{"map sorted", map[string]any{"b": int64(2), "a": map[string]any{}}, `{"a":{},"b":2}`},
		{"large float", 1e21, `1e+21`},
		{"escaping", map[string]any{`q"`: "<tag>"}, `{"q\"":"\u003ctag\u003e"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := encodeDocument(tt.doc)
			require.NoError(t, err)
			assert.Equal(t, tt.json, s)

			back, err := decodeDocument(s)
			require.NoError(t, err)
			assert.Equal(t, tt.doc, back)
		})
	}
}

func TestEncodeDocument_Invalid(t *testing.T) {
	_, err := encodeDocument(math.NaN())
	assert.Error(t, err)
	_, err = encodeDocument(struct{}{})
	assert.Error(t, err)
	_, err = decodeDocument("{")
	assert.Error(t, err)
}
