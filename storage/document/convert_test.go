package document

import (
	"testing"

	"github.com/impactdev/impactor/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestToDocument_SortsFieldsAndNests(t *testing.T) {
	doc := toDocument("p:1", core.Record{
		"name":      "steve",
		"balance":   int64(10),
		"inventory": map[string]any{"b": []any{int64(1), "x"}, "a": true},
	})
	expected := bson.D{
		{Key: "_id", Value: "p:1"},
		{Key: "balance", Value: int64(10)},
		{Key: "inventory", Value: bson.D{
			{Key: "a", Value: true},
			{Key: "b", Value: bson.A{int64(1), "x"}},
		}},
		{Key: "name", Value: "steve"},
	}
	assert.Equal(t, expected, doc)
}

func TestFromDocument(t *testing.T) {
	key, record, err := fromDocument(bson.D{
		{Key: "_id", Value: "p:1"},
		{Key: "balance", Value: int32(7)},
		{Key: "ratio", Value: 0.5},
		{Key: "gone", Value: nil},
		{Key: "inventory", Value: bson.D{
			{Key: "items", Value: bson.A{"sword", int64(2)}},
			{Key: "meta", Value: bson.M{"owner": bson.ObjectID{0x01}}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "p:1", key)
	assert.Equal(t, core.Record{
		"balance": int64(7),
		"ratio":   0.5,
		"inventory": map[string]any{
			"items": []any{"sword", int64(2)},
			"meta":  map[string]any{"owner": "010000000000000000000000"},
		},
	}, record)
}

func TestFromDocument_Rejects(t *testing.T) {
	_, _, err := fromDocument(bson.D{{Key: "_id", Value: int64(4)}})
	assert.ErrorIs(t, err, core.ErrSerialization)

	_, _, err = fromDocument(bson.D{
		{Key: "_id", Value: "p:1"},
		{Key: "blob", Value: bson.Binary{Data: []byte{1}}},
	})
	assert.ErrorIs(t, err, core.ErrSerialization)
}

func TestFilter(t *testing.T) {
	after := "p:9"
	tests := []struct {
		name     string
		pred     *core.Predicate
		after    *string
		expected bson.D
	}{
		{
			name:     "everything",
			expected: bson.D{},
		},
		{
			name:     "after only",
			after:    &after,
			expected: bson.D{{Key: "_id", Value: bson.D{{Key: "$gt", Value: "p:9"}}}},
		},
		{
			name:     "single comparison",
			pred:     core.Where(core.Gte("balance", int64(10))),
			expected: bson.D{{Key: "balance", Value: bson.D{{Key: "$gte", Value: int64(10)}}}},
		},
		{
			name: "not equal requires the field",
			pred: core.Where(core.Ne("name", "bob")),
			expected: bson.D{{Key: "name", Value: bson.D{
				{Key: "$exists", Value: true},
				{Key: "$ne", Value: "bob"},
			}}},
		},
		{
			name:     "prefix is anchored and quoted",
			pred:     core.Where(core.Prefix("name", "a.b*")),
			expected: bson.D{{Key: "name", Value: bson.Regex{Pattern: `^a\.b\*`}}},
		},
		{
			name:  "conjunction with paging",
			pred:  core.Where(core.Eq("online", true), core.Lt("ratio", 0.5)),
			after: &after,
			expected: bson.D{{Key: "$and", Value: bson.A{
				bson.D{{Key: "_id", Value: bson.D{{Key: "$gt", Value: "p:9"}}}},
				bson.D{{Key: "online", Value: bson.D{{Key: "$eq", Value: true}}}},
				bson.D{{Key: "ratio", Value: bson.D{{Key: "$lt", Value: 0.5}}}},
			}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, filter(tt.pred, tt.after))
		})
	}
}
