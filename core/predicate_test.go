package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicateMatch(t *testing.T) {
	r := Record{"name": "steve", "balance": int64(100), "ratio": 0.5, "online": true}

	tests := []struct {
		name string
		pred *Predicate
		want bool
	}{
		{"nil matches all", nil, true},
		{"empty matches all", Where(), true},
		{"eq", Where(Eq("name", "steve")), true},
		{"eq miss", Where(Eq("name", "alex")), false},
		{"ne", Where(Ne("name", "alex")), true},
		{"lt", Where(Lt("balance", int64(101))), true},
		{"lte", Where(Lte("balance", int64(100))), true},
		{"gt", Where(Gt("balance", int64(100))), false},
		{"gte", Where(Gte("balance", int64(100))), true},
		{"float vs int", Where(Gt("ratio", int64(0))), true},
		{"bool", Where(Eq("online", true)), true},
		{"prefix", Where(Prefix("name", "st")), true},
		{"prefix miss", Where(Prefix("name", "x")), false},
		{"conjunction", Where(Gte("balance", int64(50)), Eq("online", true)), true},
		{"conjunction miss", Where(Gte("balance", int64(50)), Eq("online", false)), false},
		{"missing field eq", Where(Eq("level", int64(1))), false},
		{"missing field ne", Where(Ne("level", int64(1))), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred.Match(r))
		})
	}
}

func TestPredicateValidate(t *testing.T) {
	s := playersSchema()

	p, err := Where(Gt("ratio", 1), Eq("balance", int32(5))).Validate(s)
	require.NoError(t, err)
	assert.Equal(t, float64(1), p.Conditions[0].Value)
	assert.Equal(t, int64(5), p.Conditions[1].Value)

	p, err = (*Predicate)(nil).Validate(s)
	require.NoError(t, err)
	assert.Nil(t, p)

	invalid := []*Predicate{
		Where(Eq("level", 1)),
		Where(Eq("inventory", "x")),
		Where(Prefix("balance", "1")),
		Where(Eq("name", nil)),
		Where(Eq("balance", "many")),
		Where(Condition{Field: "name", Op: Op(99), Value: "x"}),
	}
	for _, pred := range invalid {
		_, err := pred.Validate(s)
		assert.ErrorIs(t, err, ErrInvalidPredicate, pred.String())
	}
}

func TestPredicateAnd(t *testing.T) {
	base := Where(Eq("name", "steve"))
	next := base.And(Gt("balance", 1))

	assert.Len(t, base.Conditions, 1)
	assert.Len(t, next.Conditions, 2)
	assert.Equal(t, `name == "steve" and balance > 1`, next.String())
	assert.Equal(t, "true", (*Predicate)(nil).String())
}

func TestCompare(t *testing.T) {
	order, ok := Compare("a", "b")
	assert.True(t, ok)
	assert.Equal(t, -1, order)

	order, ok = Compare(false, true)
	assert.True(t, ok)
	assert.Equal(t, -1, order)

	_, ok = Compare("a", int64(1))
	assert.False(t, ok)
}
