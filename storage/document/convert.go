package document

import (
	"fmt"
	"maps"
	"regexp"
	"slices"

	"github.com/impactdev/impactor/core"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const idField = "_id"

// toDocument renders a record as a BSON document keyed by _id. Fields are
// written in name order.
func toDocument(key string, record core.Record) bson.D {
	doc := make(bson.D, 0, len(record)+1)
	doc = append(doc, bson.E{Key: idField, Value: key})
	for _, name := range slices.Sorted(maps.Keys(record)) {
		doc = append(doc, bson.E{Key: name, Value: toBSON(record[name])})
	}
	return doc
}

func toBSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		d := make(bson.D, 0, len(t))
		for _, k := range slices.Sorted(maps.Keys(t)) {
			d = append(d, bson.E{Key: k, Value: toBSON(t[k])})
		}
		return d
	case []any:
		a := make(bson.A, len(t))
		for i, e := range t {
			a[i] = toBSON(e)
		}
		return a
	}
	return v
}

// fromDocument converts a decoded document back to a record and returns
// its _id.
func fromDocument(doc bson.D) (string, core.Record, error) {
	var key string
	record := make(core.Record, len(doc))
	for _, e := range doc {
		if e.Key == idField {
			id, ok := e.Value.(string)
			if !ok {
				return "", nil, fmt.Errorf("%w: _id of type %T", core.ErrSerialization, e.Value)
			}
			key = id
			continue
		}
		v, err := fromBSON(e.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %s (_id %q): %v", core.ErrSerialization, e.Key, key, err)
		}
		if v != nil {
			record[e.Key] = v
		}
	}
	return key, record, nil
}

// fromBSON normalizes decoded BSON values. Values written by other tools
// are mapped to the closest record type.
func fromBSON(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, int64, float64, string:
		return t, nil
	case int32:
		return int64(t), nil
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			ev, err := fromBSON(e.Value)
			if err != nil {
				return nil, err
			}
			m[e.Key] = ev
		}
		return m, nil
	case bson.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			ev, err := fromBSON(e)
			if err != nil {
				return nil, err
			}
			m[k] = ev
		}
		return m, nil
	case bson.A:
		a := make([]any, len(t))
		for i, e := range t {
			ev, err := fromBSON(e)
			if err != nil {
				return nil, err
			}
			a[i] = ev
		}
		return a, nil
	case bson.ObjectID:
		return t.Hex(), nil
	case bson.DateTime:
		return int64(t), nil
	}
	return nil, fmt.Errorf("unsupported BSON value %T", v)
}

var mongoOps = map[core.Op]string{
	core.OpEq:  "$eq",
	core.OpNe:  "$ne",
	core.OpLt:  "$lt",
	core.OpLte: "$lte",
	core.OpGt:  "$gt",
	core.OpGte: "$gte",
}

// filter translates a validated predicate into a query filter. after,
// when set, restricts the filter to keys sorting after it.
func filter(pred *core.Predicate, after *string) bson.D {
	var clauses bson.A
	if after != nil {
		clauses = append(clauses, bson.D{{Key: idField, Value: bson.D{{Key: "$gt", Value: *after}}}})
	}
	if pred != nil {
		for _, c := range pred.Conditions {
			clauses = append(clauses, condition(c))
		}
	}
	switch len(clauses) {
	case 0:
		return bson.D{}
	case 1:
		return clauses[0].(bson.D)
	}
	return bson.D{{Key: "$and", Value: clauses}}
}

// condition renders one condition. $ne alone matches documents lacking the
// field, so it also requires the field to exist.
func condition(c core.Condition) bson.D {
	switch c.Op {
	case core.OpPrefix:
		return bson.D{{Key: c.Field, Value: bson.Regex{Pattern: "^" + regexp.QuoteMeta(c.Value.(string))}}}
	case core.OpNe:
		return bson.D{{Key: c.Field, Value: bson.D{
			{Key: "$exists", Value: true},
			{Key: "$ne", Value: c.Value},
		}}}
	}
	return bson.D{{Key: c.Field, Value: bson.D{{Key: mongoOps[c.Op], Value: c.Value}}}}
}
