package core

import (
	"cmp"
	"fmt"
	"strings"
)

// Op is a comparison operator of a predicate condition.
type Op int

const (
	OpEq Op = iota + 1
	OpNe
	OpLt
	OpLte
	OpGt
	OpGte
	// OpPrefix matches string fields starting with the value.
	OpPrefix
)

var opNames = map[Op]string{
	OpEq:     "==",
	OpNe:     "!=",
	OpLt:     "<",
	OpLte:    "<=",
	OpGt:     ">",
	OpGte:    ">=",
	OpPrefix: "startsWith",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Condition compares one record field against a constant.
type Condition struct {
	Field string
	Op    Op
	Value any
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %#v", c.Field, c.Op, c.Value)
}

// Eq returns the condition field == v.
func Eq(field string, v any) Condition { return Condition{Field: field, Op: OpEq, Value: v} }

// Ne returns the condition field != v.
func Ne(field string, v any) Condition { return Condition{Field: field, Op: OpNe, Value: v} }

// Lt returns the condition field < v.
func Lt(field string, v any) Condition { return Condition{Field: field, Op: OpLt, Value: v} }

// Lte returns the condition field <= v.
func Lte(field string, v any) Condition { return Condition{Field: field, Op: OpLte, Value: v} }

// Gt returns the condition field > v.
func Gt(field string, v any) Condition { return Condition{Field: field, Op: OpGt, Value: v} }

// Gte returns the condition field >= v.
func Gte(field string, v any) Condition { return Condition{Field: field, Op: OpGte, Value: v} }

// Prefix returns the condition field startsWith p.
func Prefix(field string, p string) Condition { return Condition{Field: field, Op: OpPrefix, Value: p} }

// Predicate is a conjunction of conditions. A nil or empty predicate
// matches every record. A condition on a field the record does not carry
// never matches, whatever the operator.
type Predicate struct {
	Conditions []Condition
}

// Where builds a predicate from conditions.
func Where(conds ...Condition) *Predicate {
	return &Predicate{Conditions: conds}
}

// And returns a new predicate with c appended.
func (p *Predicate) And(c Condition) *Predicate {
	out := &Predicate{}
	if p != nil {
		out.Conditions = append(out.Conditions, p.Conditions...)
	}
	out.Conditions = append(out.Conditions, c)
	return out
}

// Empty reports whether the predicate has no conditions.
func (p *Predicate) Empty() bool {
	return p == nil || len(p.Conditions) == 0
}

func (p *Predicate) String() string {
	if p.Empty() {
		return "true"
	}
	parts := make([]string, len(p.Conditions))
	for i, c := range p.Conditions {
		parts[i] = c.String()
	}
	return strings.Join(parts, " and ")
}

// Validate checks the predicate against a schema and returns a copy whose
// values are normalized to the declared field types. Drivers translate
// only validated predicates.
func (p *Predicate) Validate(s Schema) (*Predicate, error) {
	if p.Empty() {
		return nil, nil
	}
	out := &Predicate{Conditions: make([]Condition, len(p.Conditions))}
	for i, c := range p.Conditions {
		f, ok := s.Field(c.Field)
		if !ok {
			return nil, fmt.Errorf("%w: %s: field %q is not declared", ErrInvalidPredicate, s.Collection, c.Field)
		}
		if _, ok := opNames[c.Op]; !ok {
			return nil, fmt.Errorf("%w: %s: unknown operator %d", ErrInvalidPredicate, s.Collection, int(c.Op))
		}
		if f.Type == FieldDocument {
			return nil, fmt.Errorf("%w: %s: document field %q cannot be compared", ErrInvalidPredicate, s.Collection, c.Field)
		}
		if c.Op == OpPrefix && f.Type != FieldString {
			return nil, fmt.Errorf("%w: %s: startsWith needs a string field, %q is %s", ErrInvalidPredicate, s.Collection, c.Field, f.Type)
		}
		v, err := NormalizeValue(c.Value)
		if err != nil || v == nil {
			return nil, fmt.Errorf("%w: %s: condition %s has no comparable value", ErrInvalidPredicate, s.Collection, c)
		}
		v, err = coerce(f.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: condition on %q: %v", ErrInvalidPredicate, s.Collection, c.Field, err)
		}
		out.Conditions[i] = Condition{Field: c.Field, Op: c.Op, Value: v}
	}
	return out, nil
}

// Match evaluates the predicate against a record.
func (p *Predicate) Match(r Record) bool {
	if p == nil {
		return true
	}
	for _, c := range p.Conditions {
		if !c.Match(r) {
			return false
		}
	}
	return true
}

// Match evaluates one condition against a record.
func (c Condition) Match(r Record) bool {
	v, ok := r[c.Field]
	if !ok || v == nil {
		return false
	}
	if c.Op == OpPrefix {
		s, ok1 := v.(string)
		prefix, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix)
	}
	order, ok := Compare(v, c.Value)
	if !ok {
		return c.Op == OpNe
	}
	switch c.Op {
	case OpEq:
		return order == 0
	case OpNe:
		return order != 0
	case OpLt:
		return order < 0
	case OpLte:
		return order <= 0
	case OpGt:
		return order > 0
	case OpGte:
		return order >= 0
	}
	return false
}

// Compare orders two normalized scalar values. Integers and floats compare
// numerically; strings compare bytewise; false sorts before true.
// The second result is false when the values are not comparable.
func Compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y), true
		case float64:
			return cmp.Compare(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y), true
		case int64:
			return cmp.Compare(x, float64(y)), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}
